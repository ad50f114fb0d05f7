package specs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/types"
)

// Store persists canonicalised, content-addressed specifications.
// Content-equal specifications always resolve to the same id.
type Store struct {
	db *db.DB
}

// NewStore creates a specification store
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Ensure inserts the specification if its canonical content is new and
// returns the existing id otherwise
func (s *Store) Ensure(ctx context.Context, ses *db.Session, kind types.RecordKind, content json.RawMessage) (types.InsertMetadata, int64, error) {
	var meta types.InsertMetadata
	var id int64

	canonical, err := Canonicalize(content)
	if err != nil {
		return meta, 0, err
	}
	hash := Hash(string(kind), canonical)

	err = s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		// Serialise concurrent inserts of the same content
		if _, err := ses.Tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, hash); err != nil {
			return fmt.Errorf("failed to take specification lock: %w", err)
		}

		row := ses.Tx.QueryRowxContext(ctx,
			`INSERT INTO specifications (hash, kind, content)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (kind, hash) DO NOTHING
			 RETURNING id`,
			hash, kind, canonical)

		if err := row.Scan(&id); err == nil {
			meta.InsertedIdx = []int{0}
			return nil
		}

		// Already present
		if err := ses.Tx.GetContext(ctx, &id,
			`SELECT id FROM specifications WHERE kind = $1 AND hash = $2`, kind, hash); err != nil {
			return fmt.Errorf("failed to look up existing specification: %w", err)
		}
		meta.ExistingIdx = []int{0}
		return nil
	})
	if err != nil {
		return types.InsertMetadata{}, 0, err
	}
	return meta, id, nil
}

// Get retrieves a specification by id
func (s *Store) Get(ctx context.Context, ses *db.Session, id int64) (*types.Specification, error) {
	var spec types.Specification
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &spec,
			`SELECT * FROM specifications WHERE id = $1`, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get specification %d: %w", id, err)
	}
	return &spec, nil
}
