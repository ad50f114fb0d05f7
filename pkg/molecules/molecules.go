package molecules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

// geometryPrecision is the number of decimal places of the coordinates
// (in bohr) that participate in the content hash. Coordinates closer
// than this are the same molecule.
const geometryPrecision = 8

// HashMolecule computes the canonical content hash of a molecule
func HashMolecule(m *types.Molecule) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(m.Symbols, ",")))
	h.Write([]byte{0})
	for _, c := range m.Geometry {
		h.Write([]byte(strconv.FormatFloat(round(c), 'f', geometryPrecision, 64)))
		h.Write([]byte{','})
	}
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d:%d", m.Charge, m.Multiplicity)
	return hex.EncodeToString(h.Sum(nil))
}

func round(c float64) float64 {
	shift := 1e8
	if c < 0 {
		return float64(int64(c*shift-0.5)) / shift
	}
	return float64(int64(c*shift+0.5)) / shift
}

// Store persists content-addressed molecules
type Store struct {
	db *db.DB
}

// NewStore creates a molecule store
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Ensure inserts a molecule if its content is new, returning its id
func (s *Store) Ensure(ctx context.Context, ses *db.Session, mol *types.Molecule) (bool, int64, error) {
	if len(mol.Symbols) == 0 || len(mol.Geometry) != 3*len(mol.Symbols) {
		return false, 0, errs.NewMalformedRequest(
			"molecule needs %d coordinates for %d atoms, got %d",
			3*len(mol.Symbols), len(mol.Symbols), len(mol.Geometry))
	}
	if mol.Multiplicity == 0 {
		mol.Multiplicity = 1
	}
	hash := HashMolecule(mol)

	symbols, err := json.Marshal(mol.Symbols)
	if err != nil {
		return false, 0, fmt.Errorf("failed to marshal symbols: %w", err)
	}
	geometry, err := json.Marshal(mol.Geometry)
	if err != nil {
		return false, 0, fmt.Errorf("failed to marshal geometry: %w", err)
	}

	var id int64
	inserted := false
	err = s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		if _, err := ses.Tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, hash); err != nil {
			return fmt.Errorf("failed to take molecule lock: %w", err)
		}

		row := ses.Tx.QueryRowxContext(ctx,
			`INSERT INTO molecules (hash, symbols, geometry, molecular_charge, molecular_multiplicity, identifier)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (hash) DO NOTHING
			 RETURNING id`,
			hash, symbols, geometry, mol.Charge, mol.Multiplicity, mol.Identifier)

		if err := row.Scan(&id); err == nil {
			inserted = true
			return nil
		}

		if err := ses.Tx.GetContext(ctx, &id,
			`SELECT id FROM molecules WHERE hash = $1`, hash); err != nil {
			return fmt.Errorf("failed to look up existing molecule: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	mol.ID = id
	mol.Hash = hash
	return inserted, id, nil
}

// EnsureMany deduplicates a batch of molecules, returning ids in input
// order plus insert metadata
func (s *Store) EnsureMany(ctx context.Context, ses *db.Session, mols []*types.Molecule) (types.InsertMetadata, []int64, error) {
	var meta types.InsertMetadata
	ids := make([]int64, len(mols))

	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		for i, mol := range mols {
			inserted, id, err := s.Ensure(ctx, ses, mol)
			if err != nil {
				return err
			}
			ids[i] = id
			if inserted {
				meta.InsertedIdx = append(meta.InsertedIdx, i)
			} else {
				meta.ExistingIdx = append(meta.ExistingIdx, i)
			}
		}
		return nil
	})
	if err != nil {
		return types.InsertMetadata{}, nil, err
	}
	return meta, ids, nil
}

type moleculeRow struct {
	ID           int64           `db:"id"`
	Hash         string          `db:"hash"`
	Symbols      json.RawMessage `db:"symbols"`
	Geometry     json.RawMessage `db:"geometry"`
	Charge       int             `db:"molecular_charge"`
	Multiplicity int             `db:"molecular_multiplicity"`
	Identifier   string          `db:"identifier"`
	CreatedOn    time.Time       `db:"created_on"`
}

// Get retrieves molecules by id, in input order
func (s *Store) Get(ctx context.Context, ses *db.Session, ids []int64) ([]*types.Molecule, error) {
	var rows []moleculeRow
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		query, args, err := db.In(`SELECT * FROM molecules WHERE id IN (?)`, ids)
		if err != nil {
			return err
		}
		return ses.Tx.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select molecules: %w", err)
	}

	byID := make(map[int64]*types.Molecule, len(rows))
	for _, r := range rows {
		mol := &types.Molecule{
			ID:           r.ID,
			Hash:         r.Hash,
			Charge:       r.Charge,
			Multiplicity: r.Multiplicity,
			Identifier:   r.Identifier,
		}
		if err := json.Unmarshal(r.Symbols, &mol.Symbols); err != nil {
			return nil, fmt.Errorf("failed to decode symbols for molecule %d: %w", r.ID, err)
		}
		if err := json.Unmarshal(r.Geometry, &mol.Geometry); err != nil {
			return nil, fmt.Errorf("failed to decode geometry for molecule %d: %w", r.ID, err)
		}
		byID[r.ID] = mol
	}

	out := make([]*types.Molecule, len(ids))
	for i, id := range ids {
		mol, ok := byID[id]
		if !ok {
			return nil, errs.NewMissingData("molecule %d not found", id)
		}
		out[i] = mol
	}
	return out, nil
}
