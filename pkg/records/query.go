package records

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/types"
)

// QueryFilter selects records by any combination of criteria. Empty
// fields do not constrain the query.
type QueryFilter struct {
	IDs      []int64              `json:"ids,omitempty"`
	Kinds    []types.RecordKind   `json:"kinds,omitempty"`
	Statuses []types.RecordStatus `json:"statuses,omitempty"`
	Tags     []string             `json:"tags,omitempty"`
	Owner    string               `json:"owner,omitempty"`
	Limit    uint64               `json:"limit,omitempty"`
	Offset   uint64               `json:"offset,omitempty"`
}

const queryLimitDefault = 1000

// Query selects records matching the filter, ordered by id
func (s *Store) Query(ctx context.Context, ses *db.Session, filter *QueryFilter) ([]*types.Record, error) {
	builder := sq.Select("*").From("records").
		PlaceholderFormat(sq.Dollar).
		OrderBy("id")

	if len(filter.IDs) > 0 {
		builder = builder.Where(sq.Eq{"id": filter.IDs})
	}
	if len(filter.Kinds) > 0 {
		builder = builder.Where(sq.Eq{"kind": filter.Kinds})
	}
	if len(filter.Statuses) > 0 {
		builder = builder.Where(sq.Eq{"status": filter.Statuses})
	}
	if len(filter.Tags) > 0 {
		builder = builder.Where(sq.Eq{"tag": filter.Tags})
	}
	if filter.Owner != "" {
		builder = builder.Where(sq.Eq{"owner": filter.Owner})
	}

	limit := filter.Limit
	if limit == 0 || limit > queryLimitDefault {
		limit = queryLimitDefault
	}
	builder = builder.Limit(limit).Offset(filter.Offset)

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build record query: %w", err)
	}

	var out []*types.Record
	err = s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.SelectContext(ctx, &out, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return out, nil
}
