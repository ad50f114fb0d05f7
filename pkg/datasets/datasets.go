package datasets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/log"
	"github.com/molforge/molforge/pkg/molecules"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/specs"
	"github.com/molforge/molforge/pkg/types"
)

// Store is the dataset composer: named entries crossed with named
// specifications produce records, deduplicated globally, tracked in a
// sparse record-item table.
type Store struct {
	db        *db.DB
	records   *records.Store
	specs     *specs.Store
	molecules *molecules.Store
	broker    *events.Broker
}

// NewStore creates a dataset store
func NewStore(database *db.DB, recordStore *records.Store, broker *events.Broker) *Store {
	return &Store{
		db:        database,
		records:   recordStore,
		specs:     recordStore.Specifications(),
		molecules: recordStore.Molecules(),
		broker:    broker,
	}
}

// Add creates a dataset. Identity is (kind, lowercased name).
func (s *Store) Add(ctx context.Context, ses *db.Session, ds *types.Dataset) (int64, error) {
	if ds.Name == "" {
		return 0, errs.NewMalformedRequest("dataset name must not be empty")
	}
	ds.LName = strings.ToLower(ds.Name)
	if ds.DefaultTag == "" {
		ds.DefaultTag = "*"
	}
	ds.DefaultTag = strings.ToLower(ds.DefaultTag)
	if ds.Group == "" {
		ds.Group = "default"
	}

	var id int64
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		row := ses.Tx.QueryRowxContext(ctx,
			`INSERT INTO datasets (kind, name, lname, description, tagline, dataset_group,
			                       visibility, default_tag, default_priority, metadata, provenance)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (kind, lname) DO NOTHING
			 RETURNING id`,
			ds.Kind, ds.Name, ds.LName, ds.Description, ds.Tagline, ds.Group,
			ds.Visibility, ds.DefaultTag, ds.DefaultPriority, ds.Metadata, ds.Provenance)
		if err := row.Scan(&id); err != nil {
			return errs.NewAlreadyExists("dataset %s of kind %s already exists", ds.Name, ds.Kind)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	ds.ID = id
	return id, nil
}

// Get retrieves a dataset by id
func (s *Store) Get(ctx context.Context, ses *db.Session, id int64) (*types.Dataset, error) {
	var ds types.Dataset
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &ds, `SELECT * FROM datasets WHERE id = $1`, id)
	})
	if err != nil {
		return nil, errs.NewMissingData("dataset %d not found", id)
	}
	return &ds, nil
}

// Lookup retrieves a dataset by kind and name, case-insensitively
func (s *Store) Lookup(ctx context.Context, ses *db.Session, kind types.RecordKind, name string) (*types.Dataset, error) {
	var ds types.Dataset
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &ds,
			`SELECT * FROM datasets WHERE kind = $1 AND lname = $2`, kind, strings.ToLower(name))
	})
	if err != nil {
		return nil, errs.NewMissingData("dataset %s of kind %s not found", name, kind)
	}
	return &ds, nil
}

// List returns all datasets, newest last
func (s *Store) List(ctx context.Context, ses *db.Session) ([]*types.Dataset, error) {
	var out []*types.Dataset
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.SelectContext(ctx, &out, `SELECT * FROM datasets ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	return out, nil
}

// QueryFilter selects datasets by any combination of criteria
type QueryFilter struct {
	Kinds      []types.RecordKind `json:"kinds,omitempty"`
	Name       string             `json:"name,omitempty"`
	Group      string             `json:"group,omitempty"`
	Visibility *bool              `json:"visibility,omitempty"`
}

// Query selects datasets matching the filter, ordered by id. Name
// matches are case-insensitive.
func (s *Store) Query(ctx context.Context, ses *db.Session, filter *QueryFilter) ([]*types.Dataset, error) {
	builder := sq.Select("*").From("datasets").
		PlaceholderFormat(sq.Dollar).
		OrderBy("id")

	if len(filter.Kinds) > 0 {
		builder = builder.Where(sq.Eq{"kind": filter.Kinds})
	}
	if filter.Name != "" {
		builder = builder.Where(sq.Eq{"lname": strings.ToLower(filter.Name)})
	}
	if filter.Group != "" {
		builder = builder.Where(sq.Eq{"dataset_group": filter.Group})
	}
	if filter.Visibility != nil {
		builder = builder.Where(sq.Eq{"visibility": *filter.Visibility})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build dataset query: %w", err)
	}

	var out []*types.Dataset
	err = s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.SelectContext(ctx, &out, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query datasets: %w", err)
	}
	return out, nil
}

// UpdateMetadata mutates the descriptive fields of a dataset under a
// row lock. Renames are checked against the (kind, lname) identity.
func (s *Store) UpdateMetadata(ctx context.Context, ses *db.Session, id int64, update *types.Dataset) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		var current types.Dataset
		if err := ses.Tx.GetContext(ctx, &current,
			`SELECT * FROM datasets WHERE id = $1 FOR UPDATE`, id); err != nil {
			return errs.NewMissingData("dataset %d not found", id)
		}

		name := current.Name
		lname := current.LName
		if update.Name != "" && strings.ToLower(update.Name) != current.LName {
			name = update.Name
			lname = strings.ToLower(update.Name)
			var clash int
			if err := ses.Tx.GetContext(ctx, &clash,
				`SELECT count(*) FROM datasets WHERE kind = $1 AND lname = $2 AND id <> $3`,
				current.Kind, lname, id); err != nil {
				return err
			}
			if clash > 0 {
				return errs.NewAlreadyExists("dataset %s of kind %s already exists", update.Name, current.Kind)
			}
		} else if update.Name != "" {
			name = update.Name
		}

		defaultTag := current.DefaultTag
		if update.DefaultTag != "" {
			defaultTag = strings.ToLower(update.DefaultTag)
		}

		_, err := ses.Tx.ExecContext(ctx,
			`UPDATE datasets
			 SET name = $1, lname = $2, description = $3, tagline = $4, dataset_group = $5,
			     visibility = $6, default_tag = $7, default_priority = $8,
			     metadata = COALESCE($9, metadata), modified_on = now()
			 WHERE id = $10`,
			name, lname, update.Description, update.Tagline, orDefault(update.Group, current.Group),
			update.Visibility, defaultTag, update.DefaultPriority, update.Metadata, id)
		if err != nil {
			return fmt.Errorf("failed to update dataset: %w", err)
		}
		return nil
	})
}

// Delete removes a dataset. Entries, specifications and record items
// cascade away; the records themselves stay.
func (s *Store) Delete(ctx context.Context, ses *db.Session, id int64) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		res, err := ses.Tx.ExecContext(ctx, `DELETE FROM datasets WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete dataset: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NewMissingData("dataset %d not found", id)
		}
		return nil
	})
}

// AddEntries inserts named entries, skipping names that already exist.
// Metadata reports which inputs were inserted and which were skipped.
func (s *Store) AddEntries(ctx context.Context, ses *db.Session, datasetID int64, entries []*types.DatasetEntry) (types.InsertMetadata, error) {
	var meta types.InsertMetadata
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		for i, e := range entries {
			if e.Name == "" {
				return errs.NewMalformedRequest("entry %d has no name", i)
			}
			row := ses.Tx.QueryRowxContext(ctx,
				`INSERT INTO dataset_entries (dataset_id, name, comment, molecule_id, attributes)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (dataset_id, name) DO NOTHING
				 RETURNING id`,
				datasetID, e.Name, e.Comment, e.MoleculeID, e.Attributes)
			var id int64
			if err := row.Scan(&id); err != nil {
				meta.ExistingIdx = append(meta.ExistingIdx, i)
				continue
			}
			e.ID = id
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	if err != nil {
		return types.InsertMetadata{}, err
	}
	return meta, nil
}

// AddEntryMolecules is AddEntries for callers holding molecule data
// rather than ids: molecules go through global dedup first
func (s *Store) AddEntryMolecules(ctx context.Context, ses *db.Session, datasetID int64, entries []*types.DatasetEntry, mols []*types.Molecule) (types.InsertMetadata, error) {
	if len(entries) != len(mols) {
		return types.InsertMetadata{}, errs.NewMalformedRequest(
			"%d entries but %d molecules", len(entries), len(mols))
	}
	var meta types.InsertMetadata
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		_, ids, err := s.molecules.EnsureMany(ctx, ses, mols)
		if err != nil {
			return err
		}
		for i, e := range entries {
			e.MoleculeID = ids[i]
		}
		meta, err = s.AddEntries(ctx, ses, datasetID, entries)
		return err
	})
	if err != nil {
		return types.InsertMetadata{}, err
	}
	return meta, nil
}

// AddSpecifications binds specification content under names. Content
// deduplicates against the global specification table; a name that is
// already bound raises already-exists.
func (s *Store) AddSpecifications(ctx context.Context, ses *db.Session, datasetID int64, kind types.RecordKind, dspecs []*types.DatasetSpecification, contents []json.RawMessage) (types.InsertMetadata, error) {
	if len(dspecs) != len(contents) {
		return types.InsertMetadata{}, errs.NewMalformedRequest(
			"%d specifications but %d contents", len(dspecs), len(contents))
	}
	var meta types.InsertMetadata
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		for i, dspec := range dspecs {
			if dspec.Name == "" {
				return errs.NewMalformedRequest("specification %d has no name", i)
			}
			_, specID, err := s.specs.Ensure(ctx, ses, kind, contents[i])
			if err != nil {
				return err
			}
			row := ses.Tx.QueryRowxContext(ctx,
				`INSERT INTO dataset_specifications (dataset_id, name, description, specification_id)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (dataset_id, name) DO NOTHING
				 RETURNING id`,
				datasetID, dspec.Name, dspec.Description, specID)
			var id int64
			if err := row.Scan(&id); err != nil {
				var existingSpec int64
				if err := ses.Tx.GetContext(ctx, &existingSpec,
					`SELECT specification_id FROM dataset_specifications
					 WHERE dataset_id = $1 AND name = $2`, datasetID, dspec.Name); err != nil {
					return err
				}
				if existingSpec == specID {
					meta.ExistingIdx = append(meta.ExistingIdx, i)
					dspec.SpecificationID = specID
					continue
				}
				return errs.NewAlreadyExists(
					"specification name %s is already bound in dataset %d", dspec.Name, datasetID)
			}
			dspec.ID = id
			dspec.SpecificationID = specID
			meta.InsertedIdx = append(meta.InsertedIdx, i)
		}
		return nil
	})
	if err != nil {
		return types.InsertMetadata{}, err
	}
	return meta, nil
}

// Entries returns a dataset's entries in insertion order, optionally
// filtered by name
func (s *Store) Entries(ctx context.Context, ses *db.Session, datasetID int64, names []string) ([]*types.DatasetEntry, error) {
	var out []*types.DatasetEntry
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		if len(names) == 0 {
			return ses.Tx.SelectContext(ctx, &out,
				`SELECT * FROM dataset_entries WHERE dataset_id = $1 ORDER BY id`, datasetID)
		}
		query, args, err := db.In(
			`SELECT * FROM dataset_entries WHERE dataset_id = ? AND name IN (?) ORDER BY id`,
			datasetID, names)
		if err != nil {
			return err
		}
		return ses.Tx.SelectContext(ctx, &out, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select entries: %w", err)
	}
	return out, nil
}

// Specifications returns a dataset's named specifications, optionally
// filtered by name
func (s *Store) Specifications(ctx context.Context, ses *db.Session, datasetID int64, names []string) ([]*types.DatasetSpecification, error) {
	var out []*types.DatasetSpecification
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		if len(names) == 0 {
			return ses.Tx.SelectContext(ctx, &out,
				`SELECT * FROM dataset_specifications WHERE dataset_id = $1 ORDER BY id`, datasetID)
		}
		query, args, err := db.In(
			`SELECT * FROM dataset_specifications WHERE dataset_id = ? AND name IN (?) ORDER BY id`,
			datasetID, names)
		if err != nil {
			return err
		}
		return ses.Tx.SelectContext(ctx, &out, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select specifications: %w", err)
	}
	return out, nil
}

// Submit ensures a record item exists for every (entry, specification)
// pair in the requested cartesian product. Existing items are left
// alone; new records go through global dedup, so identical work across
// entries and across datasets shares one record id.
func (s *Store) Submit(ctx context.Context, ses *db.Session, datasetID int64, entryNames, specNames []string, tag string, priority *types.Priority) (int, error) {
	submitted := 0
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		ds, err := s.Get(ctx, ses, datasetID)
		if err != nil {
			return err
		}
		if tag == "" {
			tag = ds.DefaultTag
		}
		prio := ds.DefaultPriority
		if priority != nil {
			prio = *priority
		}

		entries, err := s.Entries(ctx, ses, datasetID, entryNames)
		if err != nil {
			return err
		}
		dspecs, err := s.Specifications(ctx, ses, datasetID, specNames)
		if err != nil {
			return err
		}
		if len(entries) == 0 || len(dspecs) == 0 {
			return nil
		}

		// Existing record items drop out of the product up front
		existing := make(map[string]bool)
		var items []*types.DatasetRecordItem
		if err := ses.Tx.SelectContext(ctx, &items,
			`SELECT * FROM dataset_record_items WHERE dataset_id = $1`, datasetID); err != nil {
			return fmt.Errorf("failed to select record items: %w", err)
		}
		for _, it := range items {
			existing[it.EntryName+"\x00"+it.SpecificationName] = true
		}

		for _, dspec := range dspecs {
			spec, err := s.specs.Get(ctx, ses, dspec.SpecificationID)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if existing[entry.Name+"\x00"+dspec.Name] {
					continue
				}
				mols, err := s.molecules.Get(ctx, ses, []int64{entry.MoleculeID})
				if err != nil {
					return err
				}
				_, ids, err := s.records.Add(ctx, ses, ds.Kind, spec.Content,
					[][]*types.Molecule{mols}, tag, prio)
				if err != nil {
					return err
				}
				if _, err := ses.Tx.ExecContext(ctx,
					`INSERT INTO dataset_record_items (dataset_id, entry_name, specification_name, record_id)
					 VALUES ($1, $2, $3, $4)`,
					datasetID, entry.Name, dspec.Name, ids[0]); err != nil {
					return fmt.Errorf("failed to insert record item: %w", err)
				}
				submitted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if submitted > 0 {
		if s.broker != nil {
			s.broker.Publish(&events.Event{Type: events.EventDatasetSubmitted,
				Message: fmt.Sprintf("%d record items", submitted)})
		}
		log.WithDatasetID(datasetID).Info().Int("submitted", submitted).Msg("Dataset submitted")
	}
	return submitted, nil
}

// DeleteEntries removes entries by name; their record items cascade.
// With deleteRecords the records left unreferenced are hard-deleted.
func (s *Store) DeleteEntries(ctx context.Context, ses *db.Session, datasetID int64, names []string, deleteRecords bool) error {
	if len(names) == 0 {
		return nil
	}
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		recordIDs, err := s.itemRecordIDs(ctx, ses, datasetID, names, nil)
		if err != nil {
			return err
		}
		query, args, err := db.In(
			`DELETE FROM dataset_entries WHERE dataset_id = ? AND name IN (?)`, datasetID, names)
		if err != nil {
			return err
		}
		if _, err := ses.Tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete entries: %w", err)
		}
		if deleteRecords {
			return s.hardDeleteUnreferenced(ctx, ses, recordIDs)
		}
		return nil
	})
}

// DeleteSpecifications removes named specifications; record items
// cascade, records optionally follow
func (s *Store) DeleteSpecifications(ctx context.Context, ses *db.Session, datasetID int64, names []string, deleteRecords bool) error {
	if len(names) == 0 {
		return nil
	}
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		recordIDs, err := s.itemRecordIDs(ctx, ses, datasetID, nil, names)
		if err != nil {
			return err
		}
		query, args, err := db.In(
			`DELETE FROM dataset_specifications WHERE dataset_id = ? AND name IN (?)`, datasetID, names)
		if err != nil {
			return err
		}
		if _, err := ses.Tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete specifications: %w", err)
		}
		if deleteRecords {
			return s.hardDeleteUnreferenced(ctx, ses, recordIDs)
		}
		return nil
	})
}

// DeleteRecordItems removes the items of the given (entry, spec) pairs
func (s *Store) DeleteRecordItems(ctx context.Context, ses *db.Session, datasetID int64, entryNames, specNames []string, deleteRecords bool) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		recordIDs, err := s.itemRecordIDs(ctx, ses, datasetID, entryNames, specNames)
		if err != nil {
			return err
		}
		query := `DELETE FROM dataset_record_items WHERE dataset_id = ?`
		args := []interface{}{datasetID}
		if len(entryNames) > 0 {
			query += ` AND entry_name IN (?)`
			args = append(args, entryNames)
		}
		if len(specNames) > 0 {
			query += ` AND specification_name IN (?)`
			args = append(args, specNames)
		}
		q, a, err := db.In(query, args...)
		if err != nil {
			return err
		}
		if _, err := ses.Tx.ExecContext(ctx, q, a...); err != nil {
			return fmt.Errorf("failed to delete record items: %w", err)
		}
		if deleteRecords {
			return s.hardDeleteUnreferenced(ctx, ses, recordIDs)
		}
		return nil
	})
}

// RenameEntries maps old entry names to new ones; record items follow
// through the cascading foreign key. Taken target names are rejected.
func (s *Store) RenameEntries(ctx context.Context, ses *db.Session, datasetID int64, renames map[string]string) error {
	return s.rename(ctx, ses, datasetID, renames, "dataset_entries")
}

// RenameSpecifications is RenameEntries for specification names
func (s *Store) RenameSpecifications(ctx context.Context, ses *db.Session, datasetID int64, renames map[string]string) error {
	return s.rename(ctx, ses, datasetID, renames, "dataset_specifications")
}

func (s *Store) rename(ctx context.Context, ses *db.Session, datasetID int64, renames map[string]string, table string) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		for oldName, newName := range renames {
			if newName == oldName {
				continue
			}
			var clash int
			if err := ses.Tx.GetContext(ctx, &clash,
				fmt.Sprintf(`SELECT count(*) FROM %s WHERE dataset_id = $1 AND name = $2`, table),
				datasetID, newName); err != nil {
				return err
			}
			if clash > 0 {
				return errs.NewAlreadyExists("name %s is already taken in dataset %d", newName, datasetID)
			}
			res, err := ses.Tx.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET name = $1 WHERE dataset_id = $2 AND name = $3`, table),
				newName, datasetID, oldName)
			if err != nil {
				return fmt.Errorf("failed to rename %s to %s: %w", oldName, newName, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return errs.NewMissingData("name %s not found in dataset %d", oldName, datasetID)
			}
		}
		return nil
	})
}

// Status returns record counts per specification name per status
func (s *Store) Status(ctx context.Context, ses *db.Session, datasetID int64) (map[string]map[types.RecordStatus]int, error) {
	out := make(map[string]map[types.RecordStatus]int)
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		rows, err := ses.Tx.QueryxContext(ctx,
			`SELECT dri.specification_name, r.status, count(*)
			 FROM dataset_record_items dri JOIN records r ON r.id = dri.record_id
			 WHERE dri.dataset_id = $1
			 GROUP BY dri.specification_name, r.status`, datasetID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var spec string
			var status types.RecordStatus
			var count int
			if err := rows.Scan(&spec, &status, &count); err != nil {
				return err
			}
			if out[spec] == nil {
				out[spec] = make(map[types.RecordStatus]int)
			}
			out[spec][status] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute dataset status: %w", err)
	}
	return out, nil
}

// DetailedStatusRow is one (entry, specification, status) triple
type DetailedStatusRow struct {
	EntryName         string             `db:"entry_name" json:"entry_name"`
	SpecificationName string             `db:"specification_name" json:"specification_name"`
	RecordID          int64              `db:"record_id" json:"record_id"`
	Status            types.RecordStatus `db:"status" json:"status"`
}

// DetailedStatus returns the status of every record item
func (s *Store) DetailedStatus(ctx context.Context, ses *db.Session, datasetID int64) ([]DetailedStatusRow, error) {
	var out []DetailedStatusRow
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.SelectContext(ctx, &out,
			`SELECT dri.entry_name, dri.specification_name, dri.record_id, r.status
			 FROM dataset_record_items dri JOIN records r ON r.id = dri.record_id
			 WHERE dri.dataset_id = $1
			 ORDER BY dri.entry_name, dri.specification_name`, datasetID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute detailed status: %w", err)
	}
	return out, nil
}

// RecordItems returns the items of a dataset, optionally filtered
func (s *Store) RecordItems(ctx context.Context, ses *db.Session, datasetID int64, entryNames, specNames []string) ([]*types.DatasetRecordItem, error) {
	var out []*types.DatasetRecordItem
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		query := `SELECT * FROM dataset_record_items WHERE dataset_id = ?`
		args := []interface{}{datasetID}
		if len(entryNames) > 0 {
			query += ` AND entry_name IN (?)`
			args = append(args, entryNames)
		}
		if len(specNames) > 0 {
			query += ` AND specification_name IN (?)`
			args = append(args, specNames)
		}
		query += ` ORDER BY entry_name, specification_name`
		q, a, err := db.In(query, args...)
		if err != nil {
			return err
		}
		return ses.Tx.SelectContext(ctx, &out, q, a...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select record items: %w", err)
	}
	return out, nil
}

// Membership is one (dataset, entry, specification) tuple pointing at
// a record
type Membership struct {
	DatasetID         int64  `db:"dataset_id" json:"dataset_id"`
	DatasetName       string `db:"name" json:"dataset_name"`
	EntryName         string `db:"entry_name" json:"entry_name"`
	SpecificationName string `db:"specification_name" json:"specification_name"`
	RecordID          int64  `db:"record_id" json:"record_id"`
}

// QueryDatasetRecords maps record ids to every dataset tuple that
// points at them. Dedup means one record may belong to many datasets.
func (s *Store) QueryDatasetRecords(ctx context.Context, ses *db.Session, recordIDs []int64) ([]Membership, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}
	var out []Membership
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		query, args, err := db.In(
			`SELECT dri.dataset_id, d.name, dri.entry_name, dri.specification_name, dri.record_id
			 FROM dataset_record_items dri JOIN datasets d ON d.id = dri.dataset_id
			 WHERE dri.record_id IN (?)
			 ORDER BY dri.dataset_id, dri.entry_name, dri.specification_name`, recordIDs)
		if err != nil {
			return err
		}
		return ses.Tx.SelectContext(ctx, &out, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query dataset records: %w", err)
	}
	return out, nil
}

// itemRecordIDs collects the record ids behind a slice of the item table
func (s *Store) itemRecordIDs(ctx context.Context, ses *db.Session, datasetID int64, entryNames, specNames []string) ([]int64, error) {
	query := `SELECT record_id FROM dataset_record_items WHERE dataset_id = ?`
	args := []interface{}{datasetID}
	if len(entryNames) > 0 {
		query += ` AND entry_name IN (?)`
		args = append(args, entryNames)
	}
	if len(specNames) > 0 {
		query += ` AND specification_name IN (?)`
		args = append(args, specNames)
	}
	q, a, err := db.In(query, args...)
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := ses.Tx.SelectContext(ctx, &ids, q, a...); err != nil {
		return nil, fmt.Errorf("failed to select item records: %w", err)
	}
	return ids, nil
}

// hardDeleteUnreferenced hard-deletes records no record item points at
// any more
func (s *Store) hardDeleteUnreferenced(ctx context.Context, ses *db.Session, recordIDs []int64) error {
	if len(recordIDs) == 0 {
		return nil
	}
	var orphans []int64
	query, args, err := db.In(
		`SELECT r.id FROM records r
		 WHERE r.id IN (?)
		   AND NOT EXISTS (SELECT 1 FROM dataset_record_items dri WHERE dri.record_id = r.id)`,
		recordIDs)
	if err != nil {
		return err
	}
	if err := ses.Tx.SelectContext(ctx, &orphans, query, args...); err != nil {
		return fmt.Errorf("failed to find orphaned records: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}
	return s.records.HardDelete(ctx, ses, orphans, true)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
