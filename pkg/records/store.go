package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/molecules"
	"github.com/molforge/molforge/pkg/specs"
	"github.com/molforge/molforge/pkg/types"
)

// Store is the record store. It owns record rows, compute history,
// output streams and the parent/child graph, and is the single entry
// point for status writes.
type Store struct {
	db        *db.DB
	specs     *specs.Store
	molecules *molecules.Store
	broker    *events.Broker

	// MaxRetries is the per-record retry budget for transport and
	// worker-liveness faults
	MaxRetries int
}

// NewStore creates a record store
func NewStore(database *db.DB, specStore *specs.Store, molStore *molecules.Store, broker *events.Broker) *Store {
	return &Store{
		db:         database,
		specs:      specStore,
		molecules:  molStore,
		broker:     broker,
		MaxRetries: 3,
	}
}

// DB exposes the underlying database for components that join sessions
func (s *Store) DB() *db.DB { return s.db }

// Molecules exposes the molecule store
func (s *Store) Molecules() *molecules.Store { return s.molecules }

// Specifications exposes the specification store
func (s *Store) Specifications() *specs.Store { return s.specs }

// dedupHash is the canonicalised identity of a record: kind,
// specification and the ordered molecule ids
func dedupHash(kind types.RecordKind, specID int64, molIDs []int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", kind, specID)
	for _, id := range molIDs {
		fmt.Fprintf(h, "%d,", id)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Add creates records of the given kind, one per molecule set, with
// deduplication. A record is deduplicated against an existing one iff
// kind, specification id and molecule ids all match. Returned ids are
// in input order.
func (s *Store) Add(
	ctx context.Context,
	ses *db.Session,
	kind types.RecordKind,
	specContent json.RawMessage,
	moleculeSets [][]*types.Molecule,
	tag string,
	priority types.Priority,
) (types.InsertMetadata, []int64, error) {
	var meta types.InsertMetadata
	ids := make([]int64, len(moleculeSets))
	tag = strings.ToLower(tag)
	if tag == "" {
		tag = "*"
	}

	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		_, specID, err := s.specs.Ensure(ctx, ses, kind, specContent)
		if err != nil {
			return fmt.Errorf("failed to add specification: %w", err)
		}

		for i, mols := range moleculeSets {
			_, molIDs, err := s.molecules.EnsureMany(ctx, ses, mols)
			if err != nil {
				return fmt.Errorf("failed to add molecules: %w", err)
			}

			inserted, id, err := s.addOne(ctx, ses, kind, specID, molIDs, tag, priority)
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

func (s *Store) addOne(
	ctx context.Context,
	ses *db.Session,
	kind types.RecordKind,
	specID int64,
	molIDs []int64,
	tag string,
	priority types.Priority,
) (bool, int64, error) {
	hash := dedupHash(kind, specID, molIDs)

	// Advisory lock on the canonicalised key so concurrent submits of
	// the same computation insert-or-return consistently
	if _, err := ses.Tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, hash); err != nil {
		return false, 0, fmt.Errorf("failed to take record lock: %w", err)
	}

	var id int64
	err := ses.Tx.GetContext(ctx, &id, `SELECT id FROM records WHERE dedup_hash = $1`, hash)
	if err == nil {
		return false, id, nil
	}

	isService := kind.IsService()
	err = ses.Tx.QueryRowxContext(ctx,
		`INSERT INTO records (kind, is_service, status, specification_id, dedup_hash, tag, priority)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		kind, isService, types.StatusWaiting, specID, hash, tag, priority).Scan(&id)
	if err != nil {
		return false, 0, fmt.Errorf("failed to insert record: %w", err)
	}

	for pos, molID := range molIDs {
		if _, err := ses.Tx.ExecContext(ctx,
			`INSERT INTO record_molecules (record_id, molecule_id, position) VALUES ($1, $2, $3)`,
			id, molID, pos); err != nil {
			return false, 0, fmt.Errorf("failed to insert record molecule: %w", err)
		}
	}

	if isService {
		if _, err := ses.Tx.ExecContext(ctx,
			`INSERT INTO services (record_id, tag, priority) VALUES ($1, $2, $3)`,
			id, tag, priority); err != nil {
			return false, 0, fmt.Errorf("failed to insert service row: %w", err)
		}
	} else {
		if err := s.createTask(ctx, ses, id); err != nil {
			return false, 0, err
		}
	}

	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventRecordCreated, RecordID: id})
	}
	return true, id, nil
}

// createTask builds the task row for an atomic record from its
// specification and molecule. Also used when a reset sends an errored
// record back to waiting.
func (s *Store) createTask(ctx context.Context, ses *db.Session, recordID int64) error {
	var rec struct {
		Kind     types.RecordKind `db:"kind"`
		Tag      string           `db:"tag"`
		Priority types.Priority   `db:"priority"`
		Content  json.RawMessage  `db:"content"`
	}
	err := ses.Tx.GetContext(ctx, &rec,
		`SELECT r.kind, r.tag, r.priority, s.content
		 FROM records r JOIN specifications s ON s.id = r.specification_id
		 WHERE r.id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("failed to load record %d for task creation: %w", recordID, err)
	}

	var molIDs []int64
	if err := ses.Tx.SelectContext(ctx, &molIDs,
		`SELECT molecule_id FROM record_molecules WHERE record_id = $1 ORDER BY position`, recordID); err != nil {
		return fmt.Errorf("failed to load record molecules: %w", err)
	}

	programs := requiredPrograms(rec.Kind, rec.Content)
	programsJSON, err := json.Marshal(programs)
	if err != nil {
		return fmt.Errorf("failed to marshal programs: %w", err)
	}

	function := "qcengine.compute"
	if rec.Kind == types.KindOptimization {
		function = "qcengine.compute_procedure"
	}
	kwargs, err := json.Marshal(map[string]interface{}{
		"specification": json.RawMessage(rec.Content),
		"molecule_ids":  molIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal task kwargs: %w", err)
	}

	_, err = ses.Tx.ExecContext(ctx,
		`INSERT INTO tasks (record_id, required_programs, tag, priority, function, function_kwargs)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		recordID, programsJSON, rec.Tag, rec.Priority, function, kwargs)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// requiredPrograms extracts the program set a worker must offer
func requiredPrograms(kind types.RecordKind, content json.RawMessage) []string {
	var doc map[string]interface{}
	programs := []string{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return programs
	}
	if p, ok := doc["program"].(string); ok && p != "" {
		programs = append(programs, strings.ToLower(p))
	}
	if qc, ok := doc["qc_specification"].(map[string]interface{}); ok {
		if p, ok := qc["program"].(string); ok && p != "" {
			p = strings.ToLower(p)
			found := false
			for _, existing := range programs {
				if existing == p {
					found = true
				}
			}
			if !found {
				programs = append(programs, p)
			}
		}
	}
	return programs
}

// Get retrieves records by id, in input order
func (s *Store) Get(ctx context.Context, ses *db.Session, ids []int64) ([]*types.Record, error) {
	var rows []*types.Record
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		query, args, err := db.In(`SELECT * FROM records WHERE id IN (?)`, ids)
		if err != nil {
			return err
		}
		return ses.Tx.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select records: %w", err)
	}

	byID := make(map[int64]*types.Record, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]*types.Record, len(ids))
	for i, id := range ids {
		rec, ok := byID[id]
		if !ok {
			return nil, errs.NewMissingData("record %d not found", id)
		}
		out[i] = rec
	}
	return out, nil
}

// GetOne retrieves a single record
func (s *Store) GetOne(ctx context.Context, ses *db.Session, id int64) (*types.Record, error) {
	recs, err := s.Get(ctx, ses, []int64{id})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// MoleculeIDs returns the ordered molecule ids of a record
func (s *Store) MoleculeIDs(ctx context.Context, ses *db.Session, recordID int64) ([]int64, error) {
	var ids []int64
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.SelectContext(ctx, &ids,
			`SELECT molecule_id FROM record_molecules WHERE record_id = $1 ORDER BY position`, recordID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select record molecules: %w", err)
	}
	return ids, nil
}

// ModifyMetadata updates tag, priority and comment of records. Tag and
// priority changes propagate to any live task and service rows.
func (s *Store) ModifyMetadata(ctx context.Context, ses *db.Session, ids []int64, tag *string, priority *types.Priority, comment *string) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		for _, id := range ids {
			if _, err := s.lockRecord(ctx, ses, id); err != nil {
				return err
			}
			if tag != nil {
				lower := strings.ToLower(*tag)
				if _, err := ses.Tx.ExecContext(ctx,
					`UPDATE records SET tag = $1, modified_on = now() WHERE id = $2`, lower, id); err != nil {
					return fmt.Errorf("failed to update record tag: %w", err)
				}
				if _, err := ses.Tx.ExecContext(ctx, `UPDATE tasks SET tag = $1 WHERE record_id = $2`, lower, id); err != nil {
					return fmt.Errorf("failed to update task tag: %w", err)
				}
				if _, err := ses.Tx.ExecContext(ctx, `UPDATE services SET tag = $1 WHERE record_id = $2`, lower, id); err != nil {
					return fmt.Errorf("failed to update service tag: %w", err)
				}
			}
			if priority != nil {
				if _, err := ses.Tx.ExecContext(ctx,
					`UPDATE records SET priority = $1, modified_on = now() WHERE id = $2`, *priority, id); err != nil {
					return fmt.Errorf("failed to update record priority: %w", err)
				}
				if _, err := ses.Tx.ExecContext(ctx, `UPDATE tasks SET priority = $1 WHERE record_id = $2`, *priority, id); err != nil {
					return fmt.Errorf("failed to update task priority: %w", err)
				}
				if _, err := ses.Tx.ExecContext(ctx, `UPDATE services SET priority = $1 WHERE record_id = $2`, *priority, id); err != nil {
					return fmt.Errorf("failed to update service priority: %w", err)
				}
			}
			if comment != nil {
				if _, err := ses.Tx.ExecContext(ctx,
					`UPDATE records SET comment = $1, modified_on = now() WHERE id = $2`, *comment, id); err != nil {
					return fmt.Errorf("failed to update record comment: %w", err)
				}
			}
		}
		return nil
	})
}

// lockRecord takes the row lock every status change requires and
// returns the current row
func (s *Store) lockRecord(ctx context.Context, ses *db.Session, id int64) (*types.Record, error) {
	var rec types.Record
	err := ses.Tx.GetContext(ctx, &rec, `SELECT * FROM records WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, errs.NewMissingData("record %d not found", id)
	}
	return &rec, nil
}

// setStatus performs a checked status write on an already-locked record
func (s *Store) setStatus(ctx context.Context, ses *db.Session, rec *types.Record, to types.RecordStatus) error {
	if err := CheckTransition(rec.Status, to); err != nil {
		return err
	}
	if _, err := ses.Tx.ExecContext(ctx,
		`UPDATE records SET status = $1, modified_on = now() WHERE id = $2`, to, rec.ID); err != nil {
		return fmt.Errorf("failed to update record status: %w", err)
	}
	rec.Status = to
	return nil
}

// Children returns the direct children of a record
func (s *Store) Children(ctx context.Context, ses *db.Session, id int64) ([]int64, error) {
	var ids []int64
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.SelectContext(ctx, &ids,
			`SELECT child_id FROM record_children WHERE parent_id = $1 ORDER BY child_id`, id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select children: %w", err)
	}
	return ids, nil
}

// Descendants returns all transitive children of the given records
func (s *Store) Descendants(ctx context.Context, ses *db.Session, ids []int64) ([]int64, error) {
	var out []int64
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		query, args, err := db.In(
			`WITH RECURSIVE tree AS (
			     SELECT child_id FROM record_children WHERE parent_id IN (?)
			   UNION
			     SELECT rc.child_id FROM record_children rc JOIN tree t ON rc.parent_id = t.child_id
			 )
			 SELECT child_id FROM tree`, ids)
		if err != nil {
			return err
		}
		return ses.Tx.SelectContext(ctx, &out, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select descendants: %w", err)
	}
	return out, nil
}

// openAttempt starts a compute-history attempt for a record
func (s *Store) openAttempt(ctx context.Context, ses *db.Session, recordID int64, manager string) (int64, error) {
	var id int64
	err := ses.Tx.QueryRowxContext(ctx,
		`INSERT INTO compute_history (record_id, manager_name, status) VALUES ($1, $2, $3) RETURNING id`,
		recordID, manager, types.StatusRunning).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to open compute attempt: %w", err)
	}
	return id, nil
}

// closeAttempt finishes the latest open attempt of a record
func (s *Store) closeAttempt(ctx context.Context, ses *db.Session, recordID int64, status types.RecordStatus, provenance json.RawMessage) error {
	_, err := ses.Tx.ExecContext(ctx,
		`UPDATE compute_history
		 SET status = $1, ended_on = now(), provenance = COALESCE($2, provenance)
		 WHERE id = (SELECT max(id) FROM compute_history WHERE record_id = $3)`,
		status, provenance, recordID)
	if err != nil {
		return fmt.Errorf("failed to close compute attempt: %w", err)
	}
	return nil
}

// AppendOutput appends data to an output stream of the latest attempt,
// creating the attempt if the record has none yet. Appends serialise
// on the stream row so they are totally ordered per (record, kind).
func (s *Store) AppendOutput(ctx context.Context, ses *db.Session, recordID int64, outputType types.OutputType, data string) error {
	if data == "" {
		return nil
	}
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		var historyID int64
		err := ses.Tx.GetContext(ctx, &historyID,
			`SELECT max(id) FROM compute_history WHERE record_id = $1`, recordID)
		if err != nil {
			historyID, err = s.openAttempt(ctx, ses, recordID, "")
			if err != nil {
				return err
			}
		}
		_, err = ses.Tx.ExecContext(ctx,
			`INSERT INTO output_streams (history_id, output_type, data)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (history_id, output_type)
			 DO UPDATE SET data = output_streams.data || EXCLUDED.data`,
			historyID, outputType, data)
		if err != nil {
			return fmt.Errorf("failed to append output: %w", err)
		}
		return nil
	})
}

// History returns the compute history of a record, oldest first
func (s *Store) History(ctx context.Context, ses *db.Session, recordID int64) ([]*types.ComputeHistory, error) {
	var rows []*types.ComputeHistory
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.SelectContext(ctx, &rows,
			`SELECT * FROM compute_history WHERE record_id = $1 ORDER BY id`, recordID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select compute history: %w", err)
	}
	return rows, nil
}

// Output returns the data of one output stream of one attempt
func (s *Store) Output(ctx context.Context, ses *db.Session, historyID int64, outputType types.OutputType) (string, error) {
	var data string
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &data,
			`SELECT data FROM output_streams WHERE history_id = $1 AND output_type = $2`,
			historyID, outputType)
	})
	if err != nil {
		return "", errs.NewMissingData("no %s output for attempt %d", outputType, historyID)
	}
	return data, nil
}

// StartTask moves a waiting record to running and opens a compute
// attempt for the claiming manager. Called under the claim transaction.
func (s *Store) StartTask(ctx context.Context, ses *db.Session, recordID int64, manager string) error {
	rec, err := s.lockRecord(ctx, ses, recordID)
	if err != nil {
		return err
	}
	if err := s.setStatus(ctx, ses, rec, types.StatusRunning); err != nil {
		return err
	}
	_, err = s.openAttempt(ctx, ses, recordID, manager)
	return err
}

// StartService admits a waiting service record: status goes to
// running and a compute attempt opens. Called under the admission
// transaction with the service row already locked.
func (s *Store) StartService(ctx context.Context, ses *db.Session, recordID int64) error {
	rec, err := s.lockRecord(ctx, ses, recordID)
	if err != nil {
		return err
	}
	if err := s.setStatus(ctx, ses, rec, types.StatusRunning); err != nil {
		return err
	}
	_, err = s.openAttempt(ctx, ses, recordID, "")
	return err
}

// CompleteService finishes a service record: properties are stored,
// the attempt closes, the record goes to complete and the service row
// is cleared. The child graph in record_children stays behind.
func (s *Store) CompleteService(ctx context.Context, ses *db.Session, recordID int64, properties json.RawMessage) error {
	rec, err := s.lockRecord(ctx, ses, recordID)
	if err != nil {
		return err
	}
	if len(properties) > 0 {
		if _, err := ses.Tx.ExecContext(ctx,
			`UPDATE records SET properties = $1 WHERE id = $2`, properties, recordID); err != nil {
			return fmt.Errorf("failed to store service properties: %w", err)
		}
	}
	if err := s.closeAttempt(ctx, ses, recordID, types.StatusComplete, nil); err != nil {
		return err
	}
	if err := s.setStatus(ctx, ses, rec, types.StatusComplete); err != nil {
		return err
	}
	if _, err := ses.Tx.ExecContext(ctx, `DELETE FROM services WHERE record_id = $1`, recordID); err != nil {
		return fmt.Errorf("failed to clear service row: %w", err)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventRecordCompleted, RecordID: recordID})
	}
	return nil
}

// ErrorService moves a running service record to error with an error
// payload on the current attempt
func (s *Store) ErrorService(ctx context.Context, ses *db.Session, recordID int64, errType, errMsg string) error {
	rec, err := s.lockRecord(ctx, ses, recordID)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(map[string]string{
		"error_type":    errType,
		"error_message": errMsg,
	})
	if err != nil {
		return err
	}
	if err := s.AppendOutput(ctx, ses, recordID, types.OutputError, string(blob)); err != nil {
		return err
	}
	if err := s.closeAttempt(ctx, ses, recordID, types.StatusError, nil); err != nil {
		return err
	}
	if err := s.setStatus(ctx, ses, rec, types.StatusError); err != nil {
		return err
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventRecordErrored, RecordID: recordID})
	}
	return nil
}

// SetResult ingests a worker result for a running atomic record. The
// write is idempotent over the claim token: a mismatch is rejected
// with a stale-claim error and nothing changes.
func (s *Store) SetResult(ctx context.Context, ses *db.Session, recordID int64, claimToken string, result *types.TaskResult) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		rec, err := s.lockRecord(ctx, ses, recordID)
		if err != nil {
			return err
		}
		if rec.Status != types.StatusRunning {
			return errs.NewStaleClaim("record %d is %s, not running", recordID, rec.Status)
		}

		var current struct {
			ID         int64   `db:"id"`
			ClaimToken *string `db:"claim_token"`
		}
		err = ses.Tx.GetContext(ctx, &current,
			`SELECT id, claim_token FROM tasks WHERE record_id = $1 FOR UPDATE`, recordID)
		if err != nil {
			return errs.NewStaleClaim("record %d has no live task", recordID)
		}
		if current.ClaimToken == nil || *current.ClaimToken != claimToken {
			return errs.NewStaleClaim("claim token for record %d is no longer current", recordID)
		}

		// Flush output streams before closing the attempt
		if err := s.AppendOutput(ctx, ses, recordID, types.OutputStdout, result.Stdout); err != nil {
			return err
		}
		if err := s.AppendOutput(ctx, ses, recordID, types.OutputStderr, result.Stderr); err != nil {
			return err
		}

		if result.Success {
			var finalMolID *int64
			if result.FinalMolecule != nil {
				_, id, err := s.molecules.Ensure(ctx, ses, result.FinalMolecule)
				if err != nil {
					return fmt.Errorf("failed to store final molecule: %w", err)
				}
				finalMolID = &id
			}
			if _, err := ses.Tx.ExecContext(ctx,
				`UPDATE records SET properties = $1, final_molecule_id = $2, provenance = $3 WHERE id = $4`,
				result.Properties, finalMolID, result.Provenance, recordID); err != nil {
				return fmt.Errorf("failed to store result payload: %w", err)
			}
			if err := s.closeAttempt(ctx, ses, recordID, types.StatusComplete, result.Provenance); err != nil {
				return err
			}
			if err := s.setStatus(ctx, ses, rec, types.StatusComplete); err != nil {
				return err
			}
			if s.broker != nil {
				s.broker.Publish(&events.Event{Type: events.EventRecordCompleted, RecordID: recordID})
			}
		} else {
			errBlob, err := json.Marshal(map[string]string{
				"error_type":    result.ErrorType,
				"error_message": result.ErrorMessage,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal error payload: %w", err)
			}
			if err := s.AppendOutput(ctx, ses, recordID, types.OutputError, string(errBlob)); err != nil {
				return err
			}
			if err := s.closeAttempt(ctx, ses, recordID, types.StatusError, result.Provenance); err != nil {
				return err
			}
			if err := s.setStatus(ctx, ses, rec, types.StatusError); err != nil {
				return err
			}
			if s.broker != nil {
				s.broker.Publish(&events.Event{Type: events.EventRecordErrored, RecordID: recordID})
			}
		}

		// Task rows exist only for non-terminal records
		if _, err := ses.Tx.ExecContext(ctx, `DELETE FROM tasks WHERE record_id = $1`, recordID); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return nil
	})
}

// RequeueLost re-opens the running task of a record whose manager was
// declared lost. The retry counter increments; past the budget the
// record goes to error instead.
func (s *Store) RequeueLost(ctx context.Context, ses *db.Session, recordID int64, manager string) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		rec, err := s.lockRecord(ctx, ses, recordID)
		if err != nil {
			return err
		}
		if rec.Status != types.StatusRunning {
			return nil
		}

		lostBlob, _ := json.Marshal(map[string]string{
			"error_type":    "manager_lost",
			"error_message": fmt.Sprintf("manager %s lost communication with the server", manager),
		})
		if err := s.AppendOutput(ctx, ses, recordID, types.OutputError, string(lostBlob)); err != nil {
			return err
		}
		if err := s.closeAttempt(ctx, ses, recordID, types.StatusError, nil); err != nil {
			return err
		}

		retries := rec.Retries + 1
		if _, err := ses.Tx.ExecContext(ctx,
			`UPDATE records SET retries = $1 WHERE id = $2`, retries, recordID); err != nil {
			return fmt.Errorf("failed to bump retry counter: %w", err)
		}

		if retries > s.MaxRetries {
			if err := s.setStatus(ctx, ses, rec, types.StatusError); err != nil {
				return err
			}
			if _, err := ses.Tx.ExecContext(ctx, `DELETE FROM tasks WHERE record_id = $1`, recordID); err != nil {
				return fmt.Errorf("failed to delete task: %w", err)
			}
			return nil
		}

		if err := s.setStatus(ctx, ses, rec, types.StatusWaiting); err != nil {
			return err
		}
		if _, err := ses.Tx.ExecContext(ctx,
			`UPDATE tasks SET claim_state = $1, manager_name = NULL, claim_token = NULL, claimed_on = NULL
			 WHERE record_id = $2`, types.ClaimWaiting, recordID); err != nil {
			return fmt.Errorf("failed to requeue task: %w", err)
		}
		if s.broker != nil {
			s.broker.Publish(&events.Event{Type: events.EventTaskRequeued, RecordID: recordID, Manager: manager})
		}
		return nil
	})
}

// CountByStatus returns record counts grouped by status
func (s *Store) CountByStatus(ctx context.Context, ses *db.Session) (map[types.RecordStatus]int, error) {
	out := make(map[types.RecordStatus]int)
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		rows, err := ses.Tx.QueryxContext(ctx, `SELECT status, count(*) FROM records GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status types.RecordStatus
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			out[status] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	return out, nil
}

// touch bumps modified_on; used by cascade operations after bulk edits
func (s *Store) touch(ctx context.Context, ses *db.Session, id int64) error {
	_, err := ses.Tx.ExecContext(ctx, `UPDATE records SET modified_on = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch record: %w", err)
	}
	return nil
}
