package records

import (
	"context"
	"fmt"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/types"
)

// Cascade operations act on a set of records and, when withChildren is
// set, on their descendant subgraph. Each call runs in one transaction
// over the affected records.

// Cancel moves non-terminal records to cancelled, saving the current
// status for a later uncancel. Descendants in waiting or running are
// cancelled too when withChildren is set.
func (s *Store) Cancel(ctx context.Context, ses *db.Session, ids []int64, withChildren bool) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		for _, id := range ids {
			rec, err := s.lockRecord(ctx, ses, id)
			if err != nil {
				return err
			}
			if err := s.cancelOne(ctx, ses, rec); err != nil {
				return err
			}
		}
		if !withChildren {
			return nil
		}
		desc, err := s.Descendants(ctx, ses, ids)
		if err != nil {
			return err
		}
		for _, id := range desc {
			rec, err := s.lockRecord(ctx, ses, id)
			if err != nil {
				return err
			}
			if rec.Status != types.StatusWaiting && rec.Status != types.StatusRunning {
				continue
			}
			if err := s.cancelOne(ctx, ses, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) cancelOne(ctx context.Context, ses *db.Session, rec *types.Record) error {
	prior := rec.Status
	if err := s.setStatus(ctx, ses, rec, types.StatusCancelled); err != nil {
		return err
	}
	if _, err := ses.Tx.ExecContext(ctx,
		`UPDATE records SET status_before_cancel = $1 WHERE id = $2`, prior, rec.ID); err != nil {
		return fmt.Errorf("failed to save pre-cancel status: %w", err)
	}
	if prior == types.StatusRunning && !rec.IsService {
		if err := s.closeAttempt(ctx, ses, rec.ID, types.StatusCancelled, nil); err != nil {
			return err
		}
	}
	if _, err := ses.Tx.ExecContext(ctx, `DELETE FROM tasks WHERE record_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventRecordCancelled, RecordID: rec.ID})
	}
	return nil
}

// Uncancel restores cancelled records to their pre-cancel status. A
// record cancelled while running goes back to waiting since its claim
// is gone. Atomic records returning to waiting get a fresh task row.
func (s *Store) Uncancel(ctx context.Context, ses *db.Session, ids []int64, withChildren bool) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		targets, err := s.expand(ctx, ses, ids, withChildren)
		if err != nil {
			return err
		}
		for _, id := range targets {
			rec, err := s.lockRecord(ctx, ses, id)
			if err != nil {
				return err
			}
			if rec.Status != types.StatusCancelled {
				continue
			}
			if rec.StatusBeforeCancel == nil {
				return errs.NewInternal("record %d has no pre-cancel status", id)
			}
			restored := *rec.StatusBeforeCancel
			if restored == types.StatusRunning {
				restored = types.StatusWaiting
			}
			if err := s.setStatus(ctx, ses, rec, restored); err != nil {
				return err
			}
			if _, err := ses.Tx.ExecContext(ctx,
				`UPDATE records SET status_before_cancel = NULL WHERE id = $1`, id); err != nil {
				return fmt.Errorf("failed to clear pre-cancel status: %w", err)
			}
			if restored == types.StatusWaiting && !rec.IsService {
				if err := s.createTask(ctx, ses, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Reset sends errored or running records back to waiting. For services
// the dependency rows and the iteration state are cleared so admission
// starts a clean iteration; spawned children persist and are matched
// again by deduplication. Descendants that are not complete are reset
// recursively when withChildren is set.
func (s *Store) Reset(ctx context.Context, ses *db.Session, ids []int64, withChildren bool) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		for _, id := range ids {
			rec, err := s.lockRecord(ctx, ses, id)
			if err != nil {
				return err
			}
			if err := s.resetOne(ctx, ses, rec); err != nil {
				return err
			}
		}
		if !withChildren {
			return nil
		}
		desc, err := s.Descendants(ctx, ses, ids)
		if err != nil {
			return err
		}
		for _, id := range desc {
			rec, err := s.lockRecord(ctx, ses, id)
			if err != nil {
				return err
			}
			if rec.Status != types.StatusError && rec.Status != types.StatusRunning {
				continue
			}
			if err := s.resetOne(ctx, ses, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) resetOne(ctx context.Context, ses *db.Session, rec *types.Record) error {
	prior := rec.Status
	if err := s.setStatus(ctx, ses, rec, types.StatusWaiting); err != nil {
		return err
	}

	if rec.IsService {
		if _, err := ses.Tx.ExecContext(ctx,
			`DELETE FROM service_dependencies
			 WHERE service_id = (SELECT id FROM services WHERE record_id = $1)`, rec.ID); err != nil {
			return fmt.Errorf("failed to clear service dependencies: %w", err)
		}
		if _, err := ses.Tx.ExecContext(ctx,
			`UPDATE services SET service_state = '{}' WHERE record_id = $1`, rec.ID); err != nil {
			return fmt.Errorf("failed to clear service state: %w", err)
		}
		return nil
	}

	switch prior {
	case types.StatusRunning:
		if err := s.closeAttempt(ctx, ses, rec.ID, types.StatusError, nil); err != nil {
			return err
		}
		if _, err := ses.Tx.ExecContext(ctx,
			`UPDATE tasks SET claim_state = $1, manager_name = NULL, claim_token = NULL, claimed_on = NULL
			 WHERE record_id = $2`, types.ClaimWaiting, rec.ID); err != nil {
			return fmt.Errorf("failed to requeue task: %w", err)
		}
	case types.StatusError:
		if err := s.createTask(ctx, ses, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate marks complete records invalid. Complete descendants
// follow when withChildren is set.
func (s *Store) Invalidate(ctx context.Context, ses *db.Session, ids []int64, withChildren bool) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		for _, id := range ids {
			rec, err := s.lockRecord(ctx, ses, id)
			if err != nil {
				return err
			}
			if err := s.setStatus(ctx, ses, rec, types.StatusInvalid); err != nil {
				return err
			}
		}
		if !withChildren {
			return nil
		}
		desc, err := s.Descendants(ctx, ses, ids)
		if err != nil {
			return err
		}
		for _, id := range desc {
			rec, err := s.lockRecord(ctx, ses, id)
			if err != nil {
				return err
			}
			if rec.Status != types.StatusComplete {
				continue
			}
			if err := s.setStatus(ctx, ses, rec, types.StatusInvalid); err != nil {
				return err
			}
		}
		return nil
	})
}

// Uninvalidate restores invalid records to complete. Rejected unless
// every child is complete.
func (s *Store) Uninvalidate(ctx context.Context, ses *db.Session, ids []int64, withChildren bool) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		targets, err := s.expand(ctx, ses, ids, withChildren)
		if err != nil {
			return err
		}

		// Children first so parents see them restored
		for i := len(targets) - 1; i >= 0; i-- {
			rec, err := s.lockRecord(ctx, ses, targets[i])
			if err != nil {
				return err
			}
			if rec.Status != types.StatusInvalid {
				continue
			}
			children, err := s.Children(ctx, ses, rec.ID)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				var bad int
				query, args, err := db.In(
					`SELECT count(*) FROM records WHERE id IN (?) AND status <> ?`,
					children, types.StatusComplete)
				if err != nil {
					return err
				}
				if err := ses.Tx.GetContext(ctx, &bad, query, args...); err != nil {
					return fmt.Errorf("failed to check children: %w", err)
				}
				if bad > 0 {
					return errs.NewInvalidTransition(
						"record %d has %d non-complete children and cannot be restored", rec.ID, bad)
				}
			}
			if err := s.setStatus(ctx, ses, rec, types.StatusComplete); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete soft-deletes records, saving the current status for undelete.
// Live task rows are destroyed.
func (s *Store) Delete(ctx context.Context, ses *db.Session, ids []int64, withChildren bool) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		targets, err := s.expand(ctx, ses, ids, withChildren)
		if err != nil {
			return err
		}
		for _, id := range targets {
			rec, err := s.lockRecord(ctx, ses, id)
			if err != nil {
				return err
			}
			if rec.Status == types.StatusDeleted {
				continue
			}
			prior := rec.Status
			if err := s.setStatus(ctx, ses, rec, types.StatusDeleted); err != nil {
				return err
			}
			if _, err := ses.Tx.ExecContext(ctx,
				`UPDATE records SET status_before_delete = $1 WHERE id = $2`, prior, id); err != nil {
				return fmt.Errorf("failed to save pre-delete status: %w", err)
			}
			if prior == types.StatusRunning && !rec.IsService {
				if err := s.closeAttempt(ctx, ses, id, types.StatusDeleted, nil); err != nil {
					return err
				}
			}
			if _, err := ses.Tx.ExecContext(ctx, `DELETE FROM tasks WHERE record_id = $1`, id); err != nil {
				return fmt.Errorf("failed to delete task: %w", err)
			}
			if s.broker != nil {
				s.broker.Publish(&events.Event{Type: events.EventRecordDeleted, RecordID: id})
			}
		}
		return nil
	})
}

// Undelete restores soft-deleted records from their saved snapshot. A
// record deleted while running comes back as waiting. Atomic records
// restored to waiting get a fresh task row.
func (s *Store) Undelete(ctx context.Context, ses *db.Session, ids []int64, withChildren bool) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		targets, err := s.expand(ctx, ses, ids, withChildren)
		if err != nil {
			return err
		}
		for _, id := range targets {
			rec, err := s.lockRecord(ctx, ses, id)
			if err != nil {
				return err
			}
			if rec.Status != types.StatusDeleted {
				continue
			}
			if rec.StatusBeforeDelete == nil {
				return errs.NewInternal("record %d has no pre-delete status", id)
			}
			restored := *rec.StatusBeforeDelete
			if restored == types.StatusRunning {
				restored = types.StatusWaiting
			}
			if err := s.setStatus(ctx, ses, rec, restored); err != nil {
				return err
			}
			if _, err := ses.Tx.ExecContext(ctx,
				`UPDATE records SET status_before_delete = NULL WHERE id = $1`, id); err != nil {
				return fmt.Errorf("failed to clear pre-delete status: %w", err)
			}
			if restored == types.StatusWaiting && !rec.IsService {
				if err := s.createTask(ctx, ses, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// HardDelete removes record rows entirely. With withChildren,
// descendants are removed too unless another parent outside the
// deletion set still references them. Referencing rows in dataset
// record-item tables and dependency tables go with the record.
func (s *Store) HardDelete(ctx context.Context, ses *db.Session, ids []int64, withChildren bool) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		doomed := make(map[int64]bool, len(ids))
		for _, id := range ids {
			doomed[id] = true
		}

		if withChildren {
			desc, err := s.Descendants(ctx, ses, ids)
			if err != nil {
				return err
			}
			// Iterate until stable: a child becomes deletable once all
			// of its parents are in the doomed set
			for changed := true; changed; {
				changed = false
				for _, id := range desc {
					if doomed[id] {
						continue
					}
					var parents []int64
					if err := ses.Tx.SelectContext(ctx, &parents,
						`SELECT parent_id FROM record_children WHERE child_id = $1`, id); err != nil {
						return fmt.Errorf("failed to select parents: %w", err)
					}
					orphaned := true
					for _, p := range parents {
						if !doomed[p] {
							orphaned = false
							break
						}
					}
					if orphaned {
						doomed[id] = true
						changed = true
					}
				}
			}
		}

		all := make([]int64, 0, len(doomed))
		for id := range doomed {
			all = append(all, id)
		}

		for _, stmt := range []string{
			`DELETE FROM dataset_record_items WHERE record_id IN (?)`,
			`DELETE FROM service_dependencies WHERE record_id IN (?)`,
			`DELETE FROM record_children WHERE child_id IN (?)`,
			`DELETE FROM records WHERE id IN (?)`,
		} {
			query, args, err := db.In(stmt, all)
			if err != nil {
				return err
			}
			if _, err := ses.Tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to hard-delete records: %w", err)
			}
		}
		return nil
	})
}

// expand returns ids plus, when withChildren is set, all descendants.
// Parents come before their children in the result.
func (s *Store) expand(ctx context.Context, ses *db.Session, ids []int64, withChildren bool) ([]int64, error) {
	if !withChildren {
		return ids, nil
	}
	desc, err := s.Descendants(ctx, ses, ids)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(ids)+len(desc))
	out := make([]int64, 0, len(ids)+len(desc))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range desc {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}
