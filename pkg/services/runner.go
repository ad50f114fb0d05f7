package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/drivers"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/log"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/types"
)

// Runner is the service iterator: it admits waiting services under the
// slot budget and advances running services whose dependencies are all
// terminal. Iteration of a given service is serialised by an exclusive
// lock on its service row; distinct services advance in parallel
// across runner shards.
type Runner struct {
	db      *db.DB
	records *records.Store
	broker  *events.Broker

	// ServiceLimit caps concurrently running services
	ServiceLimit int
	// Interval paces the sweep loop
	Interval time.Duration
}

// NewRunner creates a service runner
func NewRunner(database *db.DB, recordStore *records.Store, broker *events.Broker) *Runner {
	return &Runner{
		db:           database,
		records:      recordStore,
		broker:       broker,
		ServiceLimit: 20,
		Interval:     5 * time.Second,
	}
}

// Run sweeps on a ticker until the context ends
func (r *Runner) Run(ctx context.Context) {
	logger := log.WithComponent("service-runner")
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	logger.Info().
		Int("service_limit", r.ServiceLimit).
		Dur("interval", r.Interval).
		Msg("Service runner started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Service runner stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("Service sweep failed")
			}
		}
	}
}

// Sweep performs one admission pass and one iteration pass
func (r *Runner) Sweep(ctx context.Context) error {
	if err := r.admit(ctx); err != nil {
		return err
	}
	return r.iterateReady(ctx)
}

type serviceRow struct {
	ID           int64           `db:"id"`
	RecordID     int64           `db:"record_id"`
	Tag          string          `db:"tag"`
	Priority     types.Priority  `db:"priority"`
	ServiceState json.RawMessage `db:"service_state"`
	CreatedOn    time.Time       `db:"created_on"`
}

// admit moves waiting services into running, oldest and most urgent
// first, while the running count stays under the slot budget
func (r *Runner) admit(ctx context.Context) error {
	var ids []int64
	err := r.db.OptionalSession(ctx, nil, func(ses *db.Session) error {
		var running int
		err := ses.Tx.GetContext(ctx, &running,
			`SELECT count(*) FROM services s JOIN records rec ON rec.id = s.record_id
			 WHERE rec.status = $1`, types.StatusRunning)
		if err != nil {
			return fmt.Errorf("failed to count running services: %w", err)
		}
		slots := r.ServiceLimit - running
		if slots <= 0 {
			return nil
		}
		return ses.Tx.SelectContext(ctx, &ids,
			`SELECT s.record_id FROM services s JOIN records rec ON rec.id = s.record_id
			 WHERE rec.status = $1
			 ORDER BY s.priority DESC, s.created_on ASC
			 LIMIT $2`, types.StatusWaiting, slots)
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := r.initializeOne(ctx, id); err != nil {
			log.WithRecordID(id).Error().Err(err).Msg("Service initialization failed")
		}
	}
	return nil
}

// initializeOne admits a single service in its own transaction
func (r *Runner) initializeOne(ctx context.Context, recordID int64) error {
	return r.db.OptionalSession(ctx, nil, func(ses *db.Session) error {
		svc, err := r.lockService(ctx, ses, recordID)
		if err != nil {
			return err
		}

		rec, err := r.records.GetOne(ctx, ses, recordID)
		if err != nil {
			return err
		}
		if rec.Status != types.StatusWaiting {
			return nil
		}

		driver, err := drivers.Get(rec.Kind)
		if err != nil {
			return err
		}
		spec, err := r.records.Specifications().Get(ctx, ses, rec.SpecificationID)
		if err != nil {
			return err
		}
		mols, err := r.recordMolecules(ctx, ses, recordID)
		if err != nil {
			return err
		}

		if err := r.records.StartService(ctx, ses, recordID); err != nil {
			return err
		}

		outcome, err := driver.Initialize(spec.Content, mols)
		if err != nil {
			return r.failService(ctx, ses, recordID, err)
		}
		return r.applyOutcome(ctx, ses, svc, rec, outcome)
	})
}

// iterateReady advances every running service whose dependencies are
// all terminal for iteration
func (r *Runner) iterateReady(ctx context.Context) error {
	var ids []int64
	err := r.db.OptionalSession(ctx, nil, func(ses *db.Session) error {
		return ses.Tx.SelectContext(ctx, &ids,
			`SELECT s.record_id FROM services s JOIN records rec ON rec.id = s.record_id
			 WHERE rec.status = $1
			   AND NOT EXISTS (
			       SELECT 1 FROM service_dependencies sd
			       JOIN records dep ON dep.id = sd.record_id
			       WHERE sd.service_id = s.id
			         AND dep.status NOT IN ($2, $3, $4, $5))
			 ORDER BY s.priority DESC, s.created_on ASC`,
			types.StatusRunning,
			types.StatusComplete, types.StatusError, types.StatusInvalid, types.StatusCancelled)
	})
	if err != nil {
		return fmt.Errorf("failed to select iterable services: %w", err)
	}

	for _, id := range ids {
		if err := r.iterateOne(ctx, id); err != nil {
			log.WithRecordID(id).Error().Err(err).Msg("Service iteration failed")
		}
	}
	return nil
}

// IterateOne runs one iteration step of one service. Exported for
// deterministic stepping in tests and manual drains.
func (r *Runner) IterateOne(ctx context.Context, recordID int64) error {
	return r.iterateOne(ctx, recordID)
}

func (r *Runner) iterateOne(ctx context.Context, recordID int64) error {
	return r.db.OptionalSession(ctx, nil, func(ses *db.Session) error {
		svc, err := r.lockService(ctx, ses, recordID)
		if err != nil {
			return err
		}
		rec, err := r.records.GetOne(ctx, ses, recordID)
		if err != nil {
			return err
		}
		if rec.Status != types.StatusRunning {
			return nil
		}

		deps, err := r.loadDependencies(ctx, ses, svc.ID)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if !dep.Status.TerminalForIteration() {
				return nil
			}
		}

		// Default aggregate policy: a failed or withdrawn dependency
		// fails the service
		for _, dep := range deps {
			if dep.Status != types.StatusComplete {
				return r.failService(ctx, ses, recordID, errs.NewInternal(
					"dependency record %d finished as %s", dep.RecordID, dep.Status))
			}
		}

		driver, err := drivers.Get(rec.Kind)
		if err != nil {
			return err
		}
		spec, err := r.records.Specifications().Get(ctx, ses, rec.SpecificationID)
		if err != nil {
			return err
		}
		mols, err := r.recordMolecules(ctx, ses, recordID)
		if err != nil {
			return err
		}

		outcome, err := driver.Iterate(svc.ServiceState, spec.Content, mols, deps)
		if err != nil {
			return r.failService(ctx, ses, recordID, err)
		}
		return r.applyOutcome(ctx, ses, svc, rec, outcome)
	})
}

// applyOutcome writes a driver decision back: state, outputs, spawned
// children and the terminal transition, all in the caller's transaction
func (r *Runner) applyOutcome(ctx context.Context, ses *db.Session, svc *serviceRow, rec *types.Record, outcome *drivers.Outcome) error {
	if outcome.Output != "" {
		if err := r.records.AppendOutput(ctx, ses, rec.ID, types.OutputStdout, outcome.Output); err != nil {
			return err
		}
	}
	if len(outcome.State) > 0 {
		if _, err := ses.Tx.ExecContext(ctx,
			`UPDATE services SET service_state = $1 WHERE id = $2`, outcome.State, svc.ID); err != nil {
			return fmt.Errorf("failed to store service state: %w", err)
		}
	}

	if len(outcome.Children) > 0 {
		if _, err := ses.Tx.ExecContext(ctx,
			`DELETE FROM service_dependencies WHERE service_id = $1`, svc.ID); err != nil {
			return fmt.Errorf("failed to clear dependencies: %w", err)
		}
		for _, child := range outcome.Children {
			_, ids, err := r.records.Add(ctx, ses, child.Kind, child.Specification,
				[][]*types.Molecule{child.Molecules}, rec.Tag, rec.Priority)
			if err != nil {
				return fmt.Errorf("failed to spawn child record: %w", err)
			}
			childID := ids[0]
			if _, err := ses.Tx.ExecContext(ctx,
				`INSERT INTO service_dependencies (service_id, record_id, extras) VALUES ($1, $2, $3)`,
				svc.ID, childID, child.Extras); err != nil {
				return fmt.Errorf("failed to insert dependency: %w", err)
			}
			if _, err := ses.Tx.ExecContext(ctx,
				`INSERT INTO record_children (parent_id, child_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`, rec.ID, childID); err != nil {
				return fmt.Errorf("failed to insert child edge: %w", err)
			}
		}
		if r.broker != nil {
			r.broker.Publish(&events.Event{Type: events.EventServiceSpawned, RecordID: rec.ID})
		}
	}

	if outcome.Finished {
		if err := r.records.CompleteService(ctx, ses, rec.ID, outcome.Properties); err != nil {
			return err
		}
		log.WithRecordID(rec.ID).Info().Msg("Service completed")
	}
	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventServiceIterated, RecordID: rec.ID})
	}
	return nil
}

func (r *Runner) failService(ctx context.Context, ses *db.Session, recordID int64, cause error) error {
	log.WithRecordID(recordID).Warn().Err(cause).Msg("Service raised an error")
	return r.records.ErrorService(ctx, ses, recordID, "service_iteration_error", cause.Error())
}

// lockService takes the per-service exclusive lock
func (r *Runner) lockService(ctx context.Context, ses *db.Session, recordID int64) (*serviceRow, error) {
	var svc serviceRow
	err := ses.Tx.GetContext(ctx, &svc,
		`SELECT * FROM services WHERE record_id = $1 FOR UPDATE`, recordID)
	if err != nil {
		return nil, errs.NewMissingData("record %d has no service row", recordID)
	}
	return &svc, nil
}

// loadDependencies builds the typed dependency view handed to drivers
func (r *Runner) loadDependencies(ctx context.Context, ses *db.Session, serviceID int64) ([]drivers.Dependency, error) {
	var rows []struct {
		RecordID int64           `db:"record_id"`
		Extras   json.RawMessage `db:"extras"`
	}
	err := ses.Tx.SelectContext(ctx, &rows,
		`SELECT record_id, extras FROM service_dependencies WHERE service_id = $1 ORDER BY id`,
		serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to select dependencies: %w", err)
	}

	deps := make([]drivers.Dependency, 0, len(rows))
	for _, row := range rows {
		rec, err := r.records.GetOne(ctx, ses, row.RecordID)
		if err != nil {
			return nil, err
		}
		dep := drivers.Dependency{
			RecordID:   row.RecordID,
			Status:     rec.Status,
			Extras:     row.Extras,
			Properties: rec.Properties,
		}
		if rec.Status == types.StatusComplete {
			mols, err := r.recordMolecules(ctx, ses, row.RecordID)
			if err != nil {
				return nil, err
			}
			dep.Molecules = mols
			if rec.FinalMoleculeID != nil {
				final, err := r.records.Molecules().Get(ctx, ses, []int64{*rec.FinalMoleculeID})
				if err != nil {
					return nil, err
				}
				dep.FinalMolecule = final[0]
			}
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

func (r *Runner) recordMolecules(ctx context.Context, ses *db.Session, recordID int64) ([]*types.Molecule, error) {
	ids, err := r.records.MoleculeIDs(ctx, ses, recordID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return r.records.Molecules().Get(ctx, ses, ids)
}
