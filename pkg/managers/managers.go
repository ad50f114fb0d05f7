package managers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/log"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/types"
)

// Store tracks compute managers and their liveness
type Store struct {
	db      *db.DB
	records *records.Store
	broker  *events.Broker

	// HeartbeatInterval is how often managers are expected to check in;
	// HeartbeatMaxMissed consecutive silent intervals mark a manager lost
	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int
}

// NewStore creates a manager store
func NewStore(database *db.DB, recordStore *records.Store, broker *events.Broker) *Store {
	return &Store{
		db:                 database,
		records:            recordStore,
		broker:             broker,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatMaxMissed: 3,
	}
}

// Activate registers a manager, or reactivates one under the same name.
// Program and tag lists are lowercased on the way in.
func (s *Store) Activate(ctx context.Context, ses *db.Session, mgr *types.Manager) error {
	if mgr.Name == "" {
		return errs.NewMalformedRequest("manager name must not be empty")
	}
	if len(mgr.Programs) == 0 {
		return errs.NewMalformedRequest("manager %s offers no programs", mgr.Name)
	}
	if len(mgr.Tags) == 0 {
		mgr.Tags = []string{"*"}
	}

	programs := lowerAll(mgr.Programs)
	tags := lowerAll(mgr.Tags)
	programsJSON, err := json.Marshal(programs)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}

	err = s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		_, err := ses.Tx.ExecContext(ctx,
			`INSERT INTO managers (name, cluster_name, programs, tags, cores, memory_bytes, active, last_heartbeat)
			 VALUES ($1, $2, $3, $4, $5, $6, TRUE, now())
			 ON CONFLICT (name) DO UPDATE SET
			     cluster_name = EXCLUDED.cluster_name,
			     programs = EXCLUDED.programs,
			     tags = EXCLUDED.tags,
			     cores = EXCLUDED.cores,
			     memory_bytes = EXCLUDED.memory_bytes,
			     active = TRUE,
			     deactivated_on = NULL,
			     last_heartbeat = now()`,
			mgr.Name, mgr.ClusterName, programsJSON, tagsJSON, mgr.Cores, mgr.MemoryBytes)
		if err != nil {
			return fmt.Errorf("failed to activate manager: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventManagerActivated, Manager: mgr.Name})
	}
	log.WithManager(mgr.Name).Info().
		Strs("programs", programs).
		Strs("tags", tags).
		Msg("Manager activated")
	return nil
}

// Heartbeat records a liveness ping from an active manager
func (s *Store) Heartbeat(ctx context.Context, ses *db.Session, name string) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		res, err := ses.Tx.ExecContext(ctx,
			`UPDATE managers SET last_heartbeat = now() WHERE name = $1 AND active`, name)
		if err != nil {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NewMissingData("manager %s is not active", name)
		}
		return nil
	})
}

// Deactivate retires a manager and requeues its running tasks
func (s *Store) Deactivate(ctx context.Context, ses *db.Session, name string) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		res, err := ses.Tx.ExecContext(ctx,
			`UPDATE managers SET active = FALSE, deactivated_on = now() WHERE name = $1 AND active`, name)
		if err != nil {
			return fmt.Errorf("failed to deactivate manager: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.NewMissingData("manager %s is not active", name)
		}
		return s.requeueTasks(ctx, ses, name)
	})
}

// Get retrieves a manager by name
func (s *Store) Get(ctx context.Context, ses *db.Session, name string) (*types.Manager, error) {
	var row struct {
		ID            int64           `db:"id"`
		Name          string          `db:"name"`
		ClusterName   string          `db:"cluster_name"`
		Programs      json.RawMessage `db:"programs"`
		Tags          json.RawMessage `db:"tags"`
		Active        bool            `db:"active"`
		ClaimedTasks  int             `db:"claimed_tasks"`
		Cores         int             `db:"cores"`
		MemoryBytes   int64           `db:"memory_bytes"`
		CreatedOn     time.Time       `db:"created_on"`
		LastHeartbeat time.Time       `db:"last_heartbeat"`
		DeactivatedOn *time.Time      `db:"deactivated_on"`
	}
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &row, `SELECT * FROM managers WHERE name = $1`, name)
	})
	if err != nil {
		return nil, errs.NewMissingData("manager %s is not registered", name)
	}

	mgr := &types.Manager{
		ID:            row.ID,
		Name:          row.Name,
		ClusterName:   row.ClusterName,
		Active:        row.Active,
		ClaimedTasks:  row.ClaimedTasks,
		Cores:         row.Cores,
		MemoryBytes:   row.MemoryBytes,
		CreatedOn:     row.CreatedOn,
		LastHeartbeat: row.LastHeartbeat,
		DeactivatedOn: row.DeactivatedOn,
	}
	if err := json.Unmarshal(row.Programs, &mgr.Programs); err != nil {
		return nil, fmt.Errorf("failed to decode manager programs: %w", err)
	}
	if err := json.Unmarshal(row.Tags, &mgr.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode manager tags: %w", err)
	}
	return mgr, nil
}

// SweepLost deactivates managers whose heartbeat is overdue and
// requeues everything they were running. Returns the names swept.
func (s *Store) SweepLost(ctx context.Context, ses *db.Session) ([]string, error) {
	deadline := time.Duration(s.HeartbeatMaxMissed) * s.HeartbeatInterval
	var lost []string

	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		err := ses.Tx.SelectContext(ctx, &lost,
			`UPDATE managers SET active = FALSE, deactivated_on = now()
			 WHERE active AND last_heartbeat < now() - $1::interval
			 RETURNING name`,
			fmt.Sprintf("%f seconds", deadline.Seconds()))
		if err != nil {
			return fmt.Errorf("failed to sweep lost managers: %w", err)
		}
		for _, name := range lost {
			if err := s.requeueTasks(ctx, ses, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, name := range lost {
		if s.broker != nil {
			s.broker.Publish(&events.Event{Type: events.EventManagerLost, Manager: name})
		}
		log.WithManager(name).Warn().Msg("Manager lost, tasks requeued")
	}
	return lost, nil
}

func (s *Store) requeueTasks(ctx context.Context, ses *db.Session, name string) error {
	var recordIDs []int64
	err := ses.Tx.SelectContext(ctx, &recordIDs,
		`SELECT record_id FROM tasks WHERE claim_state = $1 AND manager_name = $2`,
		types.ClaimRunning, name)
	if err != nil {
		return fmt.Errorf("failed to select tasks of manager %s: %w", name, err)
	}
	for _, id := range recordIDs {
		if err := s.records.RequeueLost(ctx, ses, id, name); err != nil {
			return err
		}
	}
	return nil
}

// Monitor runs the liveness sweep on a ticker until the context ends
func (s *Store) Monitor(ctx context.Context) {
	logger := log.WithComponent("manager-monitor")
	ticker := time.NewTicker(s.HeartbeatInterval)
	defer ticker.Stop()

	logger.Info().
		Dur("interval", s.HeartbeatInterval).
		Int("max_missed", s.HeartbeatMaxMissed).
		Msg("Manager monitor started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Manager monitor stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepLost(ctx, nil); err != nil {
				logger.Error().Err(err).Msg("Liveness sweep failed")
			}
		}
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
