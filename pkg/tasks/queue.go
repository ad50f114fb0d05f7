package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/types"
)

// Queue hands tasks to compute managers and takes their results back.
// Claims are linearisable per task: the claim query locks candidate
// rows with SKIP LOCKED so two managers never receive the same task.
type Queue struct {
	db      *db.DB
	records *records.Store
	broker  *events.Broker
}

// NewQueue creates a task queue
func NewQueue(database *db.DB, recordStore *records.Store, broker *events.Broker) *Queue {
	return &Queue{db: database, records: recordStore, broker: broker}
}

// MatchTag reports whether a manager serving the given tags may take a
// task with the given tag. A manager tag of "*" takes anything.
func MatchTag(taskTag string, managerTags []string) bool {
	taskTag = strings.ToLower(taskTag)
	for _, t := range managerTags {
		t = strings.ToLower(t)
		if t == "*" || t == taskTag {
			return true
		}
	}
	return false
}

// MatchPrograms reports whether required is a subset of offered
func MatchPrograms(required, offered []string) bool {
	have := make(map[string]bool, len(offered))
	for _, p := range offered {
		have[strings.ToLower(p)] = true
	}
	for _, p := range required {
		if !have[strings.ToLower(p)] {
			return false
		}
	}
	return true
}

type taskRow struct {
	ID               int64            `db:"id"`
	RecordID         int64            `db:"record_id"`
	RequiredPrograms json.RawMessage  `db:"required_programs"`
	Tag              string           `db:"tag"`
	Priority         types.Priority   `db:"priority"`
	Function         string           `db:"function"`
	FunctionKwargs   json.RawMessage  `db:"function_kwargs"`
	ClaimState       types.ClaimState `db:"claim_state"`
	ManagerName      *string          `db:"manager_name"`
	ClaimToken       *string          `db:"claim_token"`
	ClaimedOn        *time.Time       `db:"claimed_on"`
	CreatedOn        time.Time        `db:"created_on"`
}

func (r *taskRow) toTask() (*types.Task, error) {
	t := &types.Task{
		ID:             r.ID,
		RecordID:       r.RecordID,
		Tag:            r.Tag,
		Priority:       r.Priority,
		Function:       r.Function,
		FunctionKwargs: r.FunctionKwargs,
		ClaimState:     r.ClaimState,
		ManagerName:    r.ManagerName,
		ClaimToken:     r.ClaimToken,
		ClaimedOn:      r.ClaimedOn,
		CreatedOn:      r.CreatedOn,
	}
	if err := json.Unmarshal(r.RequiredPrograms, &t.RequiredPrograms); err != nil {
		return nil, fmt.Errorf("failed to decode required programs for task %d: %w", r.ID, err)
	}
	return t, nil
}

// Claim hands up to limit waiting tasks to the named manager. Tasks are
// served highest priority first, oldest first within a priority. The
// manager must be active; each claimed task carries a fresh claim
// token that the matching Return must present.
func (q *Queue) Claim(ctx context.Context, ses *db.Session, managerName string, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []*types.Task

	err := q.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		var mgr struct {
			Active   bool            `db:"active"`
			Programs json.RawMessage `db:"programs"`
			Tags     json.RawMessage `db:"tags"`
		}
		err := ses.Tx.GetContext(ctx, &mgr,
			`SELECT active, programs, tags FROM managers WHERE name = $1`, managerName)
		if err != nil {
			return errs.NewMissingData("manager %s is not registered", managerName)
		}
		if !mgr.Active {
			return errs.NewAuthorizationDenied("manager %s is deactivated", managerName)
		}

		var programs, tags []string
		if err := json.Unmarshal(mgr.Programs, &programs); err != nil {
			return fmt.Errorf("failed to decode manager programs: %w", err)
		}
		if err := json.Unmarshal(mgr.Tags, &tags); err != nil {
			return fmt.Errorf("failed to decode manager tags: %w", err)
		}

		programsJSON, err := json.Marshal(programs)
		if err != nil {
			return err
		}

		wildcard := false
		lowered := make([]string, 0, len(tags))
		for _, t := range tags {
			t = strings.ToLower(t)
			lowered = append(lowered, t)
			if t == "*" {
				wildcard = true
			}
		}
		tagsJSON, err := json.Marshal(lowered)
		if err != nil {
			return err
		}

		// required_programs <@ offered and tag served by the manager.
		// SKIP LOCKED keeps concurrent claimers from blocking on or
		// double-claiming the same rows.
		var rows []taskRow
		err = ses.Tx.SelectContext(ctx, &rows,
			`SELECT * FROM tasks
			 WHERE claim_state = $1
			   AND required_programs <@ $2::jsonb
			   AND ($3 OR $4::jsonb ? tag)
			 ORDER BY priority DESC, created_on ASC, id ASC
			 LIMIT $5
			 FOR UPDATE SKIP LOCKED`,
			types.ClaimWaiting, programsJSON, wildcard, tagsJSON, limit)
		if err != nil {
			return fmt.Errorf("failed to select claimable tasks: %w", err)
		}

		for _, row := range rows {
			token := uuid.New().String()
			now := time.Now().UTC()
			if _, err := ses.Tx.ExecContext(ctx,
				`UPDATE tasks
				 SET claim_state = $1, manager_name = $2, claim_token = $3, claimed_on = $4
				 WHERE id = $5`,
				types.ClaimRunning, managerName, token, now, row.ID); err != nil {
				return fmt.Errorf("failed to claim task %d: %w", row.ID, err)
			}
			if err := q.records.StartTask(ctx, ses, row.RecordID, managerName); err != nil {
				return err
			}

			row.ClaimState = types.ClaimRunning
			row.ManagerName = &managerName
			row.ClaimToken = &token
			row.ClaimedOn = &now
			task, err := row.toTask()
			if err != nil {
				return err
			}
			claimed = append(claimed, task)

			if q.broker != nil {
				q.broker.Publish(&events.Event{
					Type:     events.EventTaskClaimed,
					RecordID: row.RecordID,
					Manager:  managerName,
				})
			}
		}

		if len(claimed) > 0 {
			if _, err := ses.Tx.ExecContext(ctx,
				`UPDATE managers SET claimed_tasks = claimed_tasks + $1 WHERE name = $2`,
				len(claimed), managerName); err != nil {
				return fmt.Errorf("failed to count claims: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Return ingests one worker result. The claim token must match the
// live claim; a stale token is rejected and the result discarded.
func (q *Queue) Return(ctx context.Context, ses *db.Session, recordID int64, claimToken string, result *types.TaskResult) error {
	err := q.records.SetResult(ctx, ses, recordID, claimToken, result)
	if err != nil {
		return err
	}
	if q.broker != nil {
		q.broker.Publish(&events.Event{Type: events.EventTaskReturned, RecordID: recordID})
	}
	return nil
}

// Waiting returns the number of unclaimed tasks
func (q *Queue) Waiting(ctx context.Context, ses *db.Session) (int, error) {
	var n int
	err := q.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &n,
			`SELECT count(*) FROM tasks WHERE claim_state = $1`, types.ClaimWaiting)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count waiting tasks: %w", err)
	}
	return n, nil
}

// ClaimedBy lists the record ids of tasks currently claimed by a manager
func (q *Queue) ClaimedBy(ctx context.Context, ses *db.Session, managerName string) ([]int64, error) {
	var ids []int64
	err := q.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.SelectContext(ctx, &ids,
			`SELECT record_id FROM tasks WHERE claim_state = $1 AND manager_name = $2`,
			types.ClaimRunning, managerName)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select claimed tasks: %w", err)
	}
	return ids, nil
}
