package managers

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/molecules"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/specs"
	"github.com/molforge/molforge/pkg/tasks"
	"github.com/molforge/molforge/pkg/types"
)

func testManagerStore(t *testing.T) (*Store, *records.Store, *tasks.Queue, context.Context) {
	t.Helper()
	dsn := os.Getenv("MOLFORGE_TEST_DB")
	if dsn == "" {
		t.Skip("MOLFORGE_TEST_DB not set")
	}
	database, err := db.ConnectDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	require.NoError(t, database.ApplySchema(ctx))
	require.NoError(t, database.OptionalSession(ctx, nil, func(ses *db.Session) error {
		_, err := ses.Tx.ExecContext(ctx,
			`TRUNCATE specifications, molecules, records, managers RESTART IDENTITY CASCADE`)
		return err
	}))

	broker := events.NewBroker()
	recordStore := records.NewStore(database, specs.NewStore(database), molecules.NewStore(database), broker)
	managerStore := NewStore(database, recordStore, broker)
	return managerStore, recordStore, tasks.NewQueue(database, recordStore, broker), ctx
}

func TestActivateHeartbeatDeactivate(t *testing.T) {
	s, _, _, ctx := testManagerStore(t)

	err := s.Activate(ctx, nil, &types.Manager{
		Name:     "cluster1-worker1",
		Programs: []string{"Psi4", "XTB"},
		Tags:     []string{"GPU"},
		Cores:    16,
	})
	require.NoError(t, err)

	mgr, err := s.Get(ctx, nil, "cluster1-worker1")
	require.NoError(t, err)
	assert.True(t, mgr.Active)
	assert.Equal(t, []string{"psi4", "xtb"}, mgr.Programs)
	assert.Equal(t, []string{"gpu"}, mgr.Tags)
	assert.Equal(t, 16, mgr.Cores)

	require.NoError(t, s.Heartbeat(ctx, nil, "cluster1-worker1"))

	require.NoError(t, s.Deactivate(ctx, nil, "cluster1-worker1"))
	mgr, err = s.Get(ctx, nil, "cluster1-worker1")
	require.NoError(t, err)
	assert.False(t, mgr.Active)
	assert.NotNil(t, mgr.DeactivatedOn)

	// Heartbeats from a retired manager are rejected
	err = s.Heartbeat(ctx, nil, "cluster1-worker1")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMissingData))
}

func TestActivateValidates(t *testing.T) {
	s, _, _, ctx := testManagerStore(t)

	err := s.Activate(ctx, nil, &types.Manager{Programs: []string{"psi4"}})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMalformedRequest))

	err = s.Activate(ctx, nil, &types.Manager{Name: "worker"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMalformedRequest))
}

func TestReactivateUnderSameName(t *testing.T) {
	s, _, _, ctx := testManagerStore(t)

	require.NoError(t, s.Activate(ctx, nil, &types.Manager{
		Name: "worker", Programs: []string{"psi4"},
	}))
	require.NoError(t, s.Deactivate(ctx, nil, "worker"))

	require.NoError(t, s.Activate(ctx, nil, &types.Manager{
		Name: "worker", Programs: []string{"psi4", "xtb"},
	}))
	mgr, err := s.Get(ctx, nil, "worker")
	require.NoError(t, err)
	assert.True(t, mgr.Active)
	assert.Nil(t, mgr.DeactivatedOn)
	assert.Equal(t, []string{"psi4", "xtb"}, mgr.Programs)
}

func addClaimedRecord(t *testing.T, ctx context.Context, rs *records.Store, q *tasks.Queue, manager string) int64 {
	t.Helper()
	content, _ := json.Marshal(map[string]string{
		"program": "psi4", "driver": "energy", "method": "hf", "basis": "sto-3g",
	})
	_, ids, err := rs.Add(ctx, nil, types.KindSinglepoint, content,
		[][]*types.Molecule{{{Symbols: []string{"He"}, Geometry: []float64{0, 0, 0}, Multiplicity: 1}}},
		"", types.PriorityNormal)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, nil, manager, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return ids[0]
}

func TestDeactivateRequeuesRunningTasks(t *testing.T) {
	s, rs, q, ctx := testManagerStore(t)

	require.NoError(t, s.Activate(ctx, nil, &types.Manager{
		Name: "worker", Programs: []string{"psi4"},
	}))
	id := addClaimedRecord(t, ctx, rs, q, "worker")

	require.NoError(t, s.Deactivate(ctx, nil, "worker"))

	rec, err := rs.GetOne(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, rec.Status)
	assert.Equal(t, 1, rec.Retries)
}

func TestSweepLostRequeues(t *testing.T) {
	s, rs, q, ctx := testManagerStore(t)

	require.NoError(t, s.Activate(ctx, nil, &types.Manager{
		Name: "silent", Programs: []string{"psi4"},
	}))
	id := addClaimedRecord(t, ctx, rs, q, "silent")

	// Backdate the heartbeat past the liveness deadline
	require.NoError(t, s.db.OptionalSession(ctx, nil, func(ses *db.Session) error {
		_, err := ses.Tx.ExecContext(ctx,
			`UPDATE managers SET last_heartbeat = now() - interval '1 hour' WHERE name = 'silent'`)
		return err
	}))

	lost, err := s.SweepLost(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"silent"}, lost)

	mgr, err := s.Get(ctx, nil, "silent")
	require.NoError(t, err)
	assert.False(t, mgr.Active)

	rec, err := rs.GetOne(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, rec.Status)
}

func TestSweepExhaustsRetryBudget(t *testing.T) {
	s, rs, q, ctx := testManagerStore(t)
	rs.MaxRetries = 0

	require.NoError(t, s.Activate(ctx, nil, &types.Manager{
		Name: "flaky", Programs: []string{"psi4"},
	}))
	id := addClaimedRecord(t, ctx, rs, q, "flaky")

	require.NoError(t, s.Deactivate(ctx, nil, "flaky"))

	// Over budget the record errors out instead of requeueing
	rec, err := rs.GetOne(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, rec.Status)
}
