package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/drivers"
	"github.com/molforge/molforge/pkg/events"
	"github.com/molforge/molforge/pkg/managers"
	"github.com/molforge/molforge/pkg/molecules"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/specs"
	"github.com/molforge/molforge/pkg/tasks"
	"github.com/molforge/molforge/pkg/types"
)

func testRunner(t *testing.T) (*Runner, *records.Store, *tasks.Queue, *managers.Store, context.Context) {
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

	drivers.RegisterDefaults()
	broker := events.NewBroker()
	recordStore := records.NewStore(database, specs.NewStore(database), molecules.NewStore(database), broker)
	managerStore := managers.NewStore(database, recordStore, broker)
	return NewRunner(database, recordStore, broker), recordStore,
		tasks.NewQueue(database, recordStore, broker), managerStore, ctx
}

func addManybodyService(t *testing.T, ctx context.Context, rs *records.Store) int64 {
	t.Helper()
	spec := json.RawMessage(`{
		"program": "qcmanybody",
		"keywords": {"max_nbody": 2},
		"singlepoint_specification": {"program": "psi4", "method": "hf", "basis": "sto-3g"}
	}`)
	mols := []*types.Molecule{
		{Symbols: []string{"He"}, Geometry: []float64{0, 0, 0}, Multiplicity: 1},
		{Symbols: []string{"He"}, Geometry: []float64{3, 0, 0}, Multiplicity: 1},
	}
	_, ids, err := rs.Add(ctx, nil, types.KindManybody, spec,
		[][]*types.Molecule{mols}, "", types.PriorityNormal)
	require.NoError(t, err)
	return ids[0]
}

// drainTasks claims everything and returns an energy per task: -1.0 for
// each monomer, -2.5 for the dimer, keyed off the fragment count
func drainTasks(t *testing.T, ctx context.Context, rs *records.Store, q *tasks.Queue) int {
	t.Helper()
	claimed, err := q.Claim(ctx, nil, "test-worker", 100)
	require.NoError(t, err)

	for _, task := range claimed {
		molIDs, err := rs.MoleculeIDs(ctx, nil, task.RecordID)
		require.NoError(t, err)
		mols, err := rs.Molecules().Get(ctx, nil, molIDs)
		require.NoError(t, err)

		energy := -1.0
		if len(mols[0].Symbols) == 2 {
			energy = -2.5
		}
		err = q.Return(ctx, nil, task.RecordID, *task.ClaimToken, &types.TaskResult{
			Success:    true,
			Properties: json.RawMessage(fmt.Sprintf(`{"return_energy": %f}`, energy)),
		})
		require.NoError(t, err)
	}
	return len(claimed)
}

func TestManybodyServiceLifecycle(t *testing.T) {
	r, rs, q, ms, ctx := testRunner(t)
	require.NoError(t, ms.Activate(ctx, nil, &types.Manager{
		Name: "test-worker", Programs: []string{"psi4"},
	}))

	id := addManybodyService(t, ctx, rs)

	// First sweep admits the service and spawns the fragment subsets
	require.NoError(t, r.Sweep(ctx))

	rec, err := rs.GetOne(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, rec.Status)

	children, err := rs.Children(ctx, nil, id)
	require.NoError(t, err)
	assert.Len(t, children, 3)

	// All three singlepoints are claimable
	assert.Equal(t, 3, drainTasks(t, ctx, rs, q))

	// Second sweep gathers the energies and completes the service
	require.NoError(t, r.Sweep(ctx))

	rec, err = rs.GetOne(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, rec.Status)

	var props struct {
		TotalEnergy       float64 `json:"total_energy"`
		InteractionEnergy float64 `json:"interaction_energy"`
	}
	require.NoError(t, json.Unmarshal(rec.Properties, &props))
	assert.InDelta(t, -2.5, props.TotalEnergy, 1e-12)
	assert.InDelta(t, -0.5, props.InteractionEnergy, 1e-12)

	// The service row is cleared but the child graph stays
	var serviceRows int
	require.NoError(t, r.db.OptionalSession(ctx, nil, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &serviceRows,
			`SELECT count(*) FROM services WHERE record_id = $1`, id)
	}))
	assert.Equal(t, 0, serviceRows)

	children, err = rs.Children(ctx, nil, id)
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestServiceFailsWhenDependencyErrors(t *testing.T) {
	r, rs, q, ms, ctx := testRunner(t)
	require.NoError(t, ms.Activate(ctx, nil, &types.Manager{
		Name: "test-worker", Programs: []string{"psi4"},
	}))

	id := addManybodyService(t, ctx, rs)
	require.NoError(t, r.Sweep(ctx))

	claimed, err := q.Claim(ctx, nil, "test-worker", 100)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for _, task := range claimed {
		require.NoError(t, q.Return(ctx, nil, task.RecordID, *task.ClaimToken, &types.TaskResult{
			Success:   false,
			ErrorType: "random_error",
		}))
	}

	// A failed dependency fails the service on its next iteration
	require.NoError(t, r.Sweep(ctx))

	rec, err := rs.GetOne(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, rec.Status)
}

func TestResetClearsServiceIteration(t *testing.T) {
	r, rs, q, ms, ctx := testRunner(t)
	require.NoError(t, ms.Activate(ctx, nil, &types.Manager{
		Name: "test-worker", Programs: []string{"psi4"},
	}))

	id := addManybodyService(t, ctx, rs)
	require.NoError(t, r.Sweep(ctx))

	claimed, err := q.Claim(ctx, nil, "test-worker", 100)
	require.NoError(t, err)
	for _, task := range claimed {
		require.NoError(t, q.Return(ctx, nil, task.RecordID, *task.ClaimToken, &types.TaskResult{
			Success: false, ErrorType: "random_error",
		}))
	}
	require.NoError(t, r.Sweep(ctx))

	// Reset the errored service and its errored children
	require.NoError(t, rs.Reset(ctx, nil, []int64{id}, true))

	rec, err := rs.GetOne(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, rec.Status)

	// Admission re-initializes and the children re-attach by dedup, so
	// a clean pass completes the service
	require.NoError(t, r.Sweep(ctx))
	assert.Equal(t, 3, drainTasks(t, ctx, rs, q))
	require.NoError(t, r.Sweep(ctx))

	rec, err = rs.GetOne(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, rec.Status)
}
