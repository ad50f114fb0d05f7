package tasks

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
	"github.com/molforge/molforge/pkg/managers"
	"github.com/molforge/molforge/pkg/molecules"
	"github.com/molforge/molforge/pkg/records"
	"github.com/molforge/molforge/pkg/specs"
	"github.com/molforge/molforge/pkg/types"
)

func testQueue(t *testing.T) (*Queue, *records.Store, *managers.Store, context.Context) {
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
	managerStore := managers.NewStore(database, recordStore, broker)
	return NewQueue(database, recordStore, broker), recordStore, managerStore, ctx
}

func queueMolecule(x float64) *types.Molecule {
	return &types.Molecule{
		Symbols:      []string{"He"},
		Geometry:     []float64{x, 0, 0},
		Multiplicity: 1,
	}
}

func addSinglepoint(t *testing.T, ctx context.Context, rs *records.Store, program, tag string, priority types.Priority, x float64) int64 {
	t.Helper()
	content, _ := json.Marshal(map[string]string{
		"program": program, "driver": "energy", "method": "hf", "basis": "sto-3g",
	})
	_, ids, err := rs.Add(ctx, nil, types.KindSinglepoint, content,
		[][]*types.Molecule{{queueMolecule(x)}}, tag, priority)
	require.NoError(t, err)
	return ids[0]
}

func activateTestManager(t *testing.T, ctx context.Context, ms *managers.Store, name string, programs, tags []string) {
	t.Helper()
	require.NoError(t, ms.Activate(ctx, nil, &types.Manager{
		Name: name, Programs: programs, Tags: tags,
	}))
}

func TestClaimMatchesProgramsAndTags(t *testing.T) {
	q, rs, ms, ctx := testQueue(t)

	psi4ID := addSinglepoint(t, ctx, rs, "psi4", "cpu", types.PriorityNormal, 0)
	addSinglepoint(t, ctx, rs, "xtb", "cpu", types.PriorityNormal, 1)
	addSinglepoint(t, ctx, rs, "psi4", "gpu", types.PriorityNormal, 2)

	activateTestManager(t, ctx, ms, "cpu-worker", []string{"psi4"}, []string{"cpu"})

	claimed, err := q.Claim(ctx, nil, "cpu-worker", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, psi4ID, claimed[0].RecordID)
	assert.Equal(t, []string{"psi4"}, claimed[0].RequiredPrograms)
	require.NotNil(t, claimed[0].ClaimToken)

	rec, err := rs.GetOne(ctx, nil, psi4ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, rec.Status)

	// Nothing else matches this manager
	again, err := q.Claim(ctx, nil, "cpu-worker", 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimWildcardTag(t *testing.T) {
	q, rs, ms, ctx := testQueue(t)

	addSinglepoint(t, ctx, rs, "psi4", "cpu", types.PriorityNormal, 0)
	addSinglepoint(t, ctx, rs, "psi4", "gpu", types.PriorityNormal, 1)

	activateTestManager(t, ctx, ms, "any-worker", []string{"psi4"}, []string{"*"})

	claimed, err := q.Claim(ctx, nil, "any-worker", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestClaimServesHighestPriorityFirst(t *testing.T) {
	q, rs, ms, ctx := testQueue(t)

	lowID := addSinglepoint(t, ctx, rs, "psi4", "*", types.PriorityLow, 0)
	highID := addSinglepoint(t, ctx, rs, "psi4", "*", types.PriorityHigh, 1)
	normalID := addSinglepoint(t, ctx, rs, "psi4", "*", types.PriorityNormal, 2)

	activateTestManager(t, ctx, ms, "worker", []string{"psi4"}, []string{"*"})

	claimed, err := q.Claim(ctx, nil, "worker", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, highID, claimed[0].RecordID)
	assert.Equal(t, normalID, claimed[1].RecordID)

	n, err := q.Waiting(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_ = lowID
}

func TestClaimRequiresActiveManager(t *testing.T) {
	q, _, ms, ctx := testQueue(t)

	_, err := q.Claim(ctx, nil, "ghost", 1)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMissingData))

	activateTestManager(t, ctx, ms, "retired", []string{"psi4"}, nil)
	require.NoError(t, ms.Deactivate(ctx, nil, "retired"))

	_, err = q.Claim(ctx, nil, "retired", 1)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindAuthorizationDenied))
}

func TestReturnRoundTrip(t *testing.T) {
	q, rs, ms, ctx := testQueue(t)

	id := addSinglepoint(t, ctx, rs, "psi4", "*", types.PriorityNormal, 0)
	activateTestManager(t, ctx, ms, "worker", []string{"psi4"}, []string{"*"})

	claimed, err := q.Claim(ctx, nil, "worker", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = q.Return(ctx, nil, id, *claimed[0].ClaimToken, &types.TaskResult{
		Success:    true,
		Properties: json.RawMessage(`{"return_energy": -2.9}`),
	})
	require.NoError(t, err)

	rec, err := rs.GetOne(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, rec.Status)

	// A second return with the spent token is stale
	err = q.Return(ctx, nil, id, *claimed[0].ClaimToken, &types.TaskResult{Success: true})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindStaleClaim))
}

func TestClaimedBy(t *testing.T) {
	q, rs, ms, ctx := testQueue(t)

	a := addSinglepoint(t, ctx, rs, "psi4", "*", types.PriorityNormal, 0)
	b := addSinglepoint(t, ctx, rs, "psi4", "*", types.PriorityNormal, 1)
	activateTestManager(t, ctx, ms, "worker", []string{"psi4"}, []string{"*"})

	_, err := q.Claim(ctx, nil, "worker", 2)
	require.NoError(t, err)

	ids, err := q.ClaimedBy(ctx, nil, "worker")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a, b}, ids)
}
