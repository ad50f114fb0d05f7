package datasets

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
	"github.com/molforge/molforge/pkg/types"
)

func testDatasetStore(t *testing.T) (*Store, *records.Store, context.Context) {
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
			`TRUNCATE specifications, molecules, records, datasets RESTART IDENTITY CASCADE`)
		return err
	}))

	broker := events.NewBroker()
	recordStore := records.NewStore(database, specs.NewStore(database), molecules.NewStore(database), broker)
	return NewStore(database, recordStore, broker), recordStore, ctx
}

func dsMolecule(x float64) *types.Molecule {
	return &types.Molecule{
		Symbols:      []string{"He"},
		Geometry:     []float64{x, 0, 0},
		Multiplicity: 1,
	}
}

func hfContent() json.RawMessage {
	return json.RawMessage(`{"program": "psi4", "driver": "energy", "method": "hf", "basis": "sto-3g"}`)
}

// seedDataset builds a dataset with two entries and one specification
func seedDataset(t *testing.T, ctx context.Context, s *Store) int64 {
	t.Helper()
	id, err := s.Add(ctx, nil, &types.Dataset{
		Kind: types.KindSinglepoint, Name: "Noble Gases", Visibility: true,
	})
	require.NoError(t, err)

	entries := []*types.DatasetEntry{
		{Name: "he1"},
		{Name: "he2"},
	}
	_, err = s.AddEntryMolecules(ctx, nil, id, entries, []*types.Molecule{dsMolecule(0), dsMolecule(1)})
	require.NoError(t, err)

	_, err = s.AddSpecifications(ctx, nil, id, types.KindSinglepoint,
		[]*types.DatasetSpecification{{Name: "hf/sto-3g"}},
		[]json.RawMessage{hfContent()})
	require.NoError(t, err)
	return id
}

func TestAddAndLookup(t *testing.T) {
	s, _, ctx := testDatasetStore(t)

	id, err := s.Add(ctx, nil, &types.Dataset{Kind: types.KindSinglepoint, Name: "Benchmark Set"})
	require.NoError(t, err)

	// Identity is case-insensitive on the name
	ds, err := s.Lookup(ctx, nil, types.KindSinglepoint, "BENCHMARK set")
	require.NoError(t, err)
	assert.Equal(t, id, ds.ID)
	assert.Equal(t, "Benchmark Set", ds.Name)
	assert.Equal(t, "default", ds.Group)

	_, err = s.Add(ctx, nil, &types.Dataset{Kind: types.KindSinglepoint, Name: "benchmark SET"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindAlreadyExists))

	// The same name under another kind is a different dataset
	_, err = s.Add(ctx, nil, &types.Dataset{Kind: types.KindOptimization, Name: "Benchmark Set"})
	require.NoError(t, err)
}

func TestQueryDatasets(t *testing.T) {
	s, _, ctx := testDatasetStore(t)

	_, err := s.Add(ctx, nil, &types.Dataset{
		Kind: types.KindSinglepoint, Name: "Visible", Visibility: true,
	})
	require.NoError(t, err)
	_, err = s.Add(ctx, nil, &types.Dataset{
		Kind: types.KindOptimization, Name: "Hidden", Group: "internal",
	})
	require.NoError(t, err)

	out, err := s.Query(ctx, nil, &QueryFilter{Kinds: []types.RecordKind{types.KindSinglepoint}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Visible", out[0].Name)

	out, err = s.Query(ctx, nil, &QueryFilter{Name: "HIDDEN"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Hidden", out[0].Name)

	visible := true
	out, err = s.Query(ctx, nil, &QueryFilter{Visibility: &visible})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Visible", out[0].Name)
}

func TestSubmitCreatesRecordItems(t *testing.T) {
	s, rs, ctx := testDatasetStore(t)
	id := seedDataset(t, ctx, s)

	n, err := s.Submit(ctx, nil, id, nil, nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := s.RecordItems(ctx, nil, id, nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)

	rec, err := rs.GetOne(ctx, nil, items[0].RecordID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, rec.Status)

	// Submitting again finds every pair covered
	n, err = s.Submit(ctx, nil, id, nil, nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubmitDeduplicatesAcrossDatasets(t *testing.T) {
	s, _, ctx := testDatasetStore(t)
	first := seedDataset(t, ctx, s)

	second, err := s.Add(ctx, nil, &types.Dataset{Kind: types.KindSinglepoint, Name: "Copy"})
	require.NoError(t, err)
	_, err = s.AddEntryMolecules(ctx, nil, second,
		[]*types.DatasetEntry{{Name: "same-helium"}}, []*types.Molecule{dsMolecule(0)})
	require.NoError(t, err)
	_, err = s.AddSpecifications(ctx, nil, second, types.KindSinglepoint,
		[]*types.DatasetSpecification{{Name: "hf"}}, []json.RawMessage{hfContent()})
	require.NoError(t, err)

	_, err = s.Submit(ctx, nil, first, nil, nil, "", nil)
	require.NoError(t, err)
	_, err = s.Submit(ctx, nil, second, nil, nil, "", nil)
	require.NoError(t, err)

	// The identical computation resolves to one record in both datasets
	firstItems, err := s.RecordItems(ctx, nil, first, []string{"he1"}, nil)
	require.NoError(t, err)
	secondItems, err := s.RecordItems(ctx, nil, second, nil, nil)
	require.NoError(t, err)
	require.Len(t, firstItems, 1)
	require.Len(t, secondItems, 1)
	assert.Equal(t, firstItems[0].RecordID, secondItems[0].RecordID)

	members, err := s.QueryDatasetRecords(ctx, nil, []int64{firstItems[0].RecordID})
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestEntryRenameFollowsItems(t *testing.T) {
	s, _, ctx := testDatasetStore(t)
	id := seedDataset(t, ctx, s)
	_, err := s.Submit(ctx, nil, id, nil, nil, "", nil)
	require.NoError(t, err)

	require.NoError(t, s.RenameEntries(ctx, nil, id, map[string]string{"he1": "helium-a"}))

	items, err := s.RecordItems(ctx, nil, id, []string{"helium-a"}, nil)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// A taken target name is rejected
	err = s.RenameEntries(ctx, nil, id, map[string]string{"helium-a": "he2"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindAlreadyExists))
}

func TestDeleteEntriesKeepsSharedRecords(t *testing.T) {
	s, rs, ctx := testDatasetStore(t)
	id := seedDataset(t, ctx, s)
	_, err := s.Submit(ctx, nil, id, nil, nil, "", nil)
	require.NoError(t, err)

	items, err := s.RecordItems(ctx, nil, id, []string{"he1"}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	recID := items[0].RecordID

	// Without deleteRecords the record outlives the entry
	require.NoError(t, s.DeleteEntries(ctx, nil, id, []string{"he1"}, false))
	_, err = rs.GetOne(ctx, nil, recID)
	require.NoError(t, err)

	// With deleteRecords an unreferenced record goes away
	items, err = s.RecordItems(ctx, nil, id, []string{"he2"}, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, s.DeleteEntries(ctx, nil, id, []string{"he2"}, true))
	_, err = rs.GetOne(ctx, nil, items[0].RecordID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMissingData))
}

func TestStatusCounts(t *testing.T) {
	s, _, ctx := testDatasetStore(t)
	id := seedDataset(t, ctx, s)
	_, err := s.Submit(ctx, nil, id, nil, nil, "", nil)
	require.NoError(t, err)

	status, err := s.Status(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, 2, status["hf/sto-3g"][types.StatusWaiting])

	detailed, err := s.DetailedStatus(ctx, nil, id)
	require.NoError(t, err)
	require.Len(t, detailed, 2)
	assert.Equal(t, "he1", detailed[0].EntryName)
	assert.Equal(t, types.StatusWaiting, detailed[0].Status)
}

func TestDeleteDatasetKeepsRecords(t *testing.T) {
	s, rs, ctx := testDatasetStore(t)
	id := seedDataset(t, ctx, s)
	_, err := s.Submit(ctx, nil, id, nil, nil, "", nil)
	require.NoError(t, err)

	items, err := s.RecordItems(ctx, nil, id, nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.NoError(t, s.Delete(ctx, nil, id))
	_, err = s.Get(ctx, nil, id)
	require.Error(t, err)

	// Entries and items cascade away, records stay
	for _, item := range items {
		_, err := rs.GetOne(ctx, nil, item.RecordID)
		require.NoError(t, err)
	}
}
