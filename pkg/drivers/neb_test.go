package drivers

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/neb"
	"github.com/molforge/molforge/pkg/types"
)

func nebTestSpec(optimizeTS bool) json.RawMessage {
	spec := map[string]interface{}{
		"program": "geodesic",
		"keywords": map[string]interface{}{
			"images":      3,
			"optimize_ts": optimizeTS,
		},
		"singlepoint_specification": map[string]interface{}{
			"program": "psi4", "method": "hf", "basis": "sto-3g", "driver": "gradient",
		},
	}
	b, _ := json.Marshal(spec)
	return b
}

func nebChain(frames int) []*types.Molecule {
	out := make([]*types.Molecule, frames)
	for i := range out {
		out[i] = &types.Molecule{
			Symbols:      []string{"He"},
			Geometry:     []float64{float64(i), 0, 0},
			Multiplicity: 1,
		}
	}
	return out
}

// flatBandDeps builds singlepoint results with zero gradients so the
// band converges on the first step
func flatBandDeps(chain []Child) []Dependency {
	deps := make([]Dependency, len(chain))
	for i, c := range chain {
		props, _ := json.Marshal(map[string]interface{}{
			"return_energy":   -1.0 + 0.1*float64(i%2), // middle image highest
			"return_gradient": []float64{0, 0, 0},
		})
		deps[i] = Dependency{
			RecordID:   int64(i + 1),
			Status:     types.StatusComplete,
			Extras:     positionExtras(i),
			Properties: props,
			Molecules:  c.Molecules,
		}
	}
	return deps
}

func TestNEBInitializeValidatesChainLength(t *testing.T) {
	d := NewNEB(neb.NewSpringBand())
	_, err := d.Initialize(nebTestSpec(false), nebChain(2))
	require.Error(t, err)
}

func TestNEBConvergesWithoutTSOptimization(t *testing.T) {
	d := NewNEB(neb.NewSpringBand())
	spec := nebTestSpec(false)
	mols := nebChain(5)

	init, err := d.Initialize(spec, mols)
	require.NoError(t, err)
	assert.Contains(t, init.Output, "3 images")

	// Iteration 0: arrange and spawn the first chain
	first, err := d.Iterate(init.State, spec, mols, nil)
	require.NoError(t, err)
	require.Len(t, first.Children, 3)
	for i, c := range first.Children {
		assert.Equal(t, types.KindSinglepoint, c.Kind)
		assert.JSONEq(t, fmt.Sprintf(`{"position": %d}`, i), string(c.Extras))
	}

	// Zero gradients: the band is converged, one extra pass flags it
	converged, err := d.Iterate(first.State, spec, mols, flatBandDeps(first.Children))
	require.NoError(t, err)
	assert.False(t, converged.Finished)
	assert.Empty(t, converged.Children)
	assert.Contains(t, converged.Output, "converged")

	// Final pass completes the record
	done, err := d.Iterate(converged.State, spec, mols, nil)
	require.NoError(t, err)
	assert.True(t, done.Finished)

	var props struct {
		Iterations    int     `json:"iterations"`
		TSGuessEnergy float64 `json:"ts_guess_energy"`
	}
	require.NoError(t, json.Unmarshal(done.Properties, &props))
	assert.Equal(t, 1, props.Iterations)
	assert.InDelta(t, -0.9, props.TSGuessEnergy, 1e-12)
}

func TestNEBTransitionStateStaging(t *testing.T) {
	d := NewNEB(neb.NewSpringBand())
	spec := nebTestSpec(true)
	mols := nebChain(3)

	init, err := d.Initialize(spec, mols)
	require.NoError(t, err)
	first, err := d.Iterate(init.State, spec, mols, nil)
	require.NoError(t, err)
	converged, err := d.Iterate(first.State, spec, mols, flatBandDeps(first.Children))
	require.NoError(t, err)

	// Stage 1: hessian singlepoint for the TS guess
	hess, err := d.Iterate(converged.State, spec, mols, nil)
	require.NoError(t, err)
	require.Len(t, hess.Children, 1)
	var hessSpec struct {
		Driver string `json:"driver"`
	}
	require.NoError(t, json.Unmarshal(hess.Children[0].Specification, &hessSpec))
	assert.Equal(t, "hessian", hessSpec.Driver)

	// Stage 2: the hessian arrives, the saddle-point search starts
	hessProps, _ := json.Marshal(map[string]interface{}{
		"return_hessian": []float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	})
	tsOpt, err := d.Iterate(hess.State, spec, mols, []Dependency{{
		RecordID: 10, Extras: positionExtras(0), Properties: hessProps,
	}})
	require.NoError(t, err)
	require.Len(t, tsOpt.Children, 1)
	assert.Equal(t, types.KindOptimization, tsOpt.Children[0].Kind)
	var optSpec struct {
		Keywords struct {
			Transition bool `json:"transition"`
		} `json:"keywords"`
	}
	require.NoError(t, json.Unmarshal(tsOpt.Children[0].Specification, &optSpec))
	assert.True(t, optSpec.Keywords.Transition)

	// Stage 3: the optimized transition state completes the record
	done, err := d.Iterate(tsOpt.State, spec, mols, []Dependency{{
		RecordID: 11, Extras: positionExtras(0),
		FinalMolecule: &types.Molecule{Hash: "abc123", Symbols: []string{"He"}, Geometry: []float64{1, 0, 0}},
	}})
	require.NoError(t, err)
	assert.True(t, done.Finished)

	var props map[string]interface{}
	require.NoError(t, json.Unmarshal(done.Properties, &props))
	assert.Equal(t, "abc123", props["ts_molecule_hash"])
}

func TestNEBEndpointOptimization(t *testing.T) {
	d := NewNEB(neb.NewSpringBand())
	spec := json.RawMessage(`{
		"keywords": {"images": 3, "optimize_endpoints": true},
		"singlepoint_specification": {"program": "psi4", "method": "hf", "driver": "gradient"}
	}`)
	mols := nebChain(3)

	init, err := d.Initialize(spec, mols)
	require.NoError(t, err)

	// Iteration 0 first spawns the two endpoint optimizations
	endpoints, err := d.Iterate(init.State, spec, mols, nil)
	require.NoError(t, err)
	require.Len(t, endpoints.Children, 2)
	for _, c := range endpoints.Children {
		assert.Equal(t, types.KindOptimization, c.Kind)
	}

	// Their final geometries replace the chain ends
	deps := []Dependency{
		{RecordID: 1, Extras: positionExtras(0),
			FinalMolecule: &types.Molecule{Symbols: []string{"He"}, Geometry: []float64{-0.5, 0, 0}}},
		{RecordID: 2, Extras: positionExtras(1),
			FinalMolecule: &types.Molecule{Symbols: []string{"He"}, Geometry: []float64{2.5, 0, 0}}},
	}
	chain, err := d.Iterate(endpoints.State, spec, mols, deps)
	require.NoError(t, err)
	require.Len(t, chain.Children, 3)
	assert.Equal(t, []float64{-0.5, 0, 0}, chain.Children[0].Molecules[0].Geometry)
	assert.Equal(t, []float64{2.5, 0, 0}, chain.Children[2].Molecules[0].Geometry)
}

func TestRegistry(t *testing.T) {
	RegisterDefaults()

	for _, kind := range []types.RecordKind{
		types.KindNEB, types.KindTorsiondrive, types.KindGridoptimization,
		types.KindManybody, types.KindReaction,
	} {
		d, err := Get(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, d.Kind())
	}

	_, err := Get(types.KindSinglepoint)
	require.Error(t, err)

	kinds := Kinds()
	assert.Len(t, kinds, 5)
}

func TestSortByPosition(t *testing.T) {
	deps := []Dependency{
		{RecordID: 3, Extras: positionExtras(2)},
		{RecordID: 1, Extras: positionExtras(0)},
		{RecordID: 2, Extras: positionExtras(1)},
	}
	sorted, err := SortByPosition(deps)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sorted[0].RecordID)
	assert.Equal(t, int64(2), sorted[1].RecordID)
	assert.Equal(t, int64(3), sorted[2].RecordID)
}
