package drivers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/types"
)

func TestScanPoints(t *testing.T) {
	points := scanPoints(goKeywords{Scans: []goScan{
		{Type: "distance", Indices: []int{0, 1}, Steps: []float64{1.0, 1.5, 2.0}},
	}})
	assert.Equal(t, [][]float64{{1.0}, {1.5}, {2.0}}, points)

	// Two scans: cartesian product in scan order
	points = scanPoints(goKeywords{Scans: []goScan{
		{Steps: []float64{1.0, 2.0}},
		{Steps: []float64{90, 120}},
	}})
	assert.Equal(t, [][]float64{{1, 90}, {1, 120}, {2, 90}, {2, 120}}, points)
}

func TestScanKey(t *testing.T) {
	assert.Equal(t, "1.5", scanKey([]float64{1.5}))
	assert.Equal(t, "1,120", scanKey([]float64{1.0, 120}))
}

func goTestSpec(preoptimize bool) json.RawMessage {
	spec := map[string]interface{}{
		"program": "gridoptimization",
		"keywords": map[string]interface{}{
			"scans": []map[string]interface{}{
				{"type": "distance", "indices": []int{0, 1}, "steps": []float64{1.0, 1.5}},
			},
			"preoptimization": preoptimize,
		},
		"optimization_specification": map[string]interface{}{
			"program":          "geometric",
			"qc_specification": map[string]interface{}{"program": "psi4", "method": "hf", "basis": "sto-3g"},
		},
	}
	b, _ := json.Marshal(spec)
	return b
}

func TestGridOptimizationScanWorkflow(t *testing.T) {
	d := NewGridOptimization()
	spec := goTestSpec(false)
	mols := []*types.Molecule{fragment(0)}

	init, err := d.Initialize(spec, mols)
	require.NoError(t, err)
	assert.False(t, init.Finished)

	spawn, err := d.Iterate(init.State, spec, mols, nil)
	require.NoError(t, err)
	require.Len(t, spawn.Children, 2)
	for _, c := range spawn.Children {
		assert.Equal(t, types.KindOptimization, c.Kind)
		var childSpec struct {
			Keywords struct {
				Constraints []map[string]interface{} `json:"constraints"`
			} `json:"keywords"`
		}
		require.NoError(t, json.Unmarshal(c.Specification, &childSpec))
		require.Len(t, childSpec.Keywords.Constraints, 1)
		assert.Equal(t, "distance", childSpec.Keywords.Constraints[0]["type"])
	}

	deps := []Dependency{
		{RecordID: 1, Status: types.StatusComplete, Extras: keyExtras("1"),
			Properties: json.RawMessage(`{"return_energy": -10.0}`)},
		{RecordID: 2, Status: types.StatusComplete, Extras: keyExtras("1.5"),
			Properties: json.RawMessage(`{"return_energy": -10.2}`)},
	}
	done, err := d.Iterate(spawn.State, spec, mols, deps)
	require.NoError(t, err)
	assert.True(t, done.Finished)

	var props struct {
		GridEnergies map[string]float64 `json:"grid_energies"`
	}
	require.NoError(t, json.Unmarshal(done.Properties, &props))
	require.Len(t, props.GridEnergies, 2)
	assert.InDelta(t, -10.2, props.GridEnergies["1.5"], 1e-12)
}

func TestGridOptimizationPreoptimization(t *testing.T) {
	d := NewGridOptimization()
	spec := goTestSpec(true)
	mols := []*types.Molecule{fragment(0)}

	init, err := d.Initialize(spec, mols)
	require.NoError(t, err)

	preopt, err := d.Iterate(init.State, spec, mols, nil)
	require.NoError(t, err)
	require.Len(t, preopt.Children, 1)
	assert.Equal(t, types.KindOptimization, preopt.Children[0].Kind)

	// The optimized geometry seeds every grid point
	final := fragment(0.3)
	scan, err := d.Iterate(preopt.State, spec, mols, []Dependency{{
		RecordID:      1,
		Status:        types.StatusComplete,
		Extras:        keyExtras("preoptimization"),
		FinalMolecule: final,
	}})
	require.NoError(t, err)
	require.Len(t, scan.Children, 2)
	assert.Equal(t, final.Geometry, scan.Children[0].Molecules[0].Geometry)
}

func TestGridOptimizationValidation(t *testing.T) {
	d := NewGridOptimization()

	_, err := d.Initialize(json.RawMessage(`{"keywords": {"scans": []}}`), nil)
	require.Error(t, err)

	_, err = d.Initialize(json.RawMessage(
		`{"keywords": {"scans": [{"type": "distance", "indices": [0,1], "steps": []}]}}`), nil)
	require.Error(t, err)
}
