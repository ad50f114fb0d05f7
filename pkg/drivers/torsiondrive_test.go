package drivers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/types"
)

func butane() *types.Molecule {
	// Reduced to the four scanned atoms, enough for workflow tests
	return &types.Molecule{
		Symbols: []string{"C", "C", "C", "C"},
		Geometry: []float64{
			0, 0, 0,
			1.5, 0, 0,
			2.3, 1.2, 0,
			3.8, 1.2, 0,
		},
		Multiplicity: 1,
	}
}

func TestGridPoints(t *testing.T) {
	points := gridPoints(tdKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}},
		GridSpacing: []int{90},
	})
	assert.Equal(t, [][]int{{-180}, {-90}, {0}, {90}}, points)

	// Two dihedrals: cartesian product
	points = gridPoints(tdKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}, {1, 2, 3, 4}},
		GridSpacing: []int{180, 120},
	})
	assert.Len(t, points, 2*3)
	assert.Equal(t, []int{-180, -180}, points[0])
	assert.Equal(t, []int{0, 60}, points[5])
}

func TestGridPointsDefaultSpacing(t *testing.T) {
	points := gridPoints(tdKeywords{
		Dihedrals:   [][4]int{{0, 1, 2, 3}},
		GridSpacing: []int{0},
	})
	assert.Len(t, points, 24) // 360 / 15
}

func TestGridKey(t *testing.T) {
	assert.Equal(t, "-90", gridKey([]int{-90}))
	assert.Equal(t, "0,120", gridKey([]int{0, 120}))
}

func tdTestSpec(preOptimize bool) json.RawMessage {
	spec := map[string]interface{}{
		"program": "torsiondrive",
		"keywords": map[string]interface{}{
			"dihedrals":    [][4]int{{0, 1, 2, 3}},
			"grid_spacing": []int{90},
			"pre_optimize": preOptimize,
		},
		"optimization_specification": map[string]interface{}{
			"program":          "geometric",
			"qc_specification": map[string]interface{}{"program": "psi4", "method": "hf", "basis": "sto-3g"},
		},
	}
	b, _ := json.Marshal(spec)
	return b
}

func TestTorsionDriveScanWorkflow(t *testing.T) {
	d := NewTorsionDrive()
	spec := tdTestSpec(false)
	mols := []*types.Molecule{butane()}

	init, err := d.Initialize(spec, mols)
	require.NoError(t, err)
	assert.False(t, init.Finished)

	spawn, err := d.Iterate(init.State, spec, mols, nil)
	require.NoError(t, err)
	require.Len(t, spawn.Children, 4)
	for _, c := range spawn.Children {
		assert.Equal(t, types.KindOptimization, c.Kind)
		var childSpec struct {
			Keywords struct {
				Constraints []map[string]interface{} `json:"constraints"`
			} `json:"keywords"`
		}
		require.NoError(t, json.Unmarshal(c.Specification, &childSpec))
		require.Len(t, childSpec.Keywords.Constraints, 1)
		assert.Equal(t, "dihedral", childSpec.Keywords.Constraints[0]["type"])
	}

	deps := make([]Dependency, 0, 4)
	for i, key := range []string{"-180", "-90", "0", "90"} {
		props, _ := json.Marshal(map[string]float64{"return_energy": -10.0 - float64(i)*0.1})
		deps = append(deps, Dependency{
			RecordID:   int64(i + 1),
			Status:     types.StatusComplete,
			Extras:     keyExtras(key),
			Properties: props,
		})
	}
	done, err := d.Iterate(spawn.State, spec, mols, deps)
	require.NoError(t, err)
	assert.True(t, done.Finished)

	var props struct {
		GridEnergies map[string]float64 `json:"grid_energies"`
	}
	require.NoError(t, json.Unmarshal(done.Properties, &props))
	require.Len(t, props.GridEnergies, 4)
	assert.InDelta(t, -10.1, props.GridEnergies["-90"], 1e-12)
}

func TestTorsionDrivePreOptimize(t *testing.T) {
	d := NewTorsionDrive()
	spec := tdTestSpec(true)
	mols := []*types.Molecule{butane()}

	init, err := d.Initialize(spec, mols)
	require.NoError(t, err)

	// First pass spawns the single pre-optimization
	preopt, err := d.Iterate(init.State, spec, mols, nil)
	require.NoError(t, err)
	require.Len(t, preopt.Children, 1)
	assert.Equal(t, types.KindOptimization, preopt.Children[0].Kind)

	// Second pass uses its final geometry for the scan
	final := butane()
	final.Geometry[0] = 0.1
	scan, err := d.Iterate(preopt.State, spec, mols, []Dependency{{
		RecordID:      1,
		Status:        types.StatusComplete,
		Extras:        keyExtras("preopt"),
		FinalMolecule: final,
	}})
	require.NoError(t, err)
	require.Len(t, scan.Children, 4)
	assert.Equal(t, final.Geometry, scan.Children[0].Molecules[0].Geometry)
}

func TestTorsionDriveValidation(t *testing.T) {
	d := NewTorsionDrive()

	_, err := d.Initialize(json.RawMessage(`{"keywords": {"dihedrals": [], "grid_spacing": []}}`), nil)
	require.Error(t, err)

	_, err = d.Initialize(json.RawMessage(
		`{"keywords": {"dihedrals": [[0,1,2,3]], "grid_spacing": [15, 15]}}`), nil)
	require.Error(t, err)
}
