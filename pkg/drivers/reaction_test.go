package drivers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/types"
)

func rxnTestSpec(optimizeFirst bool) json.RawMessage {
	spec := map[string]interface{}{
		"program": "reaction",
		"keywords": map[string]interface{}{
			"components": []map[string]interface{}{
				{"coefficient": -1.0, "optimize": optimizeFirst},
				{"coefficient": 1.0, "optimize": false},
			},
		},
		"singlepoint_specification": map[string]interface{}{
			"program": "psi4", "method": "hf", "basis": "sto-3g",
		},
		"optimization_specification": map[string]interface{}{
			"program":          "geometric",
			"qc_specification": map[string]interface{}{"program": "psi4", "method": "hf", "basis": "sto-3g"},
		},
	}
	b, _ := json.Marshal(spec)
	return b
}

func TestReactionEnergiesOnly(t *testing.T) {
	d := NewReaction()
	spec := rxnTestSpec(false)
	mols := []*types.Molecule{fragment(0), fragment(5)}

	init, err := d.Initialize(spec, mols)
	require.NoError(t, err)

	spawn, err := d.Iterate(init.State, spec, mols, nil)
	require.NoError(t, err)
	require.Len(t, spawn.Children, 2)
	for _, c := range spawn.Children {
		assert.Equal(t, types.KindSinglepoint, c.Kind)
	}

	deps := []Dependency{
		{RecordID: 1, Extras: keyExtras("0"), Properties: json.RawMessage(`{"return_energy": -10.0}`)},
		{RecordID: 2, Extras: keyExtras("1"), Properties: json.RawMessage(`{"return_energy": -10.5}`)},
	}
	done, err := d.Iterate(spawn.State, spec, mols, deps)
	require.NoError(t, err)
	assert.True(t, done.Finished)

	var props struct {
		TotalEnergy float64 `json:"total_energy"`
	}
	require.NoError(t, json.Unmarshal(done.Properties, &props))
	// -1 * -10.0 + 1 * -10.5
	assert.InDelta(t, -0.5, props.TotalEnergy, 1e-12)
}

func TestReactionWithOptimization(t *testing.T) {
	d := NewReaction()
	spec := rxnTestSpec(true)
	mols := []*types.Molecule{fragment(0), fragment(5)}

	init, err := d.Initialize(spec, mols)
	require.NoError(t, err)

	// Only the flagged component is optimized
	opt, err := d.Iterate(init.State, spec, mols, nil)
	require.NoError(t, err)
	require.Len(t, opt.Children, 1)
	assert.Equal(t, types.KindOptimization, opt.Children[0].Kind)

	// Its final geometry flows into the singlepoint for component 0
	final := fragment(0.25)
	energies, err := d.Iterate(opt.State, spec, mols, []Dependency{{
		RecordID:      1,
		Extras:        keyExtras("0"),
		FinalMolecule: final,
	}})
	require.NoError(t, err)
	require.Len(t, energies.Children, 2)
	assert.Equal(t, final.Geometry, energies.Children[0].Molecules[0].Geometry)
	assert.Equal(t, mols[1].Geometry, energies.Children[1].Molecules[0].Geometry)
}

func TestReactionValidation(t *testing.T) {
	d := NewReaction()

	_, err := d.Initialize(json.RawMessage(`{"keywords": {"components": []}}`), nil)
	require.Error(t, err)

	// Component count must match the molecule count
	_, err = d.Initialize(rxnTestSpec(false), []*types.Molecule{fragment(0)})
	require.Error(t, err)
}
