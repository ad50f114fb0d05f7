package molecules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/molforge/molforge/pkg/types"
)

func water() *types.Molecule {
	return &types.Molecule{
		Symbols: []string{"O", "H", "H"},
		Geometry: []float64{
			0, 0, 0,
			0, 1.43, 1.1,
			0, -1.43, 1.1,
		},
		Multiplicity: 1,
	}
}

func TestHashMoleculeStable(t *testing.T) {
	assert.Equal(t, HashMolecule(water()), HashMolecule(water()))
}

func TestHashMoleculeRoundsCoordinates(t *testing.T) {
	a := water()
	b := water()
	// Below the 8-decimal precision: same molecule
	b.Geometry[4] += 1e-10
	assert.Equal(t, HashMolecule(a), HashMolecule(b))

	// Above it: different molecule
	c := water()
	c.Geometry[4] += 1e-6
	assert.NotEqual(t, HashMolecule(a), HashMolecule(c))
}

func TestHashMoleculeDependsOnAllFields(t *testing.T) {
	base := HashMolecule(water())

	charged := water()
	charged.Charge = 1
	assert.NotEqual(t, base, HashMolecule(charged))

	triplet := water()
	triplet.Multiplicity = 3
	assert.NotEqual(t, base, HashMolecule(triplet))

	swapped := water()
	swapped.Symbols = []string{"O", "H", "D"}
	assert.NotEqual(t, base, HashMolecule(swapped))
}

func TestHashMoleculeNegativeCoordinates(t *testing.T) {
	a := water()
	a.Geometry[7] = -1.43
	b := water()
	b.Geometry[7] = -1.43 + 1e-10
	assert.Equal(t, HashMolecule(a), HashMolecule(b))
}
