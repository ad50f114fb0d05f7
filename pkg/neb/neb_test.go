package neb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrangeAligns(t *testing.T) {
	band := NewSpringBand()

	// Two single-atom images, the second translated away
	chain := [][]float64{
		{0, 0, 0},
		{5, 5, 5},
	}
	out := band.Arrange(chain, true)

	assert.Equal(t, []float64{0, 0, 0}, out[0])
	assert.Equal(t, []float64{0, 0, 0}, out[1])
	// Input must not be mutated
	assert.Equal(t, []float64{5, 5, 5}, chain[1])
}

func TestArrangeNoAlign(t *testing.T) {
	band := NewSpringBand()
	chain := [][]float64{
		{0, 0, 0},
		{5, 5, 5},
	}
	out := band.Arrange(chain, false)
	assert.Equal(t, chain, out)
}

func TestStepRejectsShortBand(t *testing.T) {
	band := NewSpringBand()
	_, err := band.NextChain(&State{
		Geometries: [][]float64{{0, 0, 0}, {1, 0, 0}},
		Energies:   []float64{0, 0},
		Gradients:  [][]float64{{0, 0, 0}, {0, 0, 0}},
	})
	require.Error(t, err)
}

func TestStepConvergedReturnsNil(t *testing.T) {
	band := NewSpringBand()
	st := &State{
		Params: DefaultParams(),
		Geometries: [][]float64{
			{0, 0, 0},
			{1, 0, 0},
			{2, 0, 0},
		},
		Energies:  []float64{0, 0.5, 0},
		Gradients: [][]float64{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}},
	}
	next, err := band.NextChain(st)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestStepMovesInteriorOnly(t *testing.T) {
	band := NewSpringBand()
	st := &State{
		Params: DefaultParams(),
		Geometries: [][]float64{
			{0, 0, 0},
			{1, 0.5, 0},
			{2, 0, 0},
		},
		Energies: []float64{0, 1, 0},
		// A strong gradient on the middle image perpendicular to the
		// band pushes it downhill
		Gradients: [][]float64{{0, 0, 0}, {0, 2, 0}, {0, 0, 0}},
	}
	next, err := band.NextChain(st)
	require.NoError(t, err)
	require.NotNil(t, next)

	assert.Equal(t, st.Geometries[0], next[0])
	assert.Equal(t, st.Geometries[2], next[2])
	assert.NotEqual(t, st.Geometries[1], next[1])
	// Descent moves against the gradient
	assert.Less(t, next[1][1], st.Geometries[1][1])
}

func TestStepDefaultsParams(t *testing.T) {
	band := NewSpringBand()
	st := &State{
		Geometries: [][]float64{
			{0, 0, 0},
			{1, 0, 0},
			{2, 0, 0},
		},
		Energies:  []float64{0, 1, 0},
		Gradients: [][]float64{{0, 0, 0}, {0, 1, 0}, {0, 0, 0}},
	}
	next, err := band.NextChain(st)
	require.NoError(t, err)
	require.NotNil(t, next)
}

func TestLinspace(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, Linspace(3, 5))
	assert.Equal(t, []int{0, 4}, Linspace(5, 2))
	assert.Equal(t, []int{0, 2, 4}, Linspace(5, 3))
	assert.Equal(t, []int{0, 5, 10}, Linspace(11, 3))

	idx := Linspace(21, 11)
	require.Len(t, idx, 11)
	assert.Equal(t, 0, idx[0])
	assert.Equal(t, 20, idx[10])
	for i := 1; i < len(idx); i++ {
		assert.Greater(t, idx[i], idx[i-1])
	}
}
