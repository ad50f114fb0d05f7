// Package neb implements the chain-of-states step used by the NEB
// workflow driver: given per-image energies and gradients it produces
// the next chain of geometries, or reports convergence.
package neb

import (
	"fmt"
	"math"
)

// Params tune a band optimisation
type Params struct {
	// SpringConstant couples neighbouring images (hartree/bohr^2)
	SpringConstant float64
	// StepSize scales the descent step (bohr)
	StepSize float64
	// MaximumForce is the convergence threshold on the largest
	// per-atom force (hartree/bohr)
	MaximumForce float64
	// AverageForce is the convergence threshold on the RMS force
	AverageForce float64
}

// DefaultParams returns the usual band parameters
func DefaultParams() Params {
	return Params{
		SpringConstant: 1.0,
		StepSize:       0.1,
		MaximumForce:   0.05,
		AverageForce:   0.025,
	}
}

// State carries the band between iterations. Geometries are flattened
// xyz in bohr, one slice per image; energies in hartree; gradients
// shaped like geometries.
type State struct {
	Params     Params      `json:"params"`
	Geometries [][]float64 `json:"geometries"`
	Energies   []float64   `json:"energies"`
	Gradients  [][]float64 `json:"gradients"`
}

// Algorithm is the chain-of-states engine behind the NEB driver
type Algorithm interface {
	// Arrange aligns the initial chain, optionally removing rigid-body
	// drift between neighbouring images
	Arrange(chain [][]float64, align bool) [][]float64
	// Prepare takes the first chain's results and returns the second
	// chain, or nil if the band is already converged
	Prepare(st *State) ([][]float64, error)
	// NextChain advances a prepared band by one step, returning nil on
	// convergence
	NextChain(st *State) ([][]float64, error)
}

// SpringBand is the in-process Algorithm: plain nudged elastic band
// with linear tangents and steepest-descent steps, endpoints frozen.
type SpringBand struct{}

// NewSpringBand creates the in-process band engine
func NewSpringBand() *SpringBand {
	return &SpringBand{}
}

func (s *SpringBand) Arrange(chain [][]float64, align bool) [][]float64 {
	out := make([][]float64, len(chain))
	for i, img := range chain {
		c := make([]float64, len(img))
		copy(c, img)
		out[i] = c
	}
	if !align || len(out) < 2 {
		return out
	}
	// Remove translational drift: shift every image so its centroid
	// matches the first image's centroid
	ref := centroid(out[0])
	for i := 1; i < len(out); i++ {
		c := centroid(out[i])
		for a := 0; a < len(out[i]); a += 3 {
			out[i][a] += ref[0] - c[0]
			out[i][a+1] += ref[1] - c[1]
			out[i][a+2] += ref[2] - c[2]
		}
	}
	return out
}

func (s *SpringBand) Prepare(st *State) ([][]float64, error) {
	return s.step(st)
}

func (s *SpringBand) NextChain(st *State) ([][]float64, error) {
	return s.step(st)
}

// step computes band forces and either declares convergence or takes
// one descent step. Endpoints never move.
func (s *SpringBand) step(st *State) ([][]float64, error) {
	n := len(st.Geometries)
	if n < 3 {
		return nil, fmt.Errorf("band needs at least 3 images, got %d", n)
	}
	if len(st.Energies) != n || len(st.Gradients) != n {
		return nil, fmt.Errorf("band has %d images but %d energies and %d gradients",
			n, len(st.Energies), len(st.Gradients))
	}
	dim := len(st.Geometries[0])
	for i := 1; i < n; i++ {
		if len(st.Geometries[i]) != dim || len(st.Gradients[i]) != dim {
			return nil, fmt.Errorf("image %d has inconsistent dimensions", i)
		}
	}

	p := st.Params
	if p.SpringConstant == 0 {
		p = DefaultParams()
	}

	forces := make([][]float64, n)
	maxForce := 0.0
	sumSq := 0.0
	atoms := 0

	for i := 1; i < n-1; i++ {
		tangent := tangentAt(st, i)

		// Perpendicular component of the true force
		f := make([]float64, dim)
		gDotT := 0.0
		for k := 0; k < dim; k++ {
			gDotT += st.Gradients[i][k] * tangent[k]
		}
		for k := 0; k < dim; k++ {
			f[k] = -st.Gradients[i][k] + gDotT*tangent[k]
		}

		// Spring force along the tangent
		dNext := distance(st.Geometries[i+1], st.Geometries[i])
		dPrev := distance(st.Geometries[i], st.Geometries[i-1])
		spring := p.SpringConstant * (dNext - dPrev)
		for k := 0; k < dim; k++ {
			f[k] += spring * tangent[k]
		}
		forces[i] = f

		for a := 0; a < dim; a += 3 {
			mag := math.Sqrt(f[a]*f[a] + f[a+1]*f[a+1] + f[a+2]*f[a+2])
			if mag > maxForce {
				maxForce = mag
			}
			sumSq += mag * mag
			atoms++
		}
	}

	rms := math.Sqrt(sumSq / float64(atoms))
	if maxForce <= p.MaximumForce && rms <= p.AverageForce {
		return nil, nil
	}

	next := make([][]float64, n)
	next[0] = append([]float64(nil), st.Geometries[0]...)
	next[n-1] = append([]float64(nil), st.Geometries[n-1]...)
	for i := 1; i < n-1; i++ {
		img := make([]float64, dim)
		for k := 0; k < dim; k++ {
			img[k] = st.Geometries[i][k] + p.StepSize*forces[i][k]
		}
		next[i] = img
	}
	return next, nil
}

// tangentAt is the energy-weighted upwind tangent of image i
func tangentAt(st *State, i int) []float64 {
	dim := len(st.Geometries[i])
	t := make([]float64, dim)

	ePrev, e, eNext := st.Energies[i-1], st.Energies[i], st.Energies[i+1]
	switch {
	case eNext > e && e > ePrev:
		for k := 0; k < dim; k++ {
			t[k] = st.Geometries[i+1][k] - st.Geometries[i][k]
		}
	case eNext < e && e < ePrev:
		for k := 0; k < dim; k++ {
			t[k] = st.Geometries[i][k] - st.Geometries[i-1][k]
		}
	default:
		// Near an extremum, blend both directions weighted by the
		// energy differences
		dMax := math.Max(math.Abs(eNext-e), math.Abs(ePrev-e))
		dMin := math.Min(math.Abs(eNext-e), math.Abs(ePrev-e))
		wNext, wPrev := dMax, dMin
		if eNext < ePrev {
			wNext, wPrev = dMin, dMax
		}
		for k := 0; k < dim; k++ {
			t[k] = wNext*(st.Geometries[i+1][k]-st.Geometries[i][k]) +
				wPrev*(st.Geometries[i][k]-st.Geometries[i-1][k])
		}
	}

	norm := 0.0
	for k := 0; k < dim; k++ {
		norm += t[k] * t[k]
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for k := 0; k < dim; k++ {
			t[k] /= norm
		}
	}
	return t
}

func distance(a, b []float64) float64 {
	sum := 0.0
	for k := range a {
		d := a[k] - b[k]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func centroid(geom []float64) [3]float64 {
	var c [3]float64
	atoms := len(geom) / 3
	for a := 0; a < len(geom); a += 3 {
		c[0] += geom[a]
		c[1] += geom[a+1]
		c[2] += geom[a+2]
	}
	c[0] /= float64(atoms)
	c[1] /= float64(atoms)
	c[2] /= float64(atoms)
	return c
}

// Linspace returns count indices evenly spread over [0, length-1],
// used to subsample an initial chain down to the image count
func Linspace(length, count int) []int {
	if count >= length {
		out := make([]int, length)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, count)
	for i := 0; i < count; i++ {
		out[i] = int(math.Round(float64(i) * float64(length-1) / float64(count-1)))
	}
	return out
}
