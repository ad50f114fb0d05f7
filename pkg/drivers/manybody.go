package drivers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

// mbKeywords controls the many-body expansion. MaxNBody truncates the
// expansion order; 0 means the full expansion over all fragments.
type mbKeywords struct {
	MaxNBody int `json:"max_nbody"`
}

type mbSpec struct {
	Program         string          `json:"program"`
	Keywords        mbKeywords      `json:"keywords"`
	QCSpecification json.RawMessage `json:"singlepoint_specification"`
}

type mbState struct {
	Keywords mbKeywords `json:"keywords"`
	Spawned  bool       `json:"spawned"`
}

// ManyBody computes an interaction energy through the many-body
// expansion: one singlepoint per fragment subset, combined in closed
// form by inclusion-exclusion. The record's molecules are the
// fragments, in position order.
type ManyBody struct{}

func NewManyBody() *ManyBody { return &ManyBody{} }

func (d *ManyBody) Kind() types.RecordKind { return types.KindManybody }

func (d *ManyBody) Initialize(spec json.RawMessage, molecules []*types.Molecule) (*Outcome, error) {
	var s mbSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad manybody specification: %v", err)
	}
	if len(molecules) < 2 {
		return nil, errs.NewMalformedRequest("manybody needs at least 2 fragments, got %d", len(molecules))
	}
	st := mbState{Keywords: s.Keywords}
	stateJSON, err := json.Marshal(&st)
	if err != nil {
		return nil, err
	}
	output := fmt.Sprintf("\nCreated many-body expansion over %d fragments\n", len(molecules))
	return &Outcome{State: stateJSON, Output: output}, nil
}

func (d *ManyBody) Iterate(state, spec json.RawMessage, molecules []*types.Molecule, deps []Dependency) (*Outcome, error) {
	var s mbSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad manybody specification: %v", err)
	}
	var st mbState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, errs.NewInternal("bad manybody service state: %v", err)
	}

	n := len(molecules)
	maxOrder := st.Keywords.MaxNBody
	if maxOrder <= 0 || maxOrder > n {
		maxOrder = n
	}

	if !st.Spawned {
		subsets := fragmentSubsets(n, maxOrder)
		children := make([]Child, 0, len(subsets))
		for _, subset := range subsets {
			children = append(children, Child{
				Kind:          types.KindSinglepoint,
				Specification: s.QCSpecification,
				Molecules:     []*types.Molecule{combineFragments(molecules, subset)},
				Extras:        keyExtras(subsetKey(subset)),
			})
		}
		st.Spawned = true
		return finishState(&st, children,
			fmt.Sprintf("\nSpawning %d fragment singlepoints", len(children)), nil, false)
	}

	energies := make(map[string]float64, len(deps))
	for _, dep := range deps {
		key, err := depKey(dep)
		if err != nil {
			return nil, err
		}
		energy, err := returnEnergy(dep)
		if err != nil {
			return nil, err
		}
		energies[key] = energy
	}

	total, err := expansionEnergy(n, maxOrder, energies)
	if err != nil {
		return nil, err
	}
	monomers := 0.0
	for i := 0; i < n; i++ {
		e, ok := energies[subsetKey([]int{i})]
		if !ok {
			return nil, errs.NewMissingData("monomer %d energy is missing", i)
		}
		monomers += e
	}

	props, err := json.Marshal(map[string]interface{}{
		"total_energy":       total,
		"interaction_energy": total - monomers,
		"subset_energies":    energies,
	})
	if err != nil {
		return nil, err
	}
	output := fmt.Sprintf("\nMany-body expansion completed: %d subsets, total energy %.10f",
		len(energies), total)
	return finishState(&st, nil, output, props, true)
}

// expansionEnergy sums the increments ΔE_S = E_S - Σ_{T⊂S} ΔE_T over
// all subsets up to the truncation order
func expansionEnergy(n, maxOrder int, energies map[string]float64) (float64, error) {
	subsets := fragmentSubsets(n, maxOrder)
	increments := make(map[string]float64, len(subsets))

	// fragmentSubsets orders by size, so every proper subset's
	// increment is computed before its supersets need it
	total := 0.0
	for _, subset := range subsets {
		key := subsetKey(subset)
		e, ok := energies[key]
		if !ok {
			return 0, errs.NewMissingData("subset %s energy is missing", key)
		}
		delta := e
		for _, sub := range properSubsets(subset) {
			delta -= increments[subsetKey(sub)]
		}
		increments[key] = delta
		total += delta
	}
	return total, nil
}

// fragmentSubsets enumerates non-empty subsets of {0..n-1} of size at
// most maxOrder, smaller sizes first
func fragmentSubsets(n, maxOrder int) [][]int {
	var out [][]int
	for size := 1; size <= maxOrder; size++ {
		var walk func(start int, current []int)
		walk = func(start int, current []int) {
			if len(current) == size {
				out = append(out, append([]int(nil), current...))
				return
			}
			for i := start; i < n; i++ {
				walk(i+1, append(current, i))
			}
		}
		walk(0, nil)
	}
	return out
}

// properSubsets enumerates the non-empty proper subsets of subset
func properSubsets(subset []int) [][]int {
	var out [][]int
	total := 1 << len(subset)
	for mask := 1; mask < total-1; mask++ {
		var sub []int
		for i, v := range subset {
			if mask&(1<<i) != 0 {
				sub = append(sub, v)
			}
		}
		out = append(out, sub)
	}
	return out
}

// combineFragments merges the selected fragment molecules into one
// singlepoint input
func combineFragments(fragments []*types.Molecule, subset []int) *types.Molecule {
	combined := &types.Molecule{Multiplicity: 1}
	for _, i := range subset {
		f := fragments[i]
		combined.Symbols = append(combined.Symbols, f.Symbols...)
		combined.Geometry = append(combined.Geometry, f.Geometry...)
		combined.Charge += f.Charge
	}
	return combined
}

func subsetKey(subset []int) string {
	parts := make([]string, len(subset))
	for i, v := range subset {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
