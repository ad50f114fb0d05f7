package drivers

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

// rxnComponent ties a stoichiometric coefficient to one of the
// record's molecules by position. Optimize requests a geometry
// optimisation before the energy evaluation.
type rxnComponent struct {
	Coefficient float64 `json:"coefficient"`
	Optimize    bool    `json:"optimize"`
}

type rxnKeywords struct {
	Components []rxnComponent `json:"components"`
}

type rxnSpec struct {
	Program          string          `json:"program"`
	Keywords         rxnKeywords     `json:"keywords"`
	QCSpecification  json.RawMessage `json:"singlepoint_specification"`
	OptimizationSpec json.RawMessage `json:"optimization_specification"`
}

type rxnState struct {
	Keywords rxnKeywords `json:"keywords"`
	Phase    string      `json:"phase"` // optimize | energies | gather
	// Optimized geometries keyed by component index, filled by the
	// optimize phase
	FinalGeometries map[string][]float64 `json:"final_geometries"`
}

// Reaction evaluates a stoichiometric energy sum: every component is
// computed with the shared singlepoint specification, optionally after
// an optimisation, and the energies are combined with the coefficients.
type Reaction struct{}

func NewReaction() *Reaction { return &Reaction{} }

func (d *Reaction) Kind() types.RecordKind { return types.KindReaction }

func (d *Reaction) Initialize(spec json.RawMessage, molecules []*types.Molecule) (*Outcome, error) {
	var s rxnSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad reaction specification: %v", err)
	}
	if len(s.Keywords.Components) == 0 {
		return nil, errs.NewMalformedRequest("reaction needs at least one component")
	}
	if len(s.Keywords.Components) != len(molecules) {
		return nil, errs.NewMalformedRequest(
			"reaction has %d components but %d molecules",
			len(s.Keywords.Components), len(molecules))
	}

	phase := "energies"
	for _, c := range s.Keywords.Components {
		if c.Optimize {
			phase = "optimize"
			break
		}
	}
	st := rxnState{Keywords: s.Keywords, Phase: phase, FinalGeometries: map[string][]float64{}}
	stateJSON, err := json.Marshal(&st)
	if err != nil {
		return nil, err
	}
	output := fmt.Sprintf("\nCreated reaction energy calculation with %d components\n",
		len(s.Keywords.Components))
	return &Outcome{State: stateJSON, Output: output}, nil
}

func (d *Reaction) Iterate(state, spec json.RawMessage, molecules []*types.Molecule, deps []Dependency) (*Outcome, error) {
	var s rxnSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad reaction specification: %v", err)
	}
	var st rxnState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, errs.NewInternal("bad reaction service state: %v", err)
	}

	switch st.Phase {
	case "optimize":
		var children []Child
		for i, c := range st.Keywords.Components {
			if !c.Optimize {
				continue
			}
			children = append(children, Child{
				Kind:          types.KindOptimization,
				Specification: s.OptimizationSpec,
				Molecules:     []*types.Molecule{molecules[i]},
				Extras:        keyExtras(strconv.Itoa(i)),
			})
		}
		st.Phase = "optimize-wait"
		return finishState(&st, children,
			fmt.Sprintf("\nOptimizing %d component(s)", len(children)), nil, false)

	case "optimize-wait":
		for _, dep := range deps {
			key, err := depKey(dep)
			if err != nil {
				return nil, err
			}
			if dep.FinalMolecule == nil {
				return nil, errs.NewMissingData("component %s optimization has no final molecule", key)
			}
			st.FinalGeometries[key] = dep.FinalMolecule.Geometry
		}
		st.Phase = "energies"
		fallthrough

	case "energies":
		children := make([]Child, len(st.Keywords.Components))
		for i := range st.Keywords.Components {
			mol := molecules[i]
			if g, ok := st.FinalGeometries[strconv.Itoa(i)]; ok {
				mol = &types.Molecule{
					Symbols:      mol.Symbols,
					Geometry:     g,
					Charge:       mol.Charge,
					Multiplicity: mol.Multiplicity,
				}
			}
			children[i] = Child{
				Kind:          types.KindSinglepoint,
				Specification: s.QCSpecification,
				Molecules:     []*types.Molecule{mol},
				Extras:        keyExtras(strconv.Itoa(i)),
			}
		}
		st.Phase = "gather"
		return finishState(&st, children,
			fmt.Sprintf("\nSpawning %d component singlepoints", len(children)), nil, false)

	case "gather":
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

		total := 0.0
		for i, c := range st.Keywords.Components {
			e, ok := energies[strconv.Itoa(i)]
			if !ok {
				return nil, errs.NewMissingData("component %d energy is missing", i)
			}
			total += c.Coefficient * e
		}

		props, err := json.Marshal(map[string]interface{}{
			"total_energy":       total,
			"component_energies": energies,
		})
		if err != nil {
			return nil, err
		}
		output := fmt.Sprintf("\nReaction energy completed: %.10f", total)
		return finishState(&st, nil, output, props, true)
	}
	return nil, errs.NewInternal("reaction is in unknown phase %q", st.Phase)
}
