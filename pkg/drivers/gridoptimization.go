package drivers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

// goScan describes one scanned internal coordinate
type goScan struct {
	Type    string    `json:"type"` // dihedral | distance | angle
	Indices []int     `json:"indices"`
	Steps   []float64 `json:"steps"`
}

type goKeywords struct {
	Scans           []goScan `json:"scans"`
	Preoptimization bool     `json:"preoptimization"`
}

type goSpec struct {
	Program          string          `json:"program"`
	Keywords         goKeywords      `json:"keywords"`
	OptimizationSpec json.RawMessage `json:"optimization_specification"`
}

type goState struct {
	Keywords     goKeywords         `json:"keywords"`
	Phase        string             `json:"phase"` // preopt | preopt-wait | scan | gather
	GridEnergies map[string]float64 `json:"grid_energies"`
}

// GridOptimization runs constrained optimisations over a grid of
// internal-coordinate values
type GridOptimization struct{}

func NewGridOptimization() *GridOptimization { return &GridOptimization{} }

func (d *GridOptimization) Kind() types.RecordKind { return types.KindGridoptimization }

func (d *GridOptimization) Initialize(spec json.RawMessage, molecules []*types.Molecule) (*Outcome, error) {
	var s goSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad gridoptimization specification: %v", err)
	}
	if len(s.Keywords.Scans) == 0 {
		return nil, errs.NewMalformedRequest("gridoptimization needs at least one scan")
	}
	for i, scan := range s.Keywords.Scans {
		if len(scan.Steps) == 0 {
			return nil, errs.NewMalformedRequest("scan %d has no steps", i)
		}
	}
	phase := "scan"
	if s.Keywords.Preoptimization {
		phase = "preopt"
	}
	st := goState{Keywords: s.Keywords, Phase: phase, GridEnergies: map[string]float64{}}
	stateJSON, err := json.Marshal(&st)
	if err != nil {
		return nil, err
	}
	output := fmt.Sprintf("\nCreated grid optimization over %d scan(s), %d grid points\n",
		len(s.Keywords.Scans), len(scanPoints(s.Keywords)))
	return &Outcome{State: stateJSON, Output: output}, nil
}

func (d *GridOptimization) Iterate(state, spec json.RawMessage, molecules []*types.Molecule, deps []Dependency) (*Outcome, error) {
	var s goSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad gridoptimization specification: %v", err)
	}
	var st goState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, errs.NewInternal("bad gridoptimization service state: %v", err)
	}
	if len(molecules) == 0 {
		return nil, errs.NewMissingData("grid optimization has no starting molecule")
	}

	switch st.Phase {
	case "preopt":
		st.Phase = "preopt-wait"
		child := Child{
			Kind:          types.KindOptimization,
			Specification: s.OptimizationSpec,
			Molecules:     []*types.Molecule{molecules[0]},
			Extras:        keyExtras("preoptimization"),
		}
		return finishState(&st, []Child{child}, "\nPre-optimizing the starting geometry", nil, false)

	case "preopt-wait":
		if len(deps) != 1 || deps[0].FinalMolecule == nil {
			return nil, errs.NewMissingData("pre-optimization has no final molecule")
		}
		st.Phase = "gather"
		children := d.scanChildren(&st, &s, deps[0].FinalMolecule)
		return finishState(&st, children,
			fmt.Sprintf("\nSpawning %d grid optimizations", len(children)), nil, false)

	case "scan":
		st.Phase = "gather"
		children := d.scanChildren(&st, &s, molecules[0])
		return finishState(&st, children,
			fmt.Sprintf("\nSpawning %d grid optimizations", len(children)), nil, false)

	case "gather":
		for _, dep := range deps {
			key, err := depKey(dep)
			if err != nil {
				return nil, err
			}
			energy, err := returnEnergy(dep)
			if err != nil {
				return nil, err
			}
			st.GridEnergies[key] = energy
		}
		props, err := json.Marshal(map[string]interface{}{"grid_energies": st.GridEnergies})
		if err != nil {
			return nil, err
		}
		output := fmt.Sprintf("\nGrid optimization completed over %d grid points", len(st.GridEnergies))
		return finishState(&st, nil, output, props, true)
	}
	return nil, errs.NewInternal("grid optimization is in unknown phase %q", st.Phase)
}

func (d *GridOptimization) scanChildren(st *goState, s *goSpec, start *types.Molecule) []Child {
	points := scanPoints(st.Keywords)
	children := make([]Child, 0, len(points))
	for _, values := range points {
		constraints := make([]map[string]interface{}, len(values))
		for i, v := range values {
			constraints[i] = map[string]interface{}{
				"type":    st.Keywords.Scans[i].Type,
				"indices": st.Keywords.Scans[i].Indices,
				"value":   v,
			}
		}
		spec, _ := json.Marshal(map[string]interface{}{
			"program":          "geometric",
			"qc_specification": optQCSpec(s.OptimizationSpec),
			"keywords":         map[string]interface{}{"constraints": constraints},
		})
		children = append(children, Child{
			Kind:          types.KindOptimization,
			Specification: spec,
			Molecules:     []*types.Molecule{start},
			Extras:        keyExtras(scanKey(values)),
		})
	}
	return children
}

// scanPoints is the cartesian product of the per-scan step lists
func scanPoints(kw goKeywords) [][]float64 {
	points := [][]float64{{}}
	for _, scan := range kw.Scans {
		var next [][]float64
		for _, p := range points {
			for _, v := range scan.Steps {
				q := append(append([]float64(nil), p...), v)
				next = append(next, q)
			}
		}
		points = next
	}
	return points
}

func scanKey(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
