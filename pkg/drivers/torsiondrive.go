package drivers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

// tdKeywords are the workflow knobs of a torsion-drive specification.
// One dihedral tuple per scanned torsion; grid spacings in degrees.
type tdKeywords struct {
	Dihedrals   [][4]int `json:"dihedrals"`
	GridSpacing []int    `json:"grid_spacing"`
	PreOptimize bool     `json:"pre_optimize"`
}

type tdSpec struct {
	Program          string          `json:"program"`
	Keywords         tdKeywords      `json:"keywords"`
	OptimizationSpec json.RawMessage `json:"optimization_specification"`
}

type tdState struct {
	Keywords     tdKeywords         `json:"keywords"`
	Phase        string             `json:"phase"` // preopt | scan
	GridEnergies map[string]float64 `json:"grid_energies"`
}

// TorsionDrive scans torsion angles over a grid, one constrained
// optimisation per grid point
type TorsionDrive struct{}

func NewTorsionDrive() *TorsionDrive { return &TorsionDrive{} }

func (d *TorsionDrive) Kind() types.RecordKind { return types.KindTorsiondrive }

func (d *TorsionDrive) Initialize(spec json.RawMessage, molecules []*types.Molecule) (*Outcome, error) {
	var s tdSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad torsiondrive specification: %v", err)
	}
	if len(s.Keywords.Dihedrals) == 0 {
		return nil, errs.NewMalformedRequest("torsiondrive needs at least one dihedral")
	}
	if len(s.Keywords.GridSpacing) != len(s.Keywords.Dihedrals) {
		return nil, errs.NewMalformedRequest(
			"torsiondrive has %d dihedrals but %d grid spacings",
			len(s.Keywords.Dihedrals), len(s.Keywords.GridSpacing))
	}
	phase := "scan"
	if s.Keywords.PreOptimize {
		phase = "preopt"
	}
	st := tdState{Keywords: s.Keywords, Phase: phase, GridEnergies: map[string]float64{}}
	stateJSON, err := json.Marshal(&st)
	if err != nil {
		return nil, err
	}
	output := fmt.Sprintf("\nCreated torsion drive over %d dihedral(s), %d grid points\n",
		len(s.Keywords.Dihedrals), len(gridPoints(s.Keywords)))
	return &Outcome{State: stateJSON, Output: output}, nil
}

func (d *TorsionDrive) Iterate(state, spec json.RawMessage, molecules []*types.Molecule, deps []Dependency) (*Outcome, error) {
	var s tdSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad torsiondrive specification: %v", err)
	}
	var st tdState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, errs.NewInternal("bad torsiondrive service state: %v", err)
	}
	if len(molecules) == 0 {
		return nil, errs.NewMissingData("torsion drive has no starting molecule")
	}

	switch st.Phase {
	case "preopt":
		if len(deps) == 0 {
			st.Phase = "preopt-wait"
			child := Child{
				Kind:          types.KindOptimization,
				Specification: s.OptimizationSpec,
				Molecules:     []*types.Molecule{molecules[0]},
				Extras:        keyExtras("preopt"),
			}
			return finishState(&st, []Child{child}, "\nPre-optimizing the starting geometry", nil, false)
		}
		return nil, errs.NewInternal("torsion drive preopt phase has unexpected dependencies")

	case "preopt-wait":
		if len(deps) != 1 || deps[0].FinalMolecule == nil {
			return nil, errs.NewMissingData("pre-optimization has no final molecule")
		}
		st.Phase = "scan"
		children := d.scanChildren(&st, &s, deps[0].FinalMolecule)
		return finishState(&st, children,
			fmt.Sprintf("\nSpawning %d grid optimizations", len(children)), nil, false)

	case "scan":
		if len(deps) == 0 {
			start := molecules[0]
			children := d.scanChildren(&st, &s, start)
			st.Phase = "gather"
			return finishState(&st, children,
				fmt.Sprintf("\nSpawning %d grid optimizations", len(children)), nil, false)
		}
		fallthrough

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
		output := fmt.Sprintf("\nTorsion drive completed over %d grid points", len(st.GridEnergies))
		return finishState(&st, nil, output, props, true)
	}
	return nil, errs.NewInternal("torsion drive is in unknown phase %q", st.Phase)
}

// scanChildren spawns one constrained optimisation per grid point, the
// dihedral constraints folded into the optimisation keywords
func (d *TorsionDrive) scanChildren(st *tdState, s *tdSpec, start *types.Molecule) []Child {
	points := gridPoints(st.Keywords)
	children := make([]Child, 0, len(points))
	for _, angles := range points {
		constraints := make([]map[string]interface{}, len(angles))
		for i, a := range angles {
			constraints[i] = map[string]interface{}{
				"type":    "dihedral",
				"indices": st.Keywords.Dihedrals[i],
				"value":   a,
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
			Extras:        keyExtras(gridKey(angles)),
		})
	}
	return children
}

// gridPoints is the cartesian product of each dihedral's angle grid
func gridPoints(kw tdKeywords) [][]int {
	grids := make([][]int, len(kw.Dihedrals))
	for i, spacing := range kw.GridSpacing {
		if spacing <= 0 {
			spacing = 15
		}
		var g []int
		for a := -180; a < 180; a += spacing {
			g = append(g, a)
		}
		grids[i] = g
	}
	points := [][]int{{}}
	for _, g := range grids {
		var next [][]int
		for _, p := range points {
			for _, a := range g {
				q := append(append([]int(nil), p...), a)
				next = append(next, q)
			}
		}
		points = next
	}
	return points
}

// gridKey is the canonical reassembly key of a grid point
func gridKey(angles []int) string {
	parts := make([]string, len(angles))
	for i, a := range angles {
		parts[i] = strconv.Itoa(a)
	}
	return strings.Join(parts, ",")
}

// optQCSpec pulls the inner qc specification out of an optimisation
// specification blob
func optQCSpec(optSpec json.RawMessage) json.RawMessage {
	var doc struct {
		QCSpecification json.RawMessage `json:"qc_specification"`
	}
	if err := json.Unmarshal(optSpec, &doc); err != nil || len(doc.QCSpecification) == 0 {
		return optSpec
	}
	return doc.QCSpecification
}

// finishState marshals driver state into an outcome
func finishState(st interface{}, children []Child, output string, props json.RawMessage, finished bool) (*Outcome, error) {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Finished:   finished,
		State:      stateJSON,
		Children:   children,
		Output:     output,
		Properties: props,
	}, nil
}
