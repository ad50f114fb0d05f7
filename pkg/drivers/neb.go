package drivers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/neb"
	"github.com/molforge/molforge/pkg/types"
)

// nebKeywords are the workflow knobs of an NEB specification
type nebKeywords struct {
	Images            int     `json:"images"`
	AlignChain        bool    `json:"align_chain"`
	OptimizeEndpoints bool    `json:"optimize_endpoints"`
	OptimizeTS        bool    `json:"optimize_ts"`
	CoordinateSystem  string  `json:"coordinate_system"`
	SpringConstant    float64 `json:"spring_constant"`
	MaximumForce      float64 `json:"maximum_force"`
	AverageForce      float64 `json:"average_force"`
}

type nebSpec struct {
	Program         string          `json:"program"`
	Keywords        nebKeywords     `json:"keywords"`
	QCSpecification json.RawMessage `json:"singlepoint_specification"`
}

// tsGuess is the best transition-state candidate seen so far: the
// highest-energy image of the most recent chain
type tsGuess struct {
	Geometry []float64 `json:"geometry"`
	Energy   float64   `json:"energy"`
}

// nebState is the persisted per-service state. Iteration 0 covers
// endpoint optimisation and the first chain; converged plus the
// tshessian staging list sequence the transition-state steps.
type nebState struct {
	Keywords   nebKeywords     `json:"keywords"`
	Iteration  int             `json:"iteration"`
	Optimized  bool            `json:"optimized"`
	TSOptimize bool            `json:"tsoptimize"`
	Converged  bool            `json:"converged"`
	Align      bool            `json:"align"`
	Symbols    []string        `json:"molecule_template"`
	Charge     int             `json:"molecular_charge"`
	Mult       int             `json:"molecular_multiplicity"`
	TSHessian  json.RawMessage `json:"tshessian"`
	TSGuess    *tsGuess        `json:"ts_guess"`
	Band       *neb.State      `json:"nebinfo"`
}

// NEB drives the chain-of-states transition-state search
type NEB struct {
	algo neb.Algorithm
}

// NewNEB creates the NEB driver around a band engine
func NewNEB(algo neb.Algorithm) *NEB {
	return &NEB{algo: algo}
}

func (d *NEB) Kind() types.RecordKind { return types.KindNEB }

func (d *NEB) Initialize(spec json.RawMessage, molecules []*types.Molecule) (*Outcome, error) {
	var s nebSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad neb specification: %v", err)
	}
	if s.Keywords.Images == 0 {
		s.Keywords.Images = 11
	}
	if len(molecules) < s.Keywords.Images {
		return nil, errs.NewMalformedRequest(
			"initial chain has %d frames but %d images are requested",
			len(molecules), s.Keywords.Images)
	}

	first := molecules[0]
	st := nebState{
		Keywords:   s.Keywords,
		Iteration:  0,
		Optimized:  s.Keywords.OptimizeEndpoints,
		TSOptimize: s.Keywords.OptimizeTS,
		Converged:  false,
		Align:      s.Keywords.AlignChain,
		Symbols:    first.Symbols,
		Charge:     first.Charge,
		Mult:       first.Multiplicity,
	}

	var out strings.Builder
	out.WriteString("\n\nCreated NEB calculation\n")
	out.WriteString(keywordTable(s.Keywords))
	out.WriteString(fmt.Sprintf("\n%d images will be used to guess a transition state structure.\n",
		s.Keywords.Images))
	out.WriteString(fmt.Sprintf("Chain molecules have %d atoms each.\n", len(first.Symbols)))

	stateJSON, err := json.Marshal(&st)
	if err != nil {
		return nil, err
	}
	return &Outcome{State: stateJSON, Output: out.String()}, nil
}

func (d *NEB) Iterate(state, spec json.RawMessage, molecules []*types.Molecule, deps []Dependency) (*Outcome, error) {
	var s nebSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, errs.NewMalformedRequest("bad neb specification: %v", err)
	}
	if s.Keywords.Images == 0 {
		s.Keywords.Images = 11
	}
	var st nebState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, errs.NewInternal("bad neb service state: %v", err)
	}

	if st.Iteration == 0 {
		return d.iterateChainStart(&st, &s, molecules, deps)
	}
	return d.iterateBand(&st, &s, deps)
}

// iterateChainStart handles iteration 0: optional endpoint
// optimisation, then arrangement and the first chain of singlepoints
func (d *NEB) iterateChainStart(st *nebState, s *nebSpec, molecules []*types.Molecule, deps []Dependency) (*Outcome, error) {
	chain := subsampleChain(molecules, st.Keywords.Images)

	if st.Optimized {
		st.Optimized = false
		children := []Child{
			optimizationChild(s.QCSpecification, st.Keywords.CoordinateSystem, chain[0], 0),
			optimizationChild(s.QCSpecification, st.Keywords.CoordinateSystem, chain[len(chain)-1], 1),
		}
		return d.outcome(st, children, "\nFirst, optimizing the end points", nil)
	}

	geoms := make([][]float64, len(chain))
	for i, m := range chain {
		geoms[i] = m.Geometry
	}
	if len(deps) != 0 {
		sorted, err := SortByPosition(deps)
		if err != nil {
			return nil, err
		}
		if sorted[0].FinalMolecule == nil || sorted[len(sorted)-1].FinalMolecule == nil {
			return nil, errs.NewMissingData("endpoint optimization has no final molecule")
		}
		geoms[0] = sorted[0].FinalMolecule.Geometry
		geoms[len(geoms)-1] = sorted[len(sorted)-1].FinalMolecule.Geometry
	}

	aligned := d.algo.Arrange(geoms, st.Align)
	children := d.chainChildren(st, s, aligned, false)
	st.Iteration = 1
	output := fmt.Sprintf("\nArranged the initial chain, spawning %d singlepoints", len(children))
	return d.outcome(st, children, output, nil)
}

// iterateBand handles every later iteration: band steps until the
// engine converges, then the staged transition-state search
func (d *NEB) iterateBand(st *nebState, s *nebSpec, deps []Dependency) (*Outcome, error) {
	var newcoords [][]float64
	var output strings.Builder

	if !st.Converged {
		sorted, err := SortByPosition(deps)
		if err != nil {
			return nil, err
		}
		band := &neb.State{
			Params: neb.Params{
				SpringConstant: defaultIfZero(st.Keywords.SpringConstant, neb.DefaultParams().SpringConstant),
				StepSize:       neb.DefaultParams().StepSize,
				MaximumForce:   defaultIfZero(st.Keywords.MaximumForce, neb.DefaultParams().MaximumForce),
				AverageForce:   defaultIfZero(st.Keywords.AverageForce, neb.DefaultParams().AverageForce),
			},
		}
		for _, dep := range sorted {
			energy, err := returnEnergy(dep)
			if err != nil {
				return nil, err
			}
			gradient, err := returnGradient(dep)
			if err != nil {
				return nil, err
			}
			if len(dep.Molecules) == 0 {
				return nil, errs.NewMissingData("record %d has no input molecule", dep.RecordID)
			}
			band.Geometries = append(band.Geometries, dep.Molecules[0].Geometry)
			band.Energies = append(band.Energies, energy)
			band.Gradients = append(band.Gradients, gradient)
		}

		// Remember the best TS candidate: the highest-energy image of
		// this latest chain
		best := 0
		for i, e := range band.Energies {
			if e > band.Energies[best] {
				best = i
			}
		}
		st.TSGuess = &tsGuess{Geometry: band.Geometries[best], Energy: band.Energies[best]}

		if st.Iteration == 1 {
			newcoords, err = d.algo.Prepare(band)
		} else {
			newcoords, err = d.algo.NextChain(band)
		}
		if err != nil {
			return nil, errs.NewInternal("band step failed: %v", err)
		}
		st.Band = band
	}

	if newcoords != nil {
		chain := make([]*types.Molecule, len(newcoords))
		for i, g := range newcoords {
			chain[i] = st.templateMolecule(g)
		}
		children := d.chainChildrenFromMolecules(st, s, chain, false)
		st.Iteration++
		output.WriteString(fmt.Sprintf("\nIteration %d, spawning %d singlepoints", st.Iteration, len(children)))
		return d.outcome(st, children, output.String(), nil)
	}

	if !st.Converged {
		st.Converged = true
		output.WriteString("\nChain converged")
		return d.outcome(st, nil, output.String(), nil)
	}

	if st.TSOptimize {
		if st.TSGuess == nil {
			return nil, errs.NewMissingData("no guessed transition state is available")
		}
		tsMol := st.templateMolecule(st.TSGuess.Geometry)

		if len(st.TSHessian) == 0 {
			output.WriteString("\nOptimizing the guessed transition state structure to locate a first-order saddle point.\n")
			output.WriteString("Hessian will be calculated first.")
			children := []Child{d.hessianChild(st, s, tsMol)}
			st.TSHessian = json.RawMessage(`[1]`)
			return d.outcome(st, children, output.String(), nil)
		}

		// Hessian arrived; stash it and start the saddle-point search
		if len(deps) == 0 {
			return nil, errs.NewMissingData("hessian singlepoint is missing from dependencies")
		}
		hessian, err := returnHessian(deps[0])
		if err != nil {
			return nil, err
		}
		st.TSHessian = hessian
		st.TSOptimize = false
		children := []Child{tsOptimizationChild(s.QCSpecification, st.Keywords.CoordinateSystem, hessian, tsMol)}
		return d.outcome(st, children, "\nStarting the transition state optimization", nil)
	}

	output.WriteString(fmt.Sprintf("\nNEB calculation is completed with %d iterations", st.Iteration))
	props := map[string]interface{}{"iterations": st.Iteration}
	if st.TSGuess != nil {
		props["ts_guess_energy"] = st.TSGuess.Energy
	}
	if len(deps) == 1 && deps[0].FinalMolecule != nil {
		props["ts_molecule_hash"] = deps[0].FinalMolecule.Hash
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	out, err := d.outcome(st, nil, output.String(), propsJSON)
	if err != nil {
		return nil, err
	}
	out.Finished = true
	return out, nil
}

func (d *NEB) outcome(st *nebState, children []Child, output string, props json.RawMessage) (*Outcome, error) {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &Outcome{State: stateJSON, Children: children, Output: output, Properties: props}, nil
}

// templateMolecule builds a chain molecule from the stored template
// and a geometry
func (st *nebState) templateMolecule(geometry []float64) *types.Molecule {
	return &types.Molecule{
		Symbols:      st.Symbols,
		Geometry:     geometry,
		Charge:       st.Charge,
		Multiplicity: st.Mult,
	}
}

func (d *NEB) chainChildren(st *nebState, s *nebSpec, geoms [][]float64, hessian bool) []Child {
	chain := make([]*types.Molecule, len(geoms))
	for i, g := range geoms {
		chain[i] = st.templateMolecule(g)
	}
	return d.chainChildrenFromMolecules(st, s, chain, hessian)
}

func (d *NEB) chainChildrenFromMolecules(st *nebState, s *nebSpec, chain []*types.Molecule, hessian bool) []Child {
	children := make([]Child, len(chain))
	for i, mol := range chain {
		spec := s.QCSpecification
		if hessian {
			spec = withDriver(spec, "hessian")
		} else {
			spec = withDriver(spec, "gradient")
		}
		children[i] = Child{
			Kind:          types.KindSinglepoint,
			Specification: spec,
			Molecules:     []*types.Molecule{mol},
			Extras:        positionExtras(i),
		}
	}
	return children
}

func (d *NEB) hessianChild(st *nebState, s *nebSpec, mol *types.Molecule) Child {
	return Child{
		Kind:          types.KindSinglepoint,
		Specification: withDriver(s.QCSpecification, "hessian"),
		Molecules:     []*types.Molecule{mol},
		Extras:        positionExtras(0),
	}
}

func optimizationChild(qcSpec json.RawMessage, coordsys string, mol *types.Molecule, pos int) Child {
	spec, _ := json.Marshal(map[string]interface{}{
		"program":          "geometric",
		"qc_specification": qcSpec,
		"keywords":         map[string]interface{}{"coordsys": coordsys},
	})
	return Child{
		Kind:          types.KindOptimization,
		Specification: spec,
		Molecules:     []*types.Molecule{mol},
		Extras:        positionExtras(pos),
	}
}

func tsOptimizationChild(qcSpec json.RawMessage, coordsys string, hessian json.RawMessage, mol *types.Molecule) Child {
	spec, _ := json.Marshal(map[string]interface{}{
		"program":          "geometric",
		"qc_specification": qcSpec,
		"keywords": map[string]interface{}{
			"transition": true,
			"coordsys":   coordsys,
			"hessian":    hessian,
		},
	})
	return Child{
		Kind:          types.KindOptimization,
		Specification: spec,
		Molecules:     []*types.Molecule{mol},
		Extras:        positionExtras(0),
	}
}

// withDriver rewrites the driver field of a singlepoint specification
func withDriver(qcSpec json.RawMessage, driver string) json.RawMessage {
	var doc map[string]interface{}
	if err := json.Unmarshal(qcSpec, &doc); err != nil {
		return qcSpec
	}
	doc["driver"] = driver
	out, err := json.Marshal(doc)
	if err != nil {
		return qcSpec
	}
	return out
}

// subsampleChain spreads the requested image count evenly over the
// supplied frames
func subsampleChain(molecules []*types.Molecule, images int) []*types.Molecule {
	idx := neb.Linspace(len(molecules), images)
	out := make([]*types.Molecule, len(idx))
	for i, j := range idx {
		out[i] = molecules[j]
	}
	return out
}

func keywordTable(kw nebKeywords) string {
	rows := map[string]string{
		"images":             fmt.Sprintf("%d", kw.Images),
		"align_chain":        fmt.Sprintf("%t", kw.AlignChain),
		"optimize_endpoints": fmt.Sprintf("%t", kw.OptimizeEndpoints),
		"optimize_ts":        fmt.Sprintf("%t", kw.OptimizeTS),
		"coordinate_system":  kw.CoordinateSystem,
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-20s %s\n", "keywords", "value"))
	b.WriteString(strings.Repeat("-", 30) + "\n")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("%-20s %s\n", k, rows[k]))
	}
	return b.String()
}

func returnGradient(d Dependency) ([]float64, error) {
	var props struct {
		ReturnGradient []float64 `json:"return_gradient"`
	}
	if err := json.Unmarshal(d.Properties, &props); err != nil || props.ReturnGradient == nil {
		return nil, errs.NewMissingData("record %d has no return_gradient", d.RecordID)
	}
	return props.ReturnGradient, nil
}

func returnHessian(d Dependency) (json.RawMessage, error) {
	var props struct {
		ReturnHessian json.RawMessage `json:"return_hessian"`
	}
	if err := json.Unmarshal(d.Properties, &props); err != nil || len(props.ReturnHessian) == 0 {
		return nil, errs.NewMissingData("record %d has no return_hessian", d.RecordID)
	}
	return props.ReturnHessian, nil
}

func defaultIfZero(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
