package drivers

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

// Dependency is the typed view of one child record handed to a driver
// once the child is terminal. Molecules are the child's input molecules
// in position order; FinalMolecule is set for optimizations.
type Dependency struct {
	RecordID      int64
	Status        types.RecordStatus
	Extras        json.RawMessage
	Properties    json.RawMessage
	Molecules     []*types.Molecule
	FinalMolecule *types.Molecule
}

// Child describes a record a driver wants spawned as a dependency of
// the next iteration
type Child struct {
	Kind          types.RecordKind
	Specification json.RawMessage
	Molecules     []*types.Molecule
	Extras        json.RawMessage
}

// Outcome is one iteration step's decision. Exactly one of Finished or
// Children is meaningful; neither set means the driver wants another
// pass over the same dependencies.
type Outcome struct {
	Finished   bool
	State      json.RawMessage
	Children   []Child
	Output     string
	Properties json.RawMessage
}

// Driver advances one workflow kind. Implementations are pure over
// (state, spec, molecules, deps) and restart-safe: repeating a call
// with identical inputs yields the same decision.
type Driver interface {
	Kind() types.RecordKind
	Initialize(spec json.RawMessage, molecules []*types.Molecule) (*Outcome, error)
	Iterate(state, spec json.RawMessage, molecules []*types.Molecule, deps []Dependency) (*Outcome, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[types.RecordKind]Driver)
)

// Register installs a driver for its kind
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Kind()] = d
}

// Get returns the driver for a kind
func Get(kind types.RecordKind) (Driver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[kind]
	if !ok {
		return nil, errs.NewMissingData("no driver registered for kind %s", kind)
	}
	return d, nil
}

// Kinds lists the registered kinds, sorted
func Kinds() []types.RecordKind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]types.RecordKind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SortByPosition orders dependencies by their extras position field
func SortByPosition(deps []Dependency) ([]Dependency, error) {
	type posDep struct {
		pos int
		dep Dependency
	}
	withPos := make([]posDep, len(deps))
	for i, d := range deps {
		var extras struct {
			Position int `json:"position"`
		}
		if err := json.Unmarshal(d.Extras, &extras); err != nil {
			return nil, fmt.Errorf("dependency %d has no position: %w", d.RecordID, err)
		}
		withPos[i] = posDep{pos: extras.Position, dep: d}
	}
	sort.Slice(withPos, func(i, j int) bool { return withPos[i].pos < withPos[j].pos })
	out := make([]Dependency, len(deps))
	for i, p := range withPos {
		out[i] = p.dep
	}
	return out, nil
}

// positionExtras builds the extras blob carrying a chain position
func positionExtras(pos int) json.RawMessage {
	b, _ := json.Marshal(map[string]int{"position": pos})
	return b
}

// keyExtras builds the extras blob carrying a reassembly key
func keyExtras(key string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"key": key})
	return b
}

// depKey reads the reassembly key of a dependency
func depKey(d Dependency) (string, error) {
	var extras struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(d.Extras, &extras); err != nil {
		return "", fmt.Errorf("dependency %d has no key: %w", d.RecordID, err)
	}
	return extras.Key, nil
}

// returnEnergy reads the energy out of a singlepoint's properties
func returnEnergy(d Dependency) (float64, error) {
	var props struct {
		ReturnEnergy *float64 `json:"return_energy"`
	}
	if err := json.Unmarshal(d.Properties, &props); err != nil || props.ReturnEnergy == nil {
		return 0, errs.NewMissingData("record %d has no return_energy", d.RecordID)
	}
	return *props.ReturnEnergy, nil
}
