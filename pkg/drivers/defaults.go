package drivers

import "github.com/molforge/molforge/pkg/neb"

// RegisterDefaults installs every built-in workflow driver
func RegisterDefaults() {
	Register(NewNEB(neb.NewSpringBand()))
	Register(NewTorsionDrive())
	Register(NewGridOptimization())
	Register(NewManyBody())
	Register(NewReaction())
}
