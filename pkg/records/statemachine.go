package records

import (
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

// legalTransitions is the full transition table of the record state
// machine. Every status write in the store consults it; anything not
// listed raises an invalid-transition error.
var legalTransitions = map[types.RecordStatus]map[types.RecordStatus]bool{
	types.StatusWaiting: {
		types.StatusRunning:   true, // task claimed / service admitted
		types.StatusCancelled: true,
		types.StatusDeleted:   true,
	},
	types.StatusRunning: {
		types.StatusWaiting:   true, // manager lost, or explicit reset
		types.StatusComplete:  true,
		types.StatusError:     true,
		types.StatusCancelled: true,
		types.StatusDeleted:   true,
	},
	types.StatusComplete: {
		types.StatusInvalid: true,
		types.StatusDeleted: true,
	},
	types.StatusError: {
		types.StatusWaiting:   true, // user reset
		types.StatusCancelled: true,
		types.StatusDeleted:   true,
	},
	types.StatusCancelled: {
		// uncancel restores the saved state; a record cancelled while
		// running goes back to waiting since its claim is gone
		types.StatusWaiting: true,
		types.StatusError:   true,
		types.StatusDeleted: true,
	},
	types.StatusInvalid: {
		types.StatusComplete: true, // uninvalidate, children permitting
		types.StatusDeleted:  true,
	},
	types.StatusDeleted: {
		// undelete restores the saved snapshot; any target is legal
		types.StatusWaiting:   true,
		types.StatusRunning:   true,
		types.StatusComplete:  true,
		types.StatusError:     true,
		types.StatusCancelled: true,
		types.StatusInvalid:   true,
	},
}

// CheckTransition verifies that from -> to is a legal status change
func CheckTransition(from, to types.RecordStatus) error {
	if from == to {
		return errs.NewInvalidTransition("record is already %s", from)
	}
	if targets, ok := legalTransitions[from]; ok && targets[to] {
		return nil
	}
	return errs.NewInvalidTransition("cannot transition record from %s to %s", from, to)
}
