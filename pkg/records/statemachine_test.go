package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

func TestCheckTransitionLegal(t *testing.T) {
	legal := []struct {
		from, to types.RecordStatus
	}{
		{types.StatusWaiting, types.StatusRunning},
		{types.StatusRunning, types.StatusWaiting},
		{types.StatusRunning, types.StatusComplete},
		{types.StatusRunning, types.StatusError},
		{types.StatusError, types.StatusWaiting},
		{types.StatusWaiting, types.StatusCancelled},
		{types.StatusRunning, types.StatusCancelled},
		{types.StatusError, types.StatusCancelled},
		{types.StatusCancelled, types.StatusWaiting},
		{types.StatusComplete, types.StatusInvalid},
		{types.StatusInvalid, types.StatusComplete},
		{types.StatusComplete, types.StatusDeleted},
		{types.StatusWaiting, types.StatusDeleted},
		{types.StatusDeleted, types.StatusWaiting},
		{types.StatusDeleted, types.StatusComplete},
	}

	for _, tc := range legal {
		assert.NoError(t, CheckTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCheckTransitionIllegal(t *testing.T) {
	illegal := []struct {
		from, to types.RecordStatus
	}{
		{types.StatusWaiting, types.StatusComplete},
		{types.StatusWaiting, types.StatusError},
		{types.StatusWaiting, types.StatusInvalid},
		{types.StatusComplete, types.StatusWaiting},
		{types.StatusComplete, types.StatusRunning},
		{types.StatusComplete, types.StatusError},
		{types.StatusError, types.StatusComplete},
		{types.StatusError, types.StatusRunning},
		{types.StatusCancelled, types.StatusComplete},
		{types.StatusCancelled, types.StatusInvalid},
		{types.StatusInvalid, types.StatusWaiting},
		{types.StatusInvalid, types.StatusRunning},
	}

	for _, tc := range illegal {
		err := CheckTransition(tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.True(t, errs.IsKind(err, errs.KindInvalidTransition))
	}
}

func TestCheckTransitionSelf(t *testing.T) {
	for _, s := range []types.RecordStatus{
		types.StatusWaiting, types.StatusRunning, types.StatusComplete,
		types.StatusError, types.StatusCancelled, types.StatusInvalid,
		types.StatusDeleted,
	} {
		assert.Error(t, CheckTransition(s, s))
	}
}
