package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forestryhq/pipeline-core/coreiface"
)

func TestTransitionMatrix_Allowed(t *testing.T) {
	m := DefaultTransitionMatrix()
	require.True(t, m.Allowed(Initializing, Active))
	require.True(t, m.Allowed(Active, Paused))
	require.True(t, m.Allowed(Failed, Recovered))
	require.False(t, m.Allowed(Terminated, Active))
	require.False(t, m.Allowed(Initializing, Recovered))
	require.True(t, m.Allowed(Active, Active))
}

func TestValidateTransition_RejectsIllegal(t *testing.T) {
	m := DefaultTransitionMatrix()
	err := ValidateTransition(m, ResourceStateValue(Terminated), ResourceStateValue(Active))
	require.Error(t, err)
	require.True(t, errors.Is(err, coreiface.ErrInvalidStateTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	require.Equal(t, Terminated, te.From)
	require.Equal(t, Active, te.To)
}

func TestValidateTransition_IgnoresNonResourceKinds(t *testing.T) {
	m := DefaultTransitionMatrix()
	err := ValidateTransition(m, InterfaceStateValue(InterfaceIdle), InterfaceStateValue(InterfaceFailed))
	require.NoError(t, err)

	err = ValidateTransition(m, FreeformStateValue(map[string]interface{}{"x": 1}), ResourceStateValue(Active))
	require.NoError(t, err)
}
