package fraisewire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionAllowsFullLifecycle(t *testing.T) {
	s := StateInitial
	steps := []ConnectionState{
		StateNegotiatingTls, StateAwaitingAuth, StateAuthenticating, StateIdle,
		StateQueryInProgress, StateReadingResults, StateIdle,
	}
	for _, next := range steps {
		require.NoError(t, transition(&s, next), "transition to %v", next)
	}
}

func TestTransitionAllowsSkippingTlsNegotiation(t *testing.T) {
	s := StateInitial
	require.NoError(t, transition(&s, StateAwaitingAuth))
}

func TestTransitionRejectsIllegalJump(t *testing.T) {
	s := StateInitial
	require.Error(t, transition(&s, StateIdle), "expected an error jumping straight from Initial to Idle")
}

func TestTransitionToClosedAlwaysAllowed(t *testing.T) {
	for _, start := range []ConnectionState{
		StateInitial, StateNegotiatingTls, StateAwaitingAuth, StateAuthenticating,
		StateIdle, StateQueryInProgress, StateReadingResults,
	} {
		s := start
		require.NoError(t, transition(&s, StateClosed), "transition from %v to Closed should always succeed", start)
		require.Equal(t, StateClosed, s)
	}
}

func TestConnectionStateStringCoversAllValues(t *testing.T) {
	states := []ConnectionState{
		StateInitial, StateNegotiatingTls, StateAwaitingAuth, StateAuthenticating,
		StateIdle, StateQueryInProgress, StateReadingResults, StateClosed,
	}
	for _, s := range states {
		require.NotEqual(t, "Unknown", s.String())
	}
}
