package onboarding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(t *testing.T, s State, a Action) State {
	t.Helper()
	next, err := Reduce(s, a, 3)
	require.NoError(t, err, "action %s from %s", a.Type, s.Phase)
	return next
}

func TestReduce_LoginPath(t *testing.T) {
	s := NewState(ModeLogin)
	s = step(t, s, Action{Type: ActionStartAuth})
	s = step(t, s, Action{Type: ActionStartFetchingAccount})
	s = step(t, s, Action{Type: ActionStartSession})
	s = step(t, s, Action{Type: ActionStartKeyFetching})
	s = step(t, s, Action{Type: ActionSetKeys, Address: "addr", KeyID: "k1"})
	s = step(t, s, Action{Type: ActionStartFinalization})
	s = step(t, s, Action{Type: ActionComplete})

	assert.Equal(t, PhaseAuthenticated, s.Phase)
	assert.Equal(t, "addr", s.Address)
}

func TestReduce_SignupPath(t *testing.T) {
	s := NewState(ModeSignup)
	s = step(t, s, Action{Type: ActionStartAuth})
	s = step(t, s, Action{Type: ActionStartAccountCreation})
	s = step(t, s, Action{Type: ActionStartSession})
	s = step(t, s, Action{Type: ActionStartKeyGeneration})
	s = step(t, s, Action{Type: ActionSetKeys, Address: "addr"})
	s = step(t, s, Action{Type: ActionStartFinalization})
	s = step(t, s, Action{Type: ActionComplete})

	assert.Equal(t, PhaseCompleted, s.Phase)
}

func TestReduce_ModeMismatchRejected(t *testing.T) {
	s := step(t, NewState(ModeLogin), Action{Type: ActionStartAuth})

	_, err := Reduce(s, Action{Type: ActionStartAccountCreation}, 3)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReduce_FinalizationNeedsKeys(t *testing.T) {
	s := State{Phase: PhaseFetchingKeys, Mode: ModeLogin}

	_, err := Reduce(s, Action{Type: ActionStartFinalization}, 3)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReduce_Monotonic(t *testing.T) {
	finalizing := State{Phase: PhaseFinalizing, Mode: ModeLogin, Address: "a"}
	backwards := []ActionType{
		ActionStartAuth,
		ActionStartFetchingAccount,
		ActionStartAccountCreation,
		ActionStartSession,
		ActionStartKeyFetching,
		ActionStartKeyGeneration,
		ActionStartFinalization,
		ActionSetKeys,
		ActionRetry,
	}
	for _, a := range backwards {
		t.Run(string(a), func(t *testing.T) {
			got, err := Reduce(finalizing, Action{Type: a}, 3)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, finalizing, got)
		})
	}

	reset := step(t, finalizing, Action{Type: ActionReset})
	assert.Equal(t, State{Phase: PhaseIdle, Mode: ModeLogin}, reset)
}

func TestReduce_SetErrorFromTerminalRejected(t *testing.T) {
	done := State{Phase: PhaseAuthenticated, Mode: ModeLogin}
	_, err := Reduce(done, Action{Type: ActionSetError, Err: &FlowError{Kind: KindNetwork}}, 3)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReduce_RetryCeiling(t *testing.T) {
	recoverable := &FlowError{Kind: KindNetwork, Message: "boom", Recoverable: true}
	s := NewState(ModeSignup)

	for i := 1; i <= 3; i++ {
		s = step(t, s, Action{Type: ActionStartAuth})
		s = step(t, s, Action{Type: ActionSetError, Err: recoverable})
		s = step(t, s, Action{Type: ActionRetry})
		assert.Equal(t, PhaseIdle, s.Phase)
		assert.Equal(t, i, s.RetryCount)
	}

	s = step(t, s, Action{Type: ActionStartAuth})
	s = step(t, s, Action{Type: ActionSetError, Err: recoverable})
	s = step(t, s, Action{Type: ActionRetry})

	assert.Equal(t, PhaseError, s.Phase)
	require.NotNil(t, s.Error)
	assert.Equal(t, KindNetwork, s.Error.Kind)
	assert.Equal(t, "Maximum retry attempts exceeded", s.Error.Message)
	assert.False(t, s.Error.Recoverable)

	_, err := Reduce(s, Action{Type: ActionRetry}, 3)
	assert.ErrorIs(t, err, ErrNotRecoverable)
}

func TestReduce_CompleteZeroesRetries(t *testing.T) {
	s := State{Phase: PhaseFinalizing, Mode: ModeSignup, Address: "a", RetryCount: 2}
	s = step(t, s, Action{Type: ActionComplete})
	assert.Equal(t, 0, s.RetryCount)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("signup")
	require.NoError(t, err)
	assert.Equal(t, ModeSignup, m)

	_, err = ParseMode("register")
	assert.Error(t, err)
}
