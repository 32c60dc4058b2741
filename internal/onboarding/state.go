// Package onboarding drives a verified identity session through the wallet
// network until the host window holds an address, a private key and a
// session, and the user has a profile.
package onboarding

import (
	"errors"
	"fmt"
)

type Mode string

const (
	ModeLogin  Mode = "login"
	ModeSignup Mode = "signup"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLogin, ModeSignup:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAuthenticating   Phase = "authenticating"
	PhaseFetchingAccounts Phase = "fetching_accounts"
	PhaseCreatingAccount  Phase = "creating_account"
	PhaseCreatingSession  Phase = "creating_session"
	PhaseFetchingKeys     Phase = "fetching_keys"
	PhaseGeneratingKeys   Phase = "generating_keys"
	PhaseFinalizing       Phase = "finalizing"
	PhaseAuthenticated    Phase = "authenticated"
	PhaseCompleted        Phase = "completed"
	PhaseError            Phase = "error"
)

// Terminal reports whether no forward action applies any more
func (p Phase) Terminal() bool {
	return p == PhaseAuthenticated || p == PhaseCompleted || p == PhaseError
}

type ErrorKind string

const (
	KindAuth            ErrorKind = "auth"
	KindNetwork         ErrorKind = "network"
	KindKeyGeneration   ErrorKind = "key_generation"
	KindUserCreation    ErrorKind = "user_creation"
	KindAccountCreation ErrorKind = "account_creation"
)

// FlowError is the classified failure attached to PhaseError
type FlowError struct {
	Kind        ErrorKind `json:"type"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Err         error     `json:"-"`
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

const retryExhaustedMessage = "Maximum retry attempts exceeded"

var (
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrNotRecoverable    = errors.New("error is not recoverable")
)

type ActionType string

const (
	ActionStartAuth            ActionType = "START_AUTH"
	ActionStartFetchingAccount ActionType = "START_FETCHING_ACCOUNTS"
	ActionStartAccountCreation ActionType = "START_ACCOUNT_CREATION"
	ActionStartSession         ActionType = "START_SESSION_CREATION"
	ActionStartKeyFetching     ActionType = "START_KEY_FETCHING"
	ActionStartKeyGeneration   ActionType = "START_KEY_GENERATION"
	ActionSetKeys              ActionType = "SET_KEYS"
	ActionStartFinalization    ActionType = "START_FINALIZATION"
	ActionComplete             ActionType = "COMPLETE"
	ActionSetError             ActionType = "SET_ERROR"
	ActionRetry                ActionType = "RETRY"
	ActionReset                ActionType = "RESET"
)

type Action struct {
	Type    ActionType
	Mode    Mode
	Address string
	KeyID   string
	Err     *FlowError
}

// State is what the widget renders for the orchestration half of the flow
type State struct {
	Phase      Phase      `json:"phase"`
	Mode       Mode       `json:"mode"`
	Address    string     `json:"address,omitempty"`
	KeyID      string     `json:"key_id,omitempty"`
	Error      *FlowError `json:"error,omitempty"`
	RetryCount int        `json:"retry_count"`
}

func NewState(mode Mode) State {
	return State{Phase: PhaseIdle, Mode: mode}
}

type edge struct {
	from []Phase
	to   Phase
	mode Mode
}

var forward = map[ActionType]edge{
	ActionStartAuth:            {from: []Phase{PhaseIdle}, to: PhaseAuthenticating},
	ActionStartFetchingAccount: {from: []Phase{PhaseAuthenticating}, to: PhaseFetchingAccounts, mode: ModeLogin},
	ActionStartAccountCreation: {from: []Phase{PhaseAuthenticating}, to: PhaseCreatingAccount, mode: ModeSignup},
	ActionStartSession:         {from: []Phase{PhaseFetchingAccounts, PhaseCreatingAccount}, to: PhaseCreatingSession},
	ActionStartKeyFetching:     {from: []Phase{PhaseCreatingSession}, to: PhaseFetchingKeys, mode: ModeLogin},
	ActionStartKeyGeneration:   {from: []Phase{PhaseCreatingSession}, to: PhaseGeneratingKeys, mode: ModeSignup},
	ActionStartFinalization:    {from: []Phase{PhaseFetchingKeys, PhaseGeneratingKeys}, to: PhaseFinalizing},
}

// Reduce applies a to s. Forward actions only move along the phase graph;
// anything else is rejected with ErrInvalidTransition and s is returned unchanged.
// A retry past maxRetries leaves the flow in PhaseError with a non-recoverable error.
func Reduce(s State, a Action, maxRetries int) (State, error) {
	switch a.Type {
	case ActionReset:
		return State{Phase: PhaseIdle, Mode: s.Mode}, nil

	case ActionSetError:
		if s.Phase.Terminal() || a.Err == nil {
			return s, ErrInvalidTransition
		}
		s.Phase = PhaseError
		s.Error = a.Err
		return s, nil

	case ActionRetry:
		if s.Phase != PhaseError {
			return s, ErrInvalidTransition
		}
		if s.Error != nil && !s.Error.Recoverable {
			return s, ErrNotRecoverable
		}
		if s.RetryCount >= maxRetries {
			s.Error = &FlowError{Kind: KindNetwork, Message: retryExhaustedMessage, Recoverable: false}
			return s, nil
		}
		return State{Phase: PhaseIdle, Mode: s.Mode, RetryCount: s.RetryCount + 1}, nil

	case ActionSetKeys:
		if s.Phase != PhaseFetchingKeys && s.Phase != PhaseGeneratingKeys {
			return s, ErrInvalidTransition
		}
		s.Address = a.Address
		s.KeyID = a.KeyID
		return s, nil

	case ActionComplete:
		if s.Phase != PhaseFinalizing {
			return s, ErrInvalidTransition
		}
		s.Phase = PhaseCompleted
		if s.Mode == ModeLogin {
			s.Phase = PhaseAuthenticated
		}
		s.Error = nil
		s.RetryCount = 0
		return s, nil
	}

	e, ok := forward[a.Type]
	if !ok || !from(e.from, s.Phase) {
		return s, ErrInvalidTransition
	}
	if a.Type == ActionStartAuth && a.Mode != "" {
		s.Mode = a.Mode
	}
	if e.mode != "" && e.mode != s.Mode {
		return s, ErrInvalidTransition
	}
	if a.Type == ActionStartFinalization && s.Address == "" {
		return s, ErrInvalidTransition
	}
	s.Phase = e.to
	s.Error = nil
	return s, nil
}

func from(phases []Phase, p Phase) bool {
	for _, f := range phases {
		if f == p {
			return true
		}
	}
	return false
}
