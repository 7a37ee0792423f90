package presence

import (
	"errors"
	"fmt"
)

var (
	ErrLifecycleOrder    = errors.New("presence: invalid session transition")
	ErrUnexpectedMessage = errors.New("presence: unexpected message")
	ErrSessionReused     = errors.New("presence: session already ran")
	ErrDuplicateSession  = errors.New("presence: duplicate session id")
	ErrNoSessions        = errors.New("presence: no session specs")
	ErrAlreadyRunning    = errors.New("presence: orchestrator already running")
)

// State is one session lifecycle state.
type State string

const (
	StateConnecting        State = "connecting"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateAuthenticating    State = "authenticating"
	StateHeartbeating      State = "heartbeating"
	StateClosing           State = "closing"
	StateClosed            State = "closed"
)

var transitions = map[State][]State{
	StateConnecting:        {StateAwaitingChallenge, StateClosed},
	StateAwaitingChallenge: {StateAuthenticating, StateClosing},
	StateAuthenticating:    {StateHeartbeating, StateClosing},
	StateHeartbeating:      {StateClosing},
	StateClosing:           {StateClosed},
}

func (s State) Terminal() bool {
	return s == StateClosed
}

// CanTransition reports whether from -> to is a legal session step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}

// EndReason says why a session reached closed.
type EndReason string

const (
	ReasonConnectFailed    EndReason = "connect_failed"
	ReasonConnectionClosed EndReason = "connection_closed"
	ReasonProtocolError    EndReason = "protocol_error"
	ReasonCancelled        EndReason = "cancelled"
)
