package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyBound indicates the session is bound to a different participant.
	ErrAlreadyBound = errors.New("session already bound to another participant")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrEnded indicates the session has already ended.
	ErrEnded = errors.New("session ended")
)

// AlreadyBoundError is returned when binding a second identity.
type AlreadyBoundError struct {
	Session   string
	Bound     string
	Requested string
}

func (e *AlreadyBoundError) Error() string {
	return fmt.Sprintf("session %s: bound to %q, cannot bind %q", e.Session, e.Bound, e.Requested)
}

// Unwrap returns ErrAlreadyBound.
func (e *AlreadyBoundError) Unwrap() error {
	return ErrAlreadyBound
}

// StateTransitionError indicates an invalid state transition was attempted.
type StateTransitionError struct {
	Session string
	From    State
	To      State
	Message string
}

// Error returns the error message.
func (e *StateTransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("session %s: cannot transition from %s to %s: %s",
			e.Session, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("session %s: cannot transition from %s to %s",
		e.Session, e.From, e.To)
}

// Unwrap returns ErrInvalidState.
func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidState
}

// Is also matches ErrEnded when the session had already ended.
func (e *StateTransitionError) Is(target error) bool {
	return target == ErrEnded && e.From == StateEnded
}

// StartError reports that a session could not be fully started. Start
// failures are not retried.
type StartError struct {
	Session string
	Cause   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("session %s: start failed: %v", e.Session, e.Cause)
}

func (e *StartError) Unwrap() error {
	return e.Cause
}
