package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sebas/dialout/internal/session"
	"github.com/sebas/dialout/internal/telephony"
)

var (
	ErrConfig                 = errors.New("configuration error")
	ErrConnect                = errors.New("room connect failed")
	ErrSessionStart           = errors.New("session start failed")
	ErrDialFailed             = errors.New("dial failed")
	ErrParticipantJoinTimeout = errors.New("participant join timeout")
	ErrCallEnded              = errors.New("call ended during establishment")

	// ErrAlreadyBound means two different callees were bound to one
	// session. It indicates a defect, never a callee-side failure.
	ErrAlreadyBound = session.ErrAlreadyBound
)

// AlreadyBoundError is returned when binding a second participant.
type AlreadyBoundError = session.AlreadyBoundError

// ConfigError means the deployment cannot place this call at all.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ConnectError wraps a failure to bring up the call's room.
type ConnectError struct {
	Room  string
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect room %s: %v", e.Room, e.Cause)
}

func (e *ConnectError) Unwrap() error        { return e.Cause }
func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// SessionStartError wraps a failure of the realtime session to start.
type SessionStartError struct {
	Cause error
}

func (e *SessionStartError) Error() string {
	return fmt.Sprintf("session start: %v", e.Cause)
}

func (e *SessionStartError) Unwrap() error        { return e.Cause }
func (e *SessionStartError) Is(target error) bool { return target == ErrSessionStart }

// DialFailedError reports a dial that was not answered. Reason and Code are
// the trunk's SIP status, unmodified. Cause is a *telephony.DialError.
type DialFailedError struct {
	Reason string
	Code   int
	Kind   telephony.OutcomeKind
	Cause  error
}

func (e *DialFailedError) Error() string {
	if e.Cause != nil {
		return "dial failed: " + e.Cause.Error()
	}
	return fmt.Sprintf("dial %s: %d %s", e.Kind, e.Code, e.Reason)
}

func (e *DialFailedError) Unwrap() error        { return e.Cause }
func (e *DialFailedError) Is(target error) bool { return target == ErrDialFailed }

// ParticipantJoinTimeoutError means the call was answered but the callee's
// media never reached the room.
type ParticipantJoinTimeoutError struct {
	Identity string
	Timeout  time.Duration
}

func (e *ParticipantJoinTimeoutError) Error() string {
	return fmt.Sprintf("participant %q did not join within %s", e.Identity, e.Timeout)
}

func (e *ParticipantJoinTimeoutError) Is(target error) bool {
	return target == ErrParticipantJoinTimeout
}

// Kind returns a short label for err, used in logs, metrics and API replies.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrConnect):
		return "connect"
	case errors.Is(err, ErrSessionStart):
		return "session_start"
	case errors.Is(err, ErrDialFailed):
		return "dial_failed"
	case errors.Is(err, ErrParticipantJoinTimeout):
		return "participant_join_timeout"
	case errors.Is(err, ErrAlreadyBound):
		return "already_bound"
	case errors.Is(err, ErrCallEnded):
		return "call_ended"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
