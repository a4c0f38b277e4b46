package telephony

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrAsyncDialUnsupported is returned for dials that do not wait for
	// the callee to answer.
	ErrAsyncDialUnsupported = errors.New("dial without waiting for answer is not supported")

	// ErrUnknownTrunk indicates the trunk id is not in the registry.
	ErrUnknownTrunk = errors.New("unknown trunk")

	// ErrDialTimeout indicates the trunk's dial timeout expired before an answer.
	ErrDialTimeout = errors.New("dial timeout")

	// ErrDialCanceled indicates the dial was canceled by the caller.
	ErrDialCanceled = errors.New("dial canceled")

	// ErrNoMediaSink indicates a dial request without a media endpoint.
	ErrNoMediaSink = errors.New("no media sink")
)

// DialError is a failed dial as seen from outside the gateway: which
// number on which trunk, and how the trunk ended it.
type DialError struct {
	Trunk     string
	Number    string
	Kind      OutcomeKind
	SIPCode   int // 0 when no final response arrived
	SIPReason string
	Cause     error
}

func (e *DialError) Error() string {
	msg := fmt.Sprintf("%s via %s: %s", e.Number, e.Trunk, e.Kind)
	if e.SIPCode > 0 {
		msg += fmt.Sprintf(" (SIP %d %s)", e.SIPCode, e.SIPReason)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DialError) Unwrap() error { return e.Cause }

// IsTimeout reports whether nobody answered before the trunk's dial timeout.
func (e *DialError) IsTimeout() bool {
	return e.Kind == Timeout || errors.Is(e.Cause, ErrDialTimeout)
}

// IsCanceled reports whether we gave up on the dial ourselves.
func (e *DialError) IsCanceled() bool {
	return errors.Is(e.Cause, ErrDialCanceled)
}

// IsRejected reports a 4xx-6xx final response from the far end.
func (e *DialError) IsRejected() bool {
	return e.Kind == Rejected && e.SIPCode >= 400 && e.SIPCode < 700
}

// IsBusy reports 486 Busy Here or 600 Busy Everywhere.
func (e *DialError) IsBusy() bool {
	return e.SIPCode == 486 || e.SIPCode == 600
}

// IsUnavailable reports 480 Temporarily Unavailable.
func (e *DialError) IsUnavailable() bool {
	return e.SIPCode == 480
}
