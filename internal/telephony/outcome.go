package telephony

import "fmt"

// OutcomeKind classifies how a dial attempt ended.
type OutcomeKind int

const (
	Answered OutcomeKind = iota
	Rejected
	Timeout
)

func (k OutcomeKind) String() string {
	switch k {
	case Answered:
		return "answered"
	case Rejected:
		return "rejected"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// DialOutcome is the result of one Dial. Code and Reason carry the SIP
// status exactly as the trunk sent it.
type DialOutcome struct {
	Kind   OutcomeKind
	Code   int
	Reason string
	Err    error
	Call   *Call // set when Kind is Answered
}

// Answered reports whether the callee picked up.
func (o DialOutcome) Answered() bool {
	return o.Kind == Answered && o.Call != nil
}

// CodeClass returns "2xx", "4xx" and so on, or "none" without a status.
func (o DialOutcome) CodeClass() string {
	if o.Code < 100 || o.Code > 699 {
		return "none"
	}
	return fmt.Sprintf("%dxx", o.Code/100)
}

// DialError converts a failed outcome into a *DialError, or nil when answered.
func (o DialOutcome) DialError(trunk, number string) error {
	if o.Kind == Answered {
		return nil
	}
	return &DialError{
		Trunk:     trunk,
		Number:    number,
		Kind:      o.Kind,
		SIPCode:   o.Code,
		SIPReason: o.Reason,
		Cause:     o.Err,
	}
}

func rejected(code int, reason string, err error) DialOutcome {
	return DialOutcome{Kind: Rejected, Code: code, Reason: reason, Err: err}
}

func timedOut(code int, reason string, err error) DialOutcome {
	return DialOutcome{Kind: Timeout, Code: code, Reason: reason, Err: err}
}

// outcomeForStatus maps a final SIP response to an outcome. Provisional
// responses are not final and must not reach here.
func outcomeForStatus(code int, reason string) DialOutcome {
	switch {
	case code >= 200 && code < 300:
		return DialOutcome{Kind: Answered, Code: code, Reason: reason}
	default:
		return rejected(code, reason, nil)
	}
}
