package events

import "strings"

// SubjectPrefix is the root of every subject this service publishes on.
const SubjectPrefix = "dialout"

// Subject patterns for subscribers.
const (
	// AllCalls matches every call event
	AllCalls = SubjectPrefix + ".calls.>"
	// AllFailures matches failed establishments across calls
	AllFailures = SubjectPrefix + ".calls.*.failed"
	// AllEnded matches call terminations across calls
	AllEnded = SubjectPrefix + ".calls.*.ended"
)

// CallSubject returns the subject for one job's event of type t.
func CallSubject(jobID string, t EventType) string {
	return SubjectPrefix + ".calls." + sanitizeToken(jobID) + "." + suffix(t)
}

// CallPattern matches every event of one job.
func CallPattern(jobID string) string {
	return SubjectPrefix + ".calls." + sanitizeToken(jobID) + ".>"
}

func suffix(t EventType) string {
	return strings.TrimPrefix(string(t), "call.")
}

// sanitizeToken keeps a subject token free of the separators and wildcards
// NATS reserves.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
