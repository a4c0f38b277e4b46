// Package events defines outbound call lifecycle events and the publishers
// that ship them. Events are plain JSON so any NATS consumer can read them.
package events

import "time"

// EventType identifies the type of call event
type EventType string

const (
	// CallDialing fires when the INVITE for a job is about to be sent
	CallDialing EventType = "call.dialing"
	// CallAnswered fires when the callee answered with a 2xx
	CallAnswered EventType = "call.answered"
	// CallEstablished fires when the agent session is bound to the callee
	CallEstablished EventType = "call.established"
	// CallFailed fires when establishment stopped at any stage
	CallFailed EventType = "call.failed"
	// CallEnded fires when an established call terminates
	CallEnded EventType = "call.ended"
)

// Stage names the establishment step a failure happened in.
type Stage string

const (
	StageConfig       Stage = "config"
	StageConnect      Stage = "connect"
	StageDial         Stage = "dial"
	StageSessionStart Stage = "session_start"
	StageJoin         Stage = "participant_join"
	StageBind         Stage = "bind"
)

// Event is the base interface for all call events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the NATS subject this event should publish to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// JobID returns the primary correlation ID
	JobID() string
	// ID returns the unique event id used for deduplication
	ID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	// Job is the call job id; every event of one call shares it
	Job       string `json:"job_id"`
	SIPCallID string `json:"sip_call_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Room      string `json:"room,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) JobID() string        { return e.Job }
func (e *BaseEvent) ID() string           { return e.EventID }

// Subject returns the NATS subject for routing.
// Format: dialout.calls.<job_id>.<event_type_suffix>
func (e *BaseEvent) Subject() string {
	return CallSubject(e.Job, e.EventType)
}

// CallDialingEvent fires before the INVITE goes out
type CallDialingEvent struct {
	BaseEvent
	PhoneNumber         string `json:"phone_number"`
	TrunkID             string `json:"trunk_id"`
	ClientName          string `json:"client_name,omitempty"`
	ParticipantIdentity string `json:"participant_identity"`
	DialTimeout         int    `json:"dial_timeout"` // seconds
	CustomInstructions  bool   `json:"custom_instructions"`
}

// CallAnsweredEvent fires when the far end answered
type CallAnsweredEvent struct {
	BaseEvent
	SIPStatusCode  int    `json:"sip_status_code"`
	Codec          string `json:"codec,omitempty"`
	DialDurationMs int64  `json:"dial_duration_ms"`
}

// CallEstablishedEvent fires when the call is handed to the agent
type CallEstablishedEvent struct {
	BaseEvent
	ParticipantIdentity string `json:"participant_identity"`
	SetupDurationMs     int64  `json:"setup_duration_ms"`
	SessionStartupMs    int64  `json:"session_startup_ms"`
}

// CallFailedEvent fires when establishment did not complete
type CallFailedEvent struct {
	BaseEvent
	Stage         Stage  `json:"stage"`
	Outcome       string `json:"outcome,omitempty"` // rejected, timeout
	SIPStatusCode int    `json:"sip_status_code,omitempty"`
	SIPStatus     string `json:"sip_status,omitempty"`
	Error         string `json:"error"`
}

// CallEndedEvent fires when an established call terminates
type CallEndedEvent struct {
	BaseEvent
	Reason      string  `json:"reason"`
	DurationSec float64 `json:"duration_sec"`
}
