package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder provides fluent construction of call events with consistent defaults.
type Builder struct {
	nodeID string
}

// NewBuilder creates an event builder stamping nodeID on every event.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

func (b *Builder) newBase(eventType EventType, jobID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Job:       jobID,
		NodeID:    b.nodeID,
	}
}

// CallDialingBuilder constructs CallDialingEvent.
type CallDialingBuilder struct {
	event *CallDialingEvent
}

// CallDialing starts building a CallDialingEvent.
func (b *Builder) CallDialing(jobID string) *CallDialingBuilder {
	return &CallDialingBuilder{
		event: &CallDialingEvent{BaseEvent: b.newBase(CallDialing, jobID)},
	}
}

func (cb *CallDialingBuilder) Number(number string) *CallDialingBuilder {
	cb.event.PhoneNumber = number
	return cb
}

func (cb *CallDialingBuilder) Trunk(id string) *CallDialingBuilder {
	cb.event.TrunkID = id
	return cb
}

func (cb *CallDialingBuilder) Client(name string) *CallDialingBuilder {
	cb.event.ClientName = name
	return cb
}

func (cb *CallDialingBuilder) Participant(identity string) *CallDialingBuilder {
	cb.event.ParticipantIdentity = identity
	return cb
}

func (cb *CallDialingBuilder) Room(name string) *CallDialingBuilder {
	cb.event.Room = name
	return cb
}

func (cb *CallDialingBuilder) Timeout(d time.Duration) *CallDialingBuilder {
	cb.event.DialTimeout = int(d.Seconds())
	return cb
}

func (cb *CallDialingBuilder) CustomInstructions(custom bool) *CallDialingBuilder {
	cb.event.CustomInstructions = custom
	return cb
}

func (cb *CallDialingBuilder) Build() *CallDialingEvent {
	return cb.event
}

// CallAnsweredBuilder constructs CallAnsweredEvent.
type CallAnsweredBuilder struct {
	event *CallAnsweredEvent
}

// CallAnswered starts building a CallAnsweredEvent.
func (b *Builder) CallAnswered(jobID, sipCallID string) *CallAnsweredBuilder {
	base := b.newBase(CallAnswered, jobID)
	base.SIPCallID = sipCallID
	return &CallAnsweredBuilder{
		event: &CallAnsweredEvent{BaseEvent: base, SIPStatusCode: 200},
	}
}

func (cb *CallAnsweredBuilder) StatusCode(code int) *CallAnsweredBuilder {
	cb.event.SIPStatusCode = code
	return cb
}

func (cb *CallAnsweredBuilder) Codec(name string) *CallAnsweredBuilder {
	cb.event.Codec = name
	return cb
}

func (cb *CallAnsweredBuilder) Room(name string) *CallAnsweredBuilder {
	cb.event.Room = name
	return cb
}

func (cb *CallAnsweredBuilder) DialDuration(d time.Duration) *CallAnsweredBuilder {
	cb.event.DialDurationMs = d.Milliseconds()
	return cb
}

func (cb *CallAnsweredBuilder) Build() *CallAnsweredEvent {
	return cb.event
}

// CallEstablishedBuilder constructs CallEstablishedEvent.
type CallEstablishedBuilder struct {
	event *CallEstablishedEvent
}

// CallEstablished starts building a CallEstablishedEvent.
func (b *Builder) CallEstablished(jobID, sipCallID, sessionID string) *CallEstablishedBuilder {
	base := b.newBase(CallEstablished, jobID)
	base.SIPCallID = sipCallID
	base.SessionID = sessionID
	return &CallEstablishedBuilder{
		event: &CallEstablishedEvent{BaseEvent: base},
	}
}

func (cb *CallEstablishedBuilder) Participant(identity string) *CallEstablishedBuilder {
	cb.event.ParticipantIdentity = identity
	return cb
}

func (cb *CallEstablishedBuilder) Room(name string) *CallEstablishedBuilder {
	cb.event.Room = name
	return cb
}

func (cb *CallEstablishedBuilder) SetupDuration(d time.Duration) *CallEstablishedBuilder {
	cb.event.SetupDurationMs = d.Milliseconds()
	return cb
}

func (cb *CallEstablishedBuilder) SessionStartup(d time.Duration) *CallEstablishedBuilder {
	cb.event.SessionStartupMs = d.Milliseconds()
	return cb
}

func (cb *CallEstablishedBuilder) Build() *CallEstablishedEvent {
	return cb.event
}

// CallFailedBuilder constructs CallFailedEvent.
type CallFailedBuilder struct {
	event *CallFailedEvent
}

// CallFailed starts building a CallFailedEvent for a failure at stage.
func (b *Builder) CallFailed(jobID string, stage Stage, err error) *CallFailedBuilder {
	ev := &CallFailedEvent{BaseEvent: b.newBase(CallFailed, jobID), Stage: stage}
	if err != nil {
		ev.Error = err.Error()
	}
	return &CallFailedBuilder{event: ev}
}

func (cb *CallFailedBuilder) Outcome(kind string) *CallFailedBuilder {
	cb.event.Outcome = kind
	return cb
}

func (cb *CallFailedBuilder) SIPStatus(code int, reason string) *CallFailedBuilder {
	cb.event.SIPStatusCode = code
	cb.event.SIPStatus = reason
	return cb
}

func (cb *CallFailedBuilder) SIPCallID(id string) *CallFailedBuilder {
	cb.event.SIPCallID = id
	return cb
}

func (cb *CallFailedBuilder) Room(name string) *CallFailedBuilder {
	cb.event.Room = name
	return cb
}

func (cb *CallFailedBuilder) Build() *CallFailedEvent {
	return cb.event
}

// CallEnded builds a CallEndedEvent. It has few enough fields that no
// builder type is needed.
func (b *Builder) CallEnded(jobID, sipCallID, sessionID, reason string, duration time.Duration) *CallEndedEvent {
	base := b.newBase(CallEnded, jobID)
	base.SIPCallID = sipCallID
	base.SessionID = sessionID
	return &CallEndedEvent{
		BaseEvent:   base,
		Reason:      reason,
		DurationSec: duration.Seconds(),
	}
}
