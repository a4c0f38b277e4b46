package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/dialout/internal/room"
)

// State is the lifecycle state of a CallSession.
type State int

const (
	StateStarting State = iota
	StateReady
	StateBound
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBound:
		return "bound"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// validTransitions lists the legal moves. Ended is reachable from anywhere.
var validTransitions = map[State][]State{
	StateStarting: {StateReady, StateEnded},
	StateReady:    {StateBound, StateEnded},
	StateBound:    {StateEnded},
}

// CallSession is one agent conversation attached to a room.
type CallSession struct {
	id       string
	roomName string
	created  time.Time

	mu          sync.Mutex
	state       State
	participant *room.Participant
	readyAt     time.Time
	endReason   string
	onEnded     []func(reason string)
	done        chan struct{}

	stop func() // stops the audio bridge
}

func newCallSession(roomName string) *CallSession {
	return &CallSession{
		id:       uuid.New().String(),
		roomName: roomName,
		created:  time.Now(),
		state:    StateStarting,
		done:     make(chan struct{}),
	}
}

// ID returns the session id.
func (s *CallSession) ID() string { return s.id }

// RoomName returns the room the session is attached to.
func (s *CallSession) RoomName() string { return s.roomName }

// State returns the current lifecycle state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Participant returns the bound participant, or nil.
func (s *CallSession) Participant() *room.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participant
}

// StartupLatency returns how long the session took to become ready.
func (s *CallSession) StartupLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readyAt.IsZero() {
		return 0
	}
	return s.readyAt.Sub(s.created)
}

// Done is closed when the session ends.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// EndReason returns why the session ended, or "".
func (s *CallSession) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Bind records p as the session's callee. Binding the identity that is
// already bound is a no-op; a different identity is an *AlreadyBoundError.
func (s *CallSession) Bind(p *room.Participant) error {
	if p == nil {
		return &StateTransitionError{Session: s.id, From: s.State(), To: StateBound, Message: "nil participant"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateBound:
		if s.participant.Identity == p.Identity {
			return nil
		}
		return &AlreadyBoundError{Session: s.id, Bound: s.participant.Identity, Requested: p.Identity}
	case StateReady:
		s.participant = p
		s.state = StateBound
		slog.Debug("[Session] Bound participant", "session_id", s.id, "identity", p.Identity)
		return nil
	default:
		return &StateTransitionError{Session: s.id, From: s.state, To: StateBound}
	}
}

// OnEnded registers fn to run once when the session ends. If it has
// already ended, fn runs immediately.
func (s *CallSession) OnEnded(fn func(reason string)) {
	s.mu.Lock()
	if s.state == StateEnded {
		reason := s.endReason
		s.mu.Unlock()
		fn(reason)
		return
	}
	s.onEnded = append(s.onEnded, fn)
	s.mu.Unlock()
}

func (s *CallSession) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *CallSession) transitionLocked(to State) error {
	for _, allowed := range validTransitions[s.state] {
		if allowed == to {
			s.state = to
			if to == StateReady {
				s.readyAt = time.Now()
			}
			return nil
		}
	}
	return &StateTransitionError{Session: s.id, From: s.state, To: to}
}

// End reasons.
const (
	EndReasonCancelled   = "cancelled"
	EndReasonStartFailed = "start_failed"
	EndReasonHangup      = "hangup"
	EndReasonRemote      = "remote_hangup"
	EndReasonRoomClosed  = "room_closed"
	EndReasonModelClosed = "model_closed"
	EndReasonModelError  = "model_error"
)

// End stops the session's audio and moves it to ended. It reports whether
// this call ended it.
func (s *CallSession) End(reason string) bool {
	if !s.end(reason) {
		return false
	}
	if s.stop != nil {
		s.stop()
	}
	return true
}

// end moves the session to ended and runs the callbacks.
func (s *CallSession) end(reason string) bool {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return false
	}
	s.state = StateEnded
	s.endReason = reason
	callbacks := s.onEnded
	s.onEnded = nil
	close(s.done)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason)
	}
	return true
}
