// Package orchestrator establishes one outbound call per job: it starts the
// agent session, dials the callee, joins the two and binds the callee to the
// session, tearing everything down when any step fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/dialout/internal/events"
	"github.com/sebas/dialout/internal/job"
	"github.com/sebas/dialout/internal/metrics"
	"github.com/sebas/dialout/internal/persona"
	"github.com/sebas/dialout/internal/room"
	"github.com/sebas/dialout/internal/session"
	"github.com/sebas/dialout/internal/telephony"
)

// DefaultJoinTimeout bounds the participant wait when neither the config
// nor the trunk gives a value.
const DefaultJoinTimeout = 60 * time.Second

const teardownTimeout = 5 * time.Second

// Room is the per-call media room the orchestrator drives.
type Room interface {
	session.Room
	telephony.MediaSink
	Connect(ctx context.Context) error
	WaitForParticipant(ctx context.Context, identity string) (*room.Participant, error)
	Close() error
}

// RoomProvider creates an unconnected room for a job.
type RoomProvider interface {
	Open(j *job.CallJob) Room
}

// SessionStarter starts the agent session. Start must not block.
type SessionStarter interface {
	Start(ctx context.Context, room session.Room, agent session.Agent, opts session.Options) *session.Handle
}

// Dialer places the outbound call.
type Dialer interface {
	Dial(ctx context.Context, req telephony.DialRequest) telephony.DialOutcome
}

// Config is the orchestrator's explicit configuration.
type Config struct {
	// TrunkID is used for jobs that do not name their own trunk.
	TrunkID string

	// ParticipantJoinTimeout bounds the wait for the callee's media after
	// answer. Zero falls back to the trunk's dial timeout.
	ParticipantJoinTimeout time.Duration

	// SessionStartTimeout bounds session start. Zero means no ceiling.
	SessionStartTimeout time.Duration

	// DialTimeouts holds each trunk's dial timeout.
	DialTimeouts map[string]time.Duration

	AgentName string
	NodeID    string
	Session   session.Options
}

// Dependencies are the collaborators of an Orchestrator. Publisher, Metrics
// and Logger are optional.
type Dependencies struct {
	Rooms     RoomProvider
	Sessions  SessionStarter
	Gateway   Dialer
	Publisher events.Publisher
	Metrics   *metrics.Calls
	Logger    *slog.Logger
}

// Orchestrator establishes calls.
type Orchestrator struct {
	cfg     Config
	rooms   RoomProvider
	starter SessionStarter
	dialer  Dialer
	pub     events.Publisher
	events  *events.Builder
	metrics *metrics.Calls
	log     *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, deps Dependencies) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = events.NewNoopPublisher()
	}
	return &Orchestrator{
		cfg:     cfg,
		rooms:   deps.Rooms,
		starter: deps.Sessions,
		dialer:  deps.Gateway,
		pub:     pub,
		events:  events.NewBuilder(cfg.NodeID),
		metrics: deps.Metrics,
		log:     log,
	}
}

// JoinTimeout returns the participant join ceiling for a trunk.
func (o *Orchestrator) JoinTimeout(trunkID string) time.Duration {
	if o.cfg.ParticipantJoinTimeout > 0 {
		return o.cfg.ParticipantJoinTimeout
	}
	if d := o.cfg.DialTimeouts[trunkID]; d > 0 {
		return d
	}
	return DefaultJoinTimeout
}

// EstablishCall runs one job until the callee is bound to a ready session.
// ctx bounds the whole call, not only its establishment: cancelling it
// later ends the session.
//
// On failure every resource created for the job has been released when
// EstablishCall returns.
func (o *Orchestrator) EstablishCall(ctx context.Context, j *job.CallJob) (*EstablishedCall, error) {
	started := time.Now()
	log := o.log.With(j.LogAttrs()...)

	trunkID := j.TrunkID()
	if trunkID == "" {
		trunkID = o.cfg.TrunkID
	}
	if trunkID == "" {
		return nil, o.fail(log, j, events.StageConfig, nil, &ConfigError{
			Field:   "trunk_id",
			Message: "no outbound trunk configured (SIP_OUTBOUND_TRUNK_ID)",
		})
	}
	if j.PhoneNumber() == "" {
		return nil, o.fail(log, j, events.StageConfig, nil, &ConfigError{
			Field:   "phone_number",
			Message: "required",
		})
	}
	log = log.With("trunk", trunkID)

	rm := o.rooms.Open(j)
	if err := rm.Connect(ctx); err != nil {
		_ = rm.Close()
		return nil, o.fail(log, j, events.StageConnect, nil, &ConnectError{Room: rm.Name(), Cause: err})
	}
	log = log.With("room", rm.Name())

	p := persona.Resolve(j.Instructions())
	agent := session.Agent{Name: o.cfg.AgentName, Instructions: p.Instructions}

	log.Info("[Orchestrator] Starting call",
		"participant", j.ParticipantIdentity(),
		"persona", p.Name,
	)

	// The session starts listening before the INVITE leaves so the first
	// words after pickup reach the model.
	handle := o.starter.Start(ctx, rm, agent, o.cfg.Session)
	sess := handle.Session()

	var startTimeout <-chan time.Time
	if o.cfg.SessionStartTimeout > 0 {
		timer := time.NewTimer(o.cfg.SessionStartTimeout)
		defer timer.Stop()
		startTimeout = timer.C
	}

	o.pub.PublishAsync(o.events.CallDialing(j.ID()).
		Number(j.PhoneNumber()).
		Trunk(trunkID).
		Client(j.ClientName()).
		Participant(j.ParticipantIdentity()).
		Room(rm.Name()).
		Timeout(o.cfg.DialTimeouts[trunkID]).
		CustomInstructions(p.Custom).
		Build())

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	dialResult := make(chan telephony.DialOutcome, 1)
	dialStarted := time.Now()
	go func() {
		dialResult <- o.dialer.Dial(dialCtx, telephony.DialRequest{
			TrunkID:             trunkID,
			Number:              j.PhoneNumber(),
			ParticipantIdentity: j.ParticipantIdentity(),
			Media:               rm,
			WaitUntilAnswered:   true,
		})
	}()

	// Join the dial with the session start. Whichever finishes first, the
	// other is still pending.
	var (
		outcome     telephony.DialOutcome
		startErr    error
		sessionDone = handle.Done()
	)
	for dialing := true; dialing; {
		select {
		case outcome = <-dialResult:
			dialing = false
		case <-sessionDone:
			sessionDone = nil
			startTimeout = nil
			if err := handle.Err(); err != nil {
				startErr = err
				cancelDial()
			}
		case <-startTimeout:
			startTimeout = nil
			sessionDone = nil
			startErr = fmt.Errorf("session not ready after %s: %w", o.cfg.SessionStartTimeout, context.DeadlineExceeded)
			handle.Cancel()
			cancelDial()
		}
	}
	o.metrics.RecordDial(trunkID, outcome.Kind.String(), outcome.CodeClass())

	if startErr != nil {
		// The dial was cancelled because the session failed first; it may
		// still have been answered in the meantime.
		o.teardown(log, handle, outcome.Call, rm)
		return nil, o.fail(log, j, events.StageSessionStart, &outcome, &SessionStartError{Cause: startErr})
	}

	if !outcome.Answered() {
		o.teardown(log, handle, nil, rm)
		return nil, o.fail(log, j, events.StageDial, &outcome, &DialFailedError{
			Reason: outcome.Reason,
			Code:   outcome.Code,
			Kind:   outcome.Kind,
			Cause:  outcome.DialError(trunkID, j.PhoneNumber()),
		})
	}
	call := outcome.Call
	log = log.With("call_id", call.ID())

	o.pub.PublishAsync(o.events.CallAnswered(j.ID(), call.ID()).
		StatusCode(outcome.Code).
		Room(rm.Name()).
		DialDuration(time.Since(dialStarted)).
		Build())

	if sessionDone != nil {
		select {
		case <-handle.Done():
			startErr = handle.Err()
		case <-startTimeout:
			startErr = fmt.Errorf("session not ready after %s: %w", o.cfg.SessionStartTimeout, context.DeadlineExceeded)
		case <-ctx.Done():
			startErr = ctx.Err()
		}
	}
	if startErr != nil {
		o.teardown(log, handle, call, rm)
		return nil, o.fail(log, j, events.StageSessionStart, &outcome, &SessionStartError{Cause: startErr})
	}

	participant, err := o.awaitParticipant(ctx, rm, sess, call, j.ParticipantIdentity(), o.JoinTimeout(trunkID))
	if err != nil {
		o.teardown(log, handle, call, rm)
		return nil, o.fail(log, j, events.StageJoin, &outcome, err)
	}
	log.Info("[Orchestrator] Participant joined", "participant", participant.Identity)

	if err := sess.Bind(participant); err != nil {
		if errors.Is(err, session.ErrEnded) {
			err = &SessionStartError{Cause: err}
		}
		o.teardown(log, handle, call, rm)
		return nil, o.fail(log, j, events.StageBind, &outcome, err)
	}

	setup := time.Since(started)
	log.Info("[Orchestrator] Call established",
		"participant", participant.Identity,
		"session_id", sess.ID(),
		"setup", setup.Round(time.Millisecond),
	)
	o.metrics.RecordJob(Kind(nil))
	o.metrics.RecordEstablished(setup, sess.StartupLatency())
	o.pub.PublishAsync(o.events.CallEstablished(j.ID(), call.ID(), sess.ID()).
		Participant(participant.Identity).
		Room(rm.Name()).
		SetupDuration(setup).
		SessionStartup(sess.StartupLatency()).
		Build())

	ec := &EstablishedCall{
		Job:         j,
		Session:     sess,
		Participant: participant,
		Call:        call,
		Room:        rm,
		handle:      handle,
		established: time.Now(),
		done:        make(chan struct{}),
	}
	go o.watch(log, ec)
	return ec, nil
}

// awaitParticipant waits for the callee's media. The wait also stops early
// when the session or the call ends underneath it.
func (o *Orchestrator) awaitParticipant(ctx context.Context, rm Room, sess *session.CallSession, call *telephony.Call, identity string, timeout time.Duration) (*room.Participant, error) {
	joinCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-call.Done():
			cancel()
		case <-joinCtx.Done():
		}
	}()

	p, err := rm.WaitForParticipant(joinCtx, identity)
	if err == nil {
		return p, nil
	}

	select {
	case <-call.Done():
		return nil, fmt.Errorf("%w: callee hung up before media arrived", ErrCallEnded)
	default:
	}
	select {
	case <-sess.Done():
		return nil, &SessionStartError{Cause: fmt.Errorf("session ended before the callee joined: %s", sess.EndReason())}
	default:
	}
	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("waiting for participant: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &ParticipantJoinTimeoutError{Identity: identity, Timeout: timeout}
	default:
		return nil, &ConnectError{Room: rm.Name(), Cause: err}
	}
}

// teardown releases whatever part of a call was established: BYE for an
// answered call, then the session, then the room.
func (o *Orchestrator) teardown(log *slog.Logger, handle *session.Handle, call *telephony.Call, rm Room) {
	if call != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := call.Hangup(ctx); err != nil {
			log.Warn("[Orchestrator] BYE failed during teardown", "error", err)
		}
		cancel()
	}
	handle.Cancel()
	if err := rm.Close(); err != nil {
		log.Debug("[Orchestrator] Room close failed", "error", err)
	}
}

// fail logs the single error line for a failed job, publishes call.failed
// and counts it. It returns err unchanged.
func (o *Orchestrator) fail(log *slog.Logger, j *job.CallJob, stage events.Stage, outcome *telephony.DialOutcome, err error) error {
	kind := Kind(err)
	attrs := []any{"kind", kind, "stage", string(stage), "error", err}
	fb := o.events.CallFailed(j.ID(), stage, err)
	if outcome != nil && outcome.Code != 0 {
		attrs = append(attrs, "sip_status_code", outcome.Code, "sip_status", outcome.Reason)
		fb.Outcome(outcome.Kind.String()).SIPStatus(outcome.Code, outcome.Reason)
		if outcome.Call != nil {
			fb.SIPCallID(outcome.Call.ID())
		}
	}

	msg := "[Orchestrator] Call establishment failed"
	if stage == events.StageDial {
		msg = "[Orchestrator] Dial failed"
	}
	log.Error(msg, attrs...)

	o.metrics.RecordJob(kind)
	o.pub.PublishAsync(fb.Build())
	return err
}

// watch ends the other half of an established call when one half goes away,
// then releases the room.
func (o *Orchestrator) watch(log *slog.Logger, ec *EstablishedCall) {
	var reason string
	select {
	case <-ec.Call.Done():
		reason = session.EndReasonHangup
		if ec.Call.EndCause() == telephony.EndCauseRemote {
			reason = session.EndReasonRemote
		}
		ec.Session.End(reason)
	case <-ec.Session.Done():
		reason = ec.Session.EndReason()
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := ec.Call.Hangup(ctx); err != nil {
			log.Warn("[Orchestrator] BYE failed", "error", err)
		}
		cancel()
	}
	ec.handle.Cancel()
	if err := ec.Room.Close(); err != nil {
		log.Debug("[Orchestrator] Room close failed", "error", err)
	}

	duration := time.Since(ec.established)
	log.Info("[Orchestrator] Call ended", "reason", reason, "duration", duration.Round(time.Second))
	o.metrics.RecordCallEnded(reason, duration)
	o.pub.PublishAsync(o.events.CallEnded(ec.Job.ID(), ec.Call.ID(), ec.Session.ID(), reason, duration))
	ec.finish(reason)
}

// EstablishedCall is a live call bound to its agent session.
type EstablishedCall struct {
	Job         *job.CallJob
	Session     *session.CallSession
	Participant *room.Participant
	Call        *telephony.Call
	Room        Room

	handle      *session.Handle
	established time.Time

	mu     sync.Mutex
	reason string
	done   chan struct{}
}

// Hangup ends the call from our side: BYE to the callee, then the session
// and the room. It waits for teardown to finish or ctx to end.
func (c *EstablishedCall) Hangup(ctx context.Context) error {
	err := c.Call.Hangup(ctx)
	select {
	case <-c.done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// Done is closed once the call and its session have ended and the room is
// released.
func (c *EstablishedCall) Done() <-chan struct{} { return c.done }

// EndReason returns why the call ended, or "" while it is up.
func (c *EstablishedCall) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// EstablishedAt returns when the callee was bound.
func (c *EstablishedCall) EstablishedAt() time.Time { return c.established }

func (c *EstablishedCall) finish(reason string) {
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	close(c.done)
}
