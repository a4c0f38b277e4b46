// Package session runs the duplex audio session between a call's room and
// a realtime voice model.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Room is the media side a session attaches to.
type Room interface {
	Name() string
	Inbound() <-chan []byte
	WriteAudio(pcm []byte) error
	ClearAudio()
}

// Controller starts sessions against a realtime model.
type Controller struct {
	model     RealtimeModel
	newFilter func(Options) AudioFilter
	log       *slog.Logger
}

// NewController creates a Controller. Callee audio passes through a
// NoiseGate configured from each session's options.
func NewController(model RealtimeModel, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		model: model,
		newFilter: func(o Options) AudioFilter {
			return NewNoiseGate(o.NoiseGateThreshold)
		},
		log: log,
	}
}

// Start begins a session against room and returns at once. The returned
// handle resolves when the model has acknowledged the setup and the audio
// pipeline is wired, or when starting failed.
func (c *Controller) Start(ctx context.Context, room Room, agent Agent, opts Options) *Handle {
	opts = opts.withDefaults()
	runCtx, cancel := context.WithCancel(ctx)

	s := newCallSession(room.Name())
	s.stop = cancel
	h := &Handle{
		session: s,
		done:    make(chan struct{}),
	}

	go c.run(runCtx, h, room, agent, opts)
	return h
}

func (c *Controller) run(ctx context.Context, h *Handle, room Room, agent Agent, opts Options) {
	s := h.session
	log := c.log.With("session_id", s.ID(), "room", room.Name())
	log.Debug("[Session] Starting", "agent", agent.Name, "model", opts.Model, "voice", opts.Voice)

	conn, err := c.model.Connect(ctx, ModelConfig{
		Model:                opts.Model,
		Voice:                opts.Voice,
		Instructions:         agent.Instructions,
		PreemptiveGeneration: opts.PreemptiveGeneration,
		MinEndpointingDelay:  opts.MinEndpointingDelay,
		MaxEndpointingDelay:  opts.MaxEndpointingDelay,
		InputSampleRate:      opts.InputSampleRate,
		OutputSampleRate:     opts.OutputSampleRate,
	})
	if err == nil && ctx.Err() != nil {
		conn.Close()
		err = ctx.Err()
	}
	if err != nil {
		s.End(EndReasonStartFailed)
		h.resolve(&StartError{Session: s.ID(), Cause: err})
		return
	}

	if err := s.transition(StateReady); err != nil {
		conn.Close()
		h.resolve(&StartError{Session: s.ID(), Cause: err})
		return
	}
	log.Info("[Session] Ready", "startup", s.StartupLatency().Round(time.Millisecond))
	h.resolve(nil)

	b := &bridge{
		room:   room,
		conn:   conn,
		filter: c.newFilter(opts),
		opts:   opts,
		log:    log,
	}
	reason := b.run(ctx)
	conn.Close()
	if s.End(reason) {
		log.Info("[Session] Ended", "reason", reason)
	}
}

// Handle is the future for a starting session.
type Handle struct {
	session *CallSession

	once sync.Once
	done chan struct{}
	err  error
}

func (h *Handle) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the start has succeeded or failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the start error. Only meaningful after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the session is ready, starting fails, or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*CallSession, error) {
	select {
	case <-h.done:
		if h.err != nil {
			return nil, h.err
		}
		return h.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Session returns the session, whatever its state.
func (h *Handle) Session() *CallSession { return h.session }

// Cancel aborts a start in progress, or ends a running session.
func (h *Handle) Cancel() {
	h.resolve(&StartError{Session: h.session.ID(), Cause: context.Canceled})
	h.session.End(EndReasonCancelled)
}
