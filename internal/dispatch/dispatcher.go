// Package dispatch turns incoming job metadata into running calls. It owns
// the worker's concurrency limit, per-trunk pacing and the registry of
// calls in progress.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sebas/dialout/internal/job"
	"github.com/sebas/dialout/internal/metrics"
	"github.com/sebas/dialout/internal/orchestrator"
)

var (
	ErrAtCapacity = errors.New("worker at call capacity")
	ErrDuplicate  = errors.New("job already running")
	ErrNotFound   = errors.New("call not found")
	ErrStopped    = errors.New("dispatcher not running")
)

// Call is an established call as the dispatcher sees it.
type Call interface {
	Done() <-chan struct{}
	Hangup(ctx context.Context) error
}

// EstablishFunc establishes one call.
type EstablishFunc func(ctx context.Context, j *job.CallJob) (Call, error)

// Orchestrated adapts an Orchestrator to an EstablishFunc.
func Orchestrated(o *orchestrator.Orchestrator) EstablishFunc {
	return func(ctx context.Context, j *job.CallJob) (Call, error) {
		ec, err := o.EstablishCall(ctx, j)
		if err != nil {
			return nil, err
		}
		return ec, nil
	}
}

// TrunkLimit paces call attempts on one trunk.
type TrunkLimit struct {
	CallsPerSecond float64
	Burst          int
}

// Config configures a Dispatcher.
type Config struct {
	MaxConcurrent int
	DefaultTrunk  string
	TrunkLimits   map[string]TrunkLimit
}

// State of a dispatched call.
const (
	StateEstablishing = "establishing"
	StateEstablished  = "established"
)

// CallInfo is a snapshot of a dispatched call.
type CallInfo struct {
	JobID       string    `json:"job_id"`
	PhoneNumber string    `json:"phone_number"`
	ClientName  string    `json:"client_name"`
	TrunkID     string    `json:"trunk_id"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
}

type activeCall struct {
	info   CallInfo
	cancel context.CancelFunc
	call   Call
}

// Dispatcher runs call jobs.
type Dispatcher struct {
	cfg       Config
	establish EstablishFunc
	metrics   *metrics.Calls
	log       *slog.Logger

	slots chan struct{}

	mu       sync.Mutex
	ctx      context.Context
	limiters map[string]*rate.Limiter
	active   map[string]*activeCall
	wg       sync.WaitGroup
}

// New creates a Dispatcher. Call Start before submitting jobs.
func New(cfg Config, establish EstablishFunc, m *metrics.Calls, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Dispatcher{
		cfg:       cfg,
		establish: establish,
		metrics:   m,
		log:       log,
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		limiters:  make(map[string]*rate.Limiter),
		active:    make(map[string]*activeCall),
	}
}

// Start binds the dispatcher to ctx. Calls run until they end on their own
// or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
}

// Submit runs j if a call slot is free. It does not wait.
func (d *Dispatcher) Submit(j *job.CallJob) error {
	select {
	case d.slots <- struct{}{}:
	default:
		return ErrAtCapacity
	}
	return d.launch(j)
}

// SubmitWait runs j once a call slot frees up or fails when ctx ends.
func (d *Dispatcher) SubmitWait(ctx context.Context, j *job.CallJob) error {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.launch(j)
}

// launch registers j and starts it. The caller holds a slot.
func (d *Dispatcher) launch(j *job.CallJob) error {
	d.mu.Lock()
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		<-d.slots
		return ErrStopped
	}
	if _, dup := d.active[j.ID()]; dup {
		d.mu.Unlock()
		<-d.slots
		return fmt.Errorf("%w: %s", ErrDuplicate, j.ID())
	}

	trunk := j.TrunkID()
	if trunk == "" {
		trunk = d.cfg.DefaultTrunk
	}
	ctx, cancel := context.WithCancel(d.ctx)
	ac := &activeCall{
		info: CallInfo{
			JobID:       j.ID(),
			PhoneNumber: j.PhoneNumber(),
			ClientName:  j.ClientName(),
			TrunkID:     trunk,
			State:       StateEstablishing,
			StartedAt:   time.Now(),
		},
		cancel: cancel,
	}
	d.active[j.ID()] = ac
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(ctx, ac, j)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, ac *activeCall, j *job.CallJob) {
	log := d.log.With(j.LogAttrs()...)
	defer func() {
		ac.cancel()
		d.mu.Lock()
		delete(d.active, j.ID())
		d.mu.Unlock()
		<-d.slots
		d.wg.Done()
	}()

	if err := d.pace(ctx, ac.info.TrunkID); err != nil {
		log.Warn("[Dispatch] Job dropped while waiting for trunk capacity", "error", err)
		return
	}

	call, err := d.establish(ctx, j)
	if err != nil {
		// The orchestrator has already logged the failure.
		log.Debug("[Dispatch] Job finished without a call", "kind", orchestrator.Kind(err))
		return
	}

	d.mu.Lock()
	ac.call = call
	ac.info.State = StateEstablished
	d.mu.Unlock()

	select {
	case <-call.Done():
	case <-ctx.Done():
		hangCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := call.Hangup(hangCtx); err != nil {
			log.Warn("[Dispatch] Hangup on shutdown failed", "error", err)
		}
		cancel()
	}
}

// pace waits for the trunk's rate limiter.
func (d *Dispatcher) pace(ctx context.Context, trunk string) error {
	lim := d.limiter(trunk)
	if lim == nil {
		return nil
	}
	r := lim.Reserve()
	if !r.OK() {
		return fmt.Errorf("trunk %s: burst too small", trunk)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	d.metrics.RecordRateLimited(trunk)
	d.log.Debug("[Dispatch] Pacing call attempt", "trunk", trunk, "delay", delay.Round(time.Millisecond))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) limiter(trunk string) *rate.Limiter {
	limit, ok := d.cfg.TrunkLimits[trunk]
	if !ok || limit.CallsPerSecond <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[trunk]
	if !ok {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(limit.CallsPerSecond), burst)
		d.limiters[trunk] = lim
	}
	return lim
}

// Active returns the calls in progress, oldest first.
func (d *Dispatcher) Active() []CallInfo {
	d.mu.Lock()
	out := make([]CallInfo, 0, len(d.active))
	for _, ac := range d.active {
		out = append(out, ac.info)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Hangup ends the call for jobID. A call still being established is
// abandoned, which cancels its dial.
func (d *Dispatcher) Hangup(ctx context.Context, jobID string) error {
	d.mu.Lock()
	ac, ok := d.active[jobID]
	var call Call
	if ok {
		call = ac.call
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if call == nil {
		ac.cancel()
		return nil
	}
	return call.Hangup(ctx)
}

// Wait blocks until every dispatched call has finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
