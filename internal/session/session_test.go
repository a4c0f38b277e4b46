package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/dialout/internal/media"
	"github.com/sebas/dialout/internal/room"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	ends     int
	closed   bool
	events   chan ModelEvent
	closeOne sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan ModelEvent, 16)}
}

func (c *fakeConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, pcm)
	return nil
}

func (c *fakeConn) EndAudioStream() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends++
	return nil
}

func (c *fakeConn) Events() <-chan ModelEvent { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sentChunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) endCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ends
}

type fakeModel struct {
	release chan struct{}
	err     error
	conn    *fakeConn
	got     ModelConfig
}

func (m *fakeModel) Connect(ctx context.Context, cfg ModelConfig) (RealtimeConn, error) {
	m.got = cfg
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.conn, nil
}

type fakeRoom struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte
	cleared int
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{inbound: make(chan []byte, 64)}
}

func (r *fakeRoom) Name() string           { return "room-1" }
func (r *fakeRoom) Inbound() <-chan []byte { return r.inbound }

func (r *fakeRoom) WriteAudio(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, pcm)
	return nil
}

func (r *fakeRoom) ClearAudio() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
}

func (r *fakeRoom) snapshot() ([][]byte, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.written...), r.cleared
}

func loudFrame() []byte {
	s := make([]int16, 160)
	for i := range s {
		if i%2 == 0 {
			s[i] = 12000
		} else {
			s[i] = -12000
		}
	}
	return media.SamplesToBytes(s)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartIsNonBlocking(t *testing.T) {
	model := &fakeModel{release: make(chan struct{}), conn: newFakeConn()}
	c := NewController(model, nil)

	h := c.Start(context.Background(), newFakeRoom(), Agent{Name: "tomas", Instructions: "be brief"}, Options{Model: "m", Voice: "Charon"})
	defer h.Cancel()

	assert.Equal(t, StateStarting, h.Session().State())
	select {
	case <-h.Done():
		t.Fatal("handle resolved before model acknowledged setup")
	default:
	}

	close(model.release)
	s, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "room-1", s.RoomName())

	assert.Equal(t, "be brief", model.got.Instructions)
	assert.Equal(t, "Charon", model.got.Voice)
	assert.Equal(t, DefaultInputSampleRate, model.got.InputSampleRate)
	assert.Equal(t, DefaultMaxEndpointingDelay, model.got.MaxEndpointingDelay)
}

func TestStartFailure(t *testing.T) {
	boom := errors.New("handshake refused")
	c := NewController(&fakeModel{err: boom}, nil)

	h := c.Start(context.Background(), newFakeRoom(), Agent{}, Options{})
	_, err := h.Wait(waitCtx(t))

	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateEnded, h.Session().State())
	assert.Equal(t, EndReasonStartFailed, h.Session().EndReason())
}

func TestCancelBeforeReady(t *testing.T) {
	model := &fakeModel{release: make(chan struct{}), conn: newFakeConn()}
	c := NewController(model, nil)

	h := c.Start(context.Background(), newFakeRoom(), Agent{}, Options{})
	h.Cancel()

	_, err := h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateEnded, h.Session().State())
	assert.Equal(t, EndReasonCancelled, h.Session().EndReason())
}

func TestCancelAfterReadyClosesModel(t *testing.T) {
	conn := newFakeConn()
	c := NewController(&fakeModel{conn: conn}, nil)

	h := c.Start(context.Background(), newFakeRoom(), Agent{}, Options{})
	_, err := h.Wait(waitCtx(t))
	require.NoError(t, err)

	h.Cancel()
	assert.Equal(t, StateEnded, h.Session().State())
	require.Eventually(t, conn.isClosed, time.Second, 5*time.Millisecond)
}

func TestBind(t *testing.T) {
	s := newCallSession("room-1")
	alice := &room.Participant{Identity: "+37060000001"}
	bob := &room.Participant{Identity: "+37060000002"}

	err := s.Bind(alice)
	assert.ErrorIs(t, err, ErrInvalidState, "cannot bind while starting")

	require.NoError(t, s.transition(StateReady))
	require.NoError(t, s.Bind(alice))
	assert.Equal(t, StateBound, s.State())

	// rebinding the same identity is a no-op
	require.NoError(t, s.Bind(&room.Participant{Identity: "+37060000001"}))
	assert.Same(t, alice, s.Participant())

	err = s.Bind(bob)
	var abe *AlreadyBoundError
	require.ErrorAs(t, err, &abe)
	assert.ErrorIs(t, err, ErrAlreadyBound)
	assert.Equal(t, "+37060000001", abe.Bound)
	assert.Same(t, alice, s.Participant())

	assert.NotErrorIs(t, s.Bind(bob), ErrEnded)

	s.End(EndReasonHangup)
	err = s.Bind(alice)
	var ste *StateTransitionError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, StateEnded, ste.From)
	assert.ErrorIs(t, err, ErrEnded)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOnEndedFiresOnce(t *testing.T) {
	s := newCallSession("room-1")
	var reasons []string
	s.OnEnded(func(r string) { reasons = append(reasons, r) })

	assert.True(t, s.End(EndReasonHangup))
	assert.False(t, s.End(EndReasonRemote))
	assert.Equal(t, []string{EndReasonHangup}, reasons)

	// registered after the end: runs immediately
	s.OnEnded(func(r string) { reasons = append(reasons, "late:"+r) })
	assert.Equal(t, []string{EndReasonHangup, "late:" + EndReasonHangup}, reasons)
}

func TestBridgeMovesAudio(t *testing.T) {
	conn := newFakeConn()
	rm := newFakeRoom()
	c := NewController(&fakeModel{conn: conn}, nil)

	h := c.Start(context.Background(), rm, Agent{}, Options{})
	defer h.Cancel()
	_, err := h.Wait(waitCtx(t))
	require.NoError(t, err)

	// callee: 20ms at 8kHz becomes 20ms at 16kHz
	rm.inbound <- loudFrame()
	require.Eventually(t, func() bool { return len(conn.sentChunks()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, conn.sentChunks()[0], 640)

	// agent: 20ms at 24kHz becomes 20ms at 8kHz
	conn.events <- ModelEvent{Type: EventAudio, Audio: make([]byte, 960)}
	conn.events <- ModelEvent{Type: EventInterrupted}
	require.Eventually(t, func() bool {
		written, cleared := rm.snapshot()
		return len(written) == 1 && cleared == 1
	}, time.Second, 5*time.Millisecond)

	written, _ := rm.snapshot()
	assert.Len(t, written[0], 320)
}

func TestModelCloseEndsSession(t *testing.T) {
	conn := newFakeConn()
	c := NewController(&fakeModel{conn: conn}, nil)

	h := c.Start(context.Background(), newFakeRoom(), Agent{}, Options{})
	s, err := h.Wait(waitCtx(t))
	require.NoError(t, err)

	ended := make(chan string, 1)
	s.OnEnded(func(r string) { ended <- r })
	close(conn.events)

	select {
	case r := <-ended:
		assert.Equal(t, EndReasonModelClosed, r)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.True(t, conn.isClosed())
}

func TestAudioStreamEndAfterSilence(t *testing.T) {
	conn := newFakeConn()
	rm := newFakeRoom()
	c := NewController(&fakeModel{conn: conn}, nil)

	h := c.Start(context.Background(), rm, Agent{}, Options{
		MaxEndpointingDelay: 10 * time.Millisecond,
		NoiseGateThreshold:  0.1,
	})
	defer h.Cancel()
	_, err := h.Wait(waitCtx(t))
	require.NoError(t, err)

	rm.inbound <- loudFrame()
	quiet := make([]byte, 320)
	for i := 0; i < defaultHangoverFrames; i++ {
		rm.inbound <- quiet
	}
	require.Eventually(t, func() bool { return len(conn.sentChunks()) == 1+defaultHangoverFrames }, time.Second, 5*time.Millisecond)
	assert.Zero(t, conn.endCount())

	time.Sleep(30 * time.Millisecond)
	rm.inbound <- quiet
	require.Eventually(t, func() bool { return conn.endCount() == 1 }, time.Second, 5*time.Millisecond)

	// more silence does not repeat it
	rm.inbound <- quiet
	require.Eventually(t, func() bool { return len(conn.sentChunks()) == 3+defaultHangoverFrames }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, conn.endCount())
}

func TestNoiseGate(t *testing.T) {
	g := &NoiseGate{Threshold: 0.1, HangoverFrames: 1}

	loud := media.BytesToSamples(loudFrame())
	out, voiced := g.Process(loud)
	assert.True(t, voiced)
	assert.Equal(t, loud, out)

	faint := make([]int16, 160)
	for i := range faint {
		faint[i] = 50
	}
	_, voiced = g.Process(faint)
	assert.True(t, voiced, "hangover frame")

	out, voiced = g.Process(faint)
	assert.False(t, voiced)
	assert.Equal(t, media.Silence(160), out)

	open := &NoiseGate{}
	out, _ = open.Process(faint)
	assert.Equal(t, faint, out, "zero threshold disables the gate")
}
