// Package room owns the media side of one outbound call: a UDP RTP socket,
// the far end's participant and the PCM audio flowing in and out of it.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/dialout/internal/media"
)

var (
	ErrClosed       = errors.New("room closed")
	ErrNotConnected = errors.New("room not connected")
)

// Frame queue sizes. Inbound frames are dropped when the consumer falls
// behind; outbound frames are dropped when the model outpaces the wire.
const (
	inboundQueue  = 50
	outboundQueue = 500
)

// Participant is the remote party of the call as seen by the room.
type Participant struct {
	Identity   string
	JoinedAt   time.Time
	RemoteAddr net.Addr
}

// Config configures a Room.
type Config struct {
	Name          string
	BindAddr      string
	AdvertiseAddr string
	Ports         *media.PortPool
	Codecs        []media.Codec
	Logger        *slog.Logger
}

// Stats are packet counters for the room's RTP stream.
type Stats struct {
	PacketsReceived uint64
	PacketsLost     uint64
	PacketsSent     uint64
	InboundDropped  uint64
	OutboundDropped uint64
}

// Room is a per-call media room.
type Room struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	conn        net.PacketConn
	port        int
	writer      *media.RTPStreamWriter
	identity    string
	answered    bool
	codec       media.Codec
	participant *Participant
	joined      chan struct{}

	inbound  chan []byte
	outbound chan []byte
	pending  []byte
	seq      *media.SequenceTracker

	inDropped  atomic.Uint64
	outDropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a room. No socket is opened until Connect.
func New(cfg Config) *Room {
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = media.DefaultCodecs
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Room{
		cfg:      cfg,
		log:      log.With("room", cfg.Name),
		codec:    cfg.Codecs[0],
		joined:   make(chan struct{}),
		inbound:  make(chan []byte, inboundQueue),
		outbound: make(chan []byte, outboundQueue),
		seq:      media.NewSequenceTracker(),
		done:     make(chan struct{}),
	}
}

// Name returns the room name.
func (r *Room) Name() string { return r.cfg.Name }

// Connect binds the room's RTP socket and starts the media loops.
// Calling it again on a connected room is a no-op.
func (r *Room) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	if r.conn != nil {
		return nil
	}
	if r.cfg.Ports == nil {
		return fmt.Errorf("room %s: no port pool", r.cfg.Name)
	}

	conn, port, err := r.cfg.Ports.ListenUDP(r.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("room %s: %w", r.cfg.Name, err)
	}
	r.conn = conn
	r.port = port
	r.writer = media.NewRTPStreamWriter(conn, r.codec)

	r.wg.Add(2)
	go r.readLoop(conn)
	go r.writeLoop()

	r.log.Debug("[Room] Connected", "port", port)
	return nil
}

// Offer describes the local media endpoint for the SDP offer.
func (r *Room) Offer() media.Offer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return media.Offer{
		Addr:   r.cfg.AdvertiseAddr,
		Port:   r.port,
		Codecs: r.cfg.Codecs,
	}
}

// Answered records the far end's media endpoint and the identity of the
// participant expected on it. The participant joins on its first packet.
func (r *Room) Answered(identity string, answer media.Answer) error {
	addr, err := answer.UDPAddr()
	if err != nil {
		return fmt.Errorf("resolve answer address: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return ErrNotConnected
	}
	r.identity = identity
	r.answered = true
	r.codec = answer.Codec
	r.writer.SetCodec(answer.Codec)
	r.writer.SetRemote(addr)

	r.log.Debug("[Room] Remote media", "identity", identity, "remote", addr.String(), "codec", answer.Codec.Name)
	return nil
}

// WaitForParticipant blocks until the participant with identity has joined.
func (r *Room) WaitForParticipant(ctx context.Context, identity string) (*Participant, error) {
	for {
		r.mu.Lock()
		p := r.participant
		joined := r.joined
		r.mu.Unlock()

		if p != nil {
			if p.Identity == identity {
				return p, nil
			}
			return nil, fmt.Errorf("room %s: participant %q joined, waiting for %q", r.cfg.Name, p.Identity, identity)
		}

		select {
		case <-joined:
		case <-r.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Participant returns the joined participant, or nil.
func (r *Room) Participant() *Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participant
}

// Inbound delivers decoded 8kHz PCM16 frames from the participant. The
// channel is closed when the room closes.
func (r *Room) Inbound() <-chan []byte { return r.inbound }

// WriteAudio queues 8kHz PCM16 audio for the participant. Audio is split
// into 20ms frames and sent at wire pace.
func (r *Room) WriteAudio(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	if r.writer == nil {
		return ErrNotConnected
	}

	frameBytes := r.codec.SamplesPerFrame() * 2
	r.pending = append(r.pending, pcm...)
	for len(r.pending) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, r.pending[:frameBytes])
		r.pending = r.pending[frameBytes:]

		select {
		case r.outbound <- frame:
		default:
			r.outDropped.Add(1)
		}
	}
	return nil
}

// ClearAudio discards queued outbound audio, e.g. when the agent is
// interrupted by the callee.
func (r *Room) ClearAudio() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()

	for {
		select {
		case <-r.outbound:
		default:
			return
		}
	}
}

// Stats returns packet counters.
func (r *Room) Stats() Stats {
	received, lost := r.seq.Stats()
	st := Stats{
		PacketsReceived: received,
		PacketsLost:     lost,
		InboundDropped:  r.inDropped.Load(),
		OutboundDropped: r.outDropped.Load(),
	}
	r.mu.Lock()
	if r.writer != nil {
		st.PacketsSent = r.writer.PacketsSent()
	}
	r.mu.Unlock()
	return st
}

// Done is closed when the room closes.
func (r *Room) Done() <-chan struct{} { return r.done }

// Close releases the socket and port. Safe to call more than once.
func (r *Room) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)

		r.mu.Lock()
		conn, writer, port := r.conn, r.writer, r.port
		r.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if writer != nil {
			writer.Close()
		}
		r.wg.Wait()
		if conn != nil && r.cfg.Ports != nil {
			r.cfg.Ports.Release(port)
		}

		st := r.Stats()
		r.log.Debug("[Room] Closed", "rx", st.PacketsReceived, "tx", st.PacketsSent, "lost", st.PacketsLost)
	})
	return nil
}

func (r *Room) readLoop(conn net.PacketConn) {
	defer r.wg.Done()
	defer close(r.inbound)

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		codec, ok := media.CodecByPayloadType(pkt.PayloadType)
		if !ok || !codec.IsAudio() {
			continue
		}
		if !r.admit(from) {
			continue
		}
		r.seq.Update(pkt.SequenceNumber)

		pcm, err := codec.Decode(pkt.Payload)
		if err != nil {
			continue
		}
		select {
		case r.inbound <- pcm:
		default:
			r.inDropped.Add(1)
		}
	}
}

// admit reports whether a packet from addr belongs to the call, creating
// the participant on the first packet after the answer. The writer latches
// onto the source address so media flows back through NAT.
func (r *Room) admit(from net.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.answered {
		return false
	}
	if r.participant != nil {
		return true
	}

	if remote := r.writer.Remote(); remote == nil || remote.String() != from.String() {
		r.log.Debug("[Room] Latching RTP source", "signalled", fmt.Sprint(remote), "actual", from.String())
		r.writer.SetRemote(from)
	}
	r.participant = &Participant{
		Identity:   r.identity,
		JoinedAt:   time.Now(),
		RemoteAddr: from,
	}
	close(r.joined)
	r.log.Info("[Room] Participant joined", "identity", r.identity, "remote", from.String())
	return true
}

func (r *Room) writeLoop() {
	defer r.wg.Done()

	r.mu.Lock()
	writer := r.writer
	r.mu.Unlock()

	idle := true
	for {
		select {
		case <-r.done:
			return
		case frame := <-r.outbound:
			if idle {
				writer.MarkTalkspurt()
				idle = false
			}
			payload, err := writer.Codec().Encode(frame)
			if err != nil {
				continue
			}
			if _, err := writer.Write(payload); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				r.log.Debug("[Room] RTP write failed", "error", err)
			}
			if len(r.outbound) == 0 {
				idle = true
			}
		}
	}
}
