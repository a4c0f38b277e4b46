package media

import (
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// RTPStreamWriter writes clock-paced RTP packets for a single stream.
// The remote address can be set after construction, which lets a room open
// its socket before the far end's SDP answer is known.
type RTPStreamWriter struct {
	conn net.PacketConn
	done chan struct{}

	// pace serializes writers across the clock tick; mu guards the
	// stream state and is never held while waiting for the tick.
	pace sync.Mutex

	mu        sync.Mutex
	remote    net.Addr
	ssrc      uint32
	seq       uint16
	timestamp uint32
	codec     Codec
	ticker    *time.Ticker
	closed    bool
	marker    bool // next packet starts a talkspurt

	sent uint64
}

// NewRTPStreamWriter creates a new clock-paced RTP stream writer.
func NewRTPStreamWriter(conn net.PacketConn, codec Codec) *RTPStreamWriter {
	return &RTPStreamWriter{
		conn:      conn,
		done:      make(chan struct{}),
		ssrc:      GenerateSSRC(),
		seq:       GenerateSequenceStart(),
		timestamp: GenerateTimestampStart(),
		codec:     codec,
		ticker:    time.NewTicker(codec.SampleDur),
		marker:    true,
	}
}

// SetRemote sets or replaces the destination address.
func (w *RTPStreamWriter) SetRemote(addr net.Addr) {
	w.mu.Lock()
	w.remote = addr
	w.mu.Unlock()
}

// Remote returns the current destination, or nil.
func (w *RTPStreamWriter) Remote() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remote
}

// SetCodec switches the payload type, e.g. after the answer selected PCMA.
func (w *RTPStreamWriter) SetCodec(c Codec) {
	w.mu.Lock()
	w.codec = c
	w.mu.Unlock()
}

// Codec returns the codec used for outgoing packets.
func (w *RTPStreamWriter) Codec() Codec {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.codec
}

// MarkTalkspurt sets the marker bit on the next packet.
func (w *RTPStreamWriter) MarkTalkspurt() {
	w.mu.Lock()
	w.marker = true
	w.mu.Unlock()
}

// Write sends one encoded frame, blocking until the next clock tick.
// Frames written before a remote is known are dropped but still advance the
// clock so timestamps stay continuous. Implements io.Writer.
func (w *RTPStreamWriter) Write(payload []byte) (int, error) {
	w.pace.Lock()
	defer w.pace.Unlock()

	select {
	case <-w.ticker.C:
	case <-w.done:
		return 0, net.ErrClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, net.ErrClosed
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         w.marker,
			PayloadType:    w.codec.PayloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	w.seq++
	w.timestamp += w.codec.TimestampIncrement()

	if w.remote == nil {
		return len(payload), nil
	}

	data, err := pkt.Marshal()
	if err != nil {
		return 0, err
	}
	if _, err := w.conn.WriteTo(data, w.remote); err != nil {
		return 0, err
	}
	w.marker = false
	w.sent++
	return len(payload), nil
}

// SSRC returns the stream's SSRC.
func (w *RTPStreamWriter) SSRC() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ssrc
}

// PacketsSent returns the number of packets written to the network.
func (w *RTPStreamWriter) PacketsSent() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent
}

// Close stops the ticker and marks the writer as closed.
func (w *RTPStreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		w.ticker.Stop()
		close(w.done)
	}
	return nil
}
