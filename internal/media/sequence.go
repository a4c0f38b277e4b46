package media

import "sync"

// SequenceTracker tracks inbound RTP sequence numbers with rollover
// handling and keeps loss statistics for the stream. Safe for concurrent use.
type SequenceTracker struct {
	mu          sync.Mutex
	initialized bool
	lastSeq     uint16
	cycles      uint32 // rollover count (upper 16 bits of extended seq)
	lost        uint64
	received    uint64
}

// NewSequenceTracker creates a new sequence tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{}
}

// Update records a received sequence number. It returns the extended
// 32-bit sequence number and how many packets were skipped since the
// previous one. Late or duplicate packets report zero loss.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received++

	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return uint32(seq), 0
	}

	diff := int16(seq - s.lastSeq)
	if diff <= 0 {
		// reordered or duplicate: keep lastSeq where it is
		return (s.cycles << 16) | uint32(seq), 0
	}

	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}
	if seq < s.lastSeq {
		s.cycles++
	}
	s.lastSeq = seq
	return (s.cycles << 16) | uint32(seq), lost
}

// Stats returns cumulative statistics.
func (s *SequenceTracker) Stats() (received, lost uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received, s.lost
}

// LossRate returns the packet loss rate as a fraction (0.0 to 1.0).
func (s *SequenceTracker) LossRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.received + s.lost
	if total == 0 {
		return 0
	}
	return float64(s.lost) / float64(total)
}
