package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoPorts is returned when every port pair in the range is in use.
var ErrNoPorts = errors.New("no RTP ports available")

// PortPool hands out RTP ports from a fixed range. Ports are allocated in
// pairs (even for RTP, odd left free for RTCP) and handed out round-robin so
// a just-released port is not immediately reused.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	next      int
	allocated map[int]bool
}

// NewPortPool creates a pool covering [minPort, maxPort].
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}
	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		next:      minPort,
		allocated: make(map[int]bool),
	}
}

// Allocate returns a free even port.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.capacity()
	for i := 0; i < size; i++ {
		port := p.next
		p.next += 2
		if p.next+1 > p.maxPort {
			p.next = p.minPort
		}
		if !p.allocated[port] {
			p.allocated[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w (range %d-%d)", ErrNoPorts, p.minPort, p.maxPort)
}

// Release returns a port to the pool.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

// Available returns the number of free ports.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity() - len(p.allocated)
}

// Allocated returns the number of ports in use.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

func (p *PortPool) capacity() int {
	if p.maxPort <= p.minPort {
		return 0
	}
	return (p.maxPort - p.minPort + 1) / 2
}

// ListenUDP allocates a port and binds a UDP socket on it. Ports that fail
// to bind (taken by another process) stay marked as allocated for this
// attempt and are released before returning.
func (p *PortPool) ListenUDP(bindAddr string) (net.PacketConn, int, error) {
	var failed []int
	defer func() {
		for _, port := range failed {
			p.Release(port)
		}
	}()

	for attempts := 0; attempts < 16; attempts++ {
		port, err := p.Allocate()
		if err != nil {
			return nil, 0, err
		}
		conn, err := net.ListenPacket("udp", net.JoinHostPort(bindAddr, strconv.Itoa(port)))
		if err != nil {
			failed = append(failed, port)
			continue
		}
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("%w: bind failed on %d ports", ErrNoPorts, len(failed))
}
