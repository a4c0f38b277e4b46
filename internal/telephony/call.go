package telephony

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// EndCause says which side ended an answered call.
type EndCause string

const (
	EndCauseLocal  EndCause = "local_hangup"
	EndCauseRemote EndCause = "remote_hangup"
)

// Call is an answered outbound call. It holds the dialog state needed to
// hang up and is closed when either side ends it.
type Call struct {
	id         string
	trunkID    string
	number     string
	answeredAt time.Time

	// dialog state from the INVITE and its 2xx
	invite   *sip.Request
	response *sip.Response

	bye func(ctx context.Context, c *Call) error

	mu    sync.Mutex
	ended bool
	cause EndCause
	done  chan struct{}
}

func newCall(id, trunkID, number string, invite *sip.Request, resp *sip.Response, bye func(context.Context, *Call) error) *Call {
	return &Call{
		id:         id,
		trunkID:    trunkID,
		number:     number,
		answeredAt: time.Now(),
		invite:     invite,
		response:   resp,
		bye:        bye,
		done:       make(chan struct{}),
	}
}

// NewCall creates an answered call for dialers that do not speak SIP
// dialogs themselves. hangup runs once, on the first local Hangup.
func NewCall(id, trunkID, number string, hangup func(context.Context) error) *Call {
	var bye func(context.Context, *Call) error
	if hangup != nil {
		bye = func(ctx context.Context, _ *Call) error { return hangup(ctx) }
	}
	return newCall(id, trunkID, number, nil, nil, bye)
}

// ID returns the SIP Call-ID.
func (c *Call) ID() string { return c.id }

// TrunkID returns the trunk the call was placed on.
func (c *Call) TrunkID() string { return c.trunkID }

// Number returns the dialled number.
func (c *Call) Number() string { return c.number }

// AnsweredAt returns when the 2xx was received.
func (c *Call) AnsweredAt() time.Time { return c.answeredAt }

// Done is closed when the call has ended.
func (c *Call) Done() <-chan struct{} { return c.done }

// EndCause returns who ended the call, or "" while it is up.
func (c *Call) EndCause() EndCause {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Hangup sends BYE and marks the call ended. Hanging up an ended call is a
// no-op.
func (c *Call) Hangup(ctx context.Context) error {
	if !c.end(EndCauseLocal) {
		return nil
	}
	if c.bye == nil {
		return nil
	}
	return c.bye(ctx, c)
}

// RemoteHangup records that the far end ended the call. It reports false
// if the call had already ended.
func (c *Call) RemoteHangup() bool {
	return c.end(EndCauseRemote)
}

func (c *Call) end(cause EndCause) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.ended = true
	c.cause = cause
	close(c.done)
	return true
}
