// Package telephony places outbound calls over SIP trunks.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/dialout/internal/config"
	"github.com/sebas/dialout/internal/media"
)

// MediaSink is the local media endpoint of a call. The gateway takes the
// SDP offer from it and hands it the far end's answer.
type MediaSink interface {
	Offer() media.Offer
	Answered(identity string, answer media.Answer) error
}

// DialRequest describes one outbound call.
type DialRequest struct {
	TrunkID             string
	Number              string
	ParticipantIdentity string
	Media               MediaSink

	// WaitUntilAnswered blocks Dial through provisional responses until a
	// final outcome. Only the blocking mode is supported.
	WaitUntilAnswered bool
}

// sipClient is the part of *sipgo.Client the gateway uses.
type sipClient interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
}

// GatewayConfig holds gateway configuration.
type GatewayConfig struct {
	AdvertiseAddr string
	Port          int
	Trunks        map[string]config.Trunk
	Client        *sipgo.Client
	Logger        *slog.Logger
}

// SIPGateway dials numbers over configured trunks.
type SIPGateway struct {
	advertiseAddr string
	port          int
	trunks        map[string]config.Trunk
	client        sipClient
	log           *slog.Logger

	mu    sync.RWMutex
	calls map[string]*Call // indexed by Call-ID
}

// NewGateway creates a SIPGateway.
func NewGateway(cfg GatewayConfig) *SIPGateway {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	g := &SIPGateway{
		advertiseAddr: cfg.AdvertiseAddr,
		port:          cfg.Port,
		trunks:        cfg.Trunks,
		log:           log,
		calls:         make(map[string]*Call),
	}
	if cfg.Client != nil {
		g.client = cfg.Client
	}
	return g
}

// Dial places one call and blocks until it is answered, rejected or timed
// out. It never returns while the callee is still ringing.
func (g *SIPGateway) Dial(ctx context.Context, req DialRequest) DialOutcome {
	if !req.WaitUntilAnswered {
		return rejected(400, "Bad Request", ErrAsyncDialUnsupported)
	}
	if req.Media == nil {
		return rejected(500, "Media allocation failed", ErrNoMediaSink)
	}
	trunk, ok := g.trunks[req.TrunkID]
	if !ok {
		return rejected(404, "Not Found", fmt.Errorf("%w: %q", ErrUnknownTrunk, req.TrunkID))
	}
	if g.client == nil {
		return rejected(503, "Transaction failed", errors.New("no SIP client"))
	}

	callID := generateCallID()
	localTag := generateTag()
	log := g.log.With("call_id", callID, "trunk", trunk.ID, "number", req.Number)

	sdpBody, err := media.BuildOffer(req.Media.Offer())
	if err != nil {
		return rejected(500, "Media allocation failed", err)
	}

	invite, err := g.buildINVITE(trunk, req.Number, callID, localTag, sdpBody)
	if err != nil {
		return rejected(500, "Failed to build INVITE", err)
	}

	timeout := trunk.DialTimeout
	if timeout <= 0 {
		timeout = config.DefaultDialTimeout
	}

	started := time.Now()
	outcome, sent, resp := g.executeINVITE(ctx, log, trunk, invite, timeout)
	if outcome.Kind != Answered {
		log.Info("[SIP] Dial finished",
			"outcome", outcome.Kind.String(),
			"sip_status_code", outcome.Code,
			"sip_status", outcome.Reason,
			"elapsed", time.Since(started).Round(time.Millisecond),
		)
		return outcome
	}

	call := newCall(callID, trunk.ID, req.Number, sent, resp, g.sendBYE)
	g.track(call)

	answer, err := media.ParseAnswer(resp.Body())
	if err == nil {
		err = req.Media.Answered(req.ParticipantIdentity, answer)
	}
	if err != nil {
		log.Warn("[SIP] Unusable SDP answer, hanging up", "error", err)
		byeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = call.Hangup(byeCtx)
		return rejected(488, "Not Acceptable Here", err)
	}

	log.Info("[SIP] Call answered",
		"sip_status_code", outcome.Code,
		"remote_media", fmt.Sprintf("%s:%d", answer.Addr, answer.Port),
		"codec", answer.Codec.Name,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	outcome.Call = call
	return outcome
}

// ActiveCalls returns the number of answered calls not yet ended.
func (g *SIPGateway) ActiveCalls() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.calls)
}

func (g *SIPGateway) track(call *Call) {
	g.mu.Lock()
	g.calls[call.ID()] = call
	g.mu.Unlock()

	go func() {
		<-call.Done()
		g.mu.Lock()
		delete(g.calls, call.ID())
		g.mu.Unlock()
	}()
}

func (g *SIPGateway) lookup(callID string) (*Call, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.calls[callID]
	return c, ok
}

// HandleBYE ends a call hung up by the far end.
func (g *SIPGateway) HandleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	call, ok := g.lookup(callID)
	if !ok {
		g.log.Debug("[SIP] BYE for unknown call", "call_id", callID)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		g.log.Warn("[SIP] Failed to answer BYE", "call_id", callID, "error", err)
	}
	if call.RemoteHangup() {
		g.log.Info("[SIP] Remote hangup", "call_id", callID, "number", call.Number())
	}
}

// generateCallID generates a unique SIP Call-ID.
func generateCallID() string {
	return uuid.New().String()
}

// generateTag generates a unique tag for From/To headers.
func generateTag() string {
	return uuid.New().String()[:8]
}
