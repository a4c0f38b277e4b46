package telephony

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/dialout/internal/config"
	"github.com/sebas/dialout/internal/media"
)

// fakeTx is a client transaction the test answers by hand.
type fakeTx struct {
	req       *sip.Request
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once
	err       error
}

func newFakeTx(req *sip.Request) *fakeTx {
	return &fakeTx{
		req:       req,
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
}

func (tx *fakeTx) Responses() <-chan *sip.Response { return tx.responses }
func (tx *fakeTx) Done() <-chan struct{}           { return tx.done }
func (tx *fakeTx) Err() error                      { return tx.err }
func (tx *fakeTx) Terminate()                      { tx.once.Do(func() { close(tx.done) }) }

func (tx *fakeTx) reply(code int, reason string, body []byte, hdrs ...sip.Header) {
	res := sip.NewResponseFromRequest(tx.req, sip.StatusCode(code), reason, body)
	for _, h := range hdrs {
		res.AppendHeader(h)
	}
	tx.responses <- res
}

func (tx *fakeTx) fail(err error) {
	tx.err = err
	tx.Terminate()
}

// fakeTrunk stands in for the SIP client. answer runs for every new
// transaction; invite is the INVITE transaction in flight.
type fakeTrunk struct {
	mu     sync.Mutex
	sent   []*sip.Request
	writes []*sip.Request
	invite *fakeTx
	txErr  error
	answer func(req *sip.Request, tx, invite *fakeTx)
}

func (f *fakeTrunk) TransactionRequest(_ context.Context, req *sip.Request, _ ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	if req.IsInvite() && f.txErr != nil {
		f.mu.Unlock()
		return nil, f.txErr
	}
	tx := newFakeTx(req)
	if req.IsInvite() {
		f.invite = tx
	}
	invite := f.invite
	f.mu.Unlock()

	if f.answer != nil {
		f.answer(req, tx, invite)
	}
	return tx, nil
}

func (f *fakeTrunk) WriteRequest(req *sip.Request, _ ...sipgo.ClientRequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, req)
	return nil
}

func (f *fakeTrunk) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, r := range f.sent {
		out = append(out, r.Method.String())
	}
	return out
}

func (f *fakeTrunk) requests(method sip.RequestMethod) []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sip.Request
	for _, r := range f.sent {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTrunk) acks() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sip.Request
	for _, r := range f.writes {
		if r.IsAck() {
			out = append(out, r)
		}
	}
	return out
}

func sdpAnswer(t *testing.T) []byte {
	t.Helper()
	body, err := media.BuildOffer(media.Offer{Addr: "203.0.113.5", Port: 30000})
	require.NoError(t, err)
	return body
}

func newTestGateway(trunk config.Trunk, ft *fakeTrunk) *SIPGateway {
	g := NewGateway(GatewayConfig{
		AdvertiseAddr: "10.0.0.1",
		Port:          5070,
		Trunks:        map[string]config.Trunk{trunk.ID: trunk},
	})
	g.client = ft
	return g
}

func dialRequest() DialRequest {
	return DialRequest{
		TrunkID:             "ST_test",
		Number:              "+37060000000",
		ParticipantIdentity: "callee",
		Media:               stubSink{},
		WaitUntilAnswered:   true,
	}
}

// hangupOK answers BYE and CANCEL transactions with 200.
func hangupOK(req *sip.Request, tx *fakeTx) bool {
	if req.Method == sip.BYE || req.Method == sip.CANCEL {
		tx.reply(200, "OK", nil)
		return true
	}
	return false
}

func TestDialAnsweredAfterProvisionals(t *testing.T) {
	body := sdpAnswer(t)
	ft := &fakeTrunk{answer: func(req *sip.Request, tx, _ *fakeTx) {
		if hangupOK(req, tx) {
			return
		}
		tx.reply(100, "Trying", nil)
		tx.reply(180, "Ringing", nil)
		tx.reply(183, "Session Progress", nil)
		tx.reply(200, "OK", body)
	}}
	g := newTestGateway(testTrunk(), ft)

	o := g.Dial(context.Background(), dialRequest())
	require.Equal(t, Answered, o.Kind, "err: %v", o.Err)
	assert.Equal(t, 200, o.Code)
	require.NotNil(t, o.Call)
	assert.Equal(t, "+37060000000", o.Call.Number())
	assert.Equal(t, "ST_test", o.Call.TrunkID())
	assert.Len(t, ft.acks(), 1, "2xx is acknowledged")
	assert.Equal(t, []string{"INVITE"}, ft.methods())
	assert.Equal(t, 1, g.ActiveCalls())

	require.NoError(t, o.Call.Hangup(context.Background()))
	byes := ft.requests(sip.BYE)
	require.Len(t, byes, 1)
	assert.Equal(t, uint32(2), byes[0].CSeq().SeqNo)
	assert.Equal(t, o.Call.ID(), byes[0].CallID().Value())
	assert.Eventually(t, func() bool { return g.ActiveCalls() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDialRejectedPassesStatusThrough(t *testing.T) {
	tests := []struct {
		code   int
		reason string
	}{
		{486, "Busy Here"},
		{404, "Not Found"},
		{603, "Decline"},
		{480, "Temporarily Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			ft := &fakeTrunk{answer: func(_ *sip.Request, tx, _ *fakeTx) {
				tx.reply(180, "Ringing", nil)
				tx.reply(tt.code, tt.reason, nil)
			}}
			g := newTestGateway(testTrunk(), ft)

			o := g.Dial(context.Background(), dialRequest())
			assert.Equal(t, Rejected, o.Kind)
			assert.Equal(t, tt.code, o.Code)
			assert.Equal(t, tt.reason, o.Reason)
			assert.Nil(t, o.Call)
			assert.Empty(t, ft.acks())
		})
	}
}

func TestDialTrunkTimeoutSendsCANCEL(t *testing.T) {
	trunk := testTrunk()
	trunk.DialTimeout = 50 * time.Millisecond
	ft := &fakeTrunk{answer: func(req *sip.Request, tx, invite *fakeTx) {
		if req.Method == sip.CANCEL {
			tx.reply(200, "OK", nil)
			invite.reply(487, "Request Terminated", nil)
			return
		}
		tx.reply(180, "Ringing", nil)
	}}
	g := newTestGateway(trunk, ft)

	o := g.Dial(context.Background(), dialRequest())
	assert.Equal(t, Timeout, o.Kind)
	assert.Equal(t, 408, o.Code)
	assert.ErrorIs(t, o.Err, ErrDialTimeout)
	assert.Nil(t, o.Call)
	assert.Equal(t, []string{"INVITE", "CANCEL"}, ft.methods())

	inv := ft.requests(sip.INVITE)[0]
	cancel := ft.requests(sip.CANCEL)[0]
	assert.Equal(t, inv.CSeq().SeqNo, cancel.CSeq().SeqNo, "CANCEL reuses the INVITE sequence number")
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	assert.Equal(t, inv.CallID().Value(), cancel.CallID().Value())
	assert.Empty(t, ft.acks())
}

func TestDialParentCancelSendsCANCEL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ft := &fakeTrunk{answer: func(req *sip.Request, tx, invite *fakeTx) {
		if req.Method == sip.CANCEL {
			tx.reply(200, "OK", nil)
			invite.reply(487, "Request Terminated", nil)
			return
		}
		tx.reply(180, "Ringing", nil)
		cancel()
	}}
	g := newTestGateway(testTrunk(), ft)

	o := g.Dial(ctx, dialRequest())
	assert.Equal(t, Rejected, o.Kind)
	assert.Equal(t, 487, o.Code)
	assert.ErrorIs(t, o.Err, ErrDialCanceled)
	assert.Nil(t, o.Call)
	assert.Equal(t, []string{"INVITE", "CANCEL"}, ft.methods())
}

func TestDialAnswerCrossingCANCELIsAcknowledged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body := sdpAnswer(t)
	ft := &fakeTrunk{answer: func(req *sip.Request, tx, invite *fakeTx) {
		switch req.Method {
		case sip.CANCEL:
			// The callee picked up before the CANCEL reached the trunk.
			invite.reply(200, "OK", body)
			tx.reply(200, "OK", nil)
		case sip.BYE:
			tx.reply(200, "OK", nil)
		default:
			tx.reply(180, "Ringing", nil)
			cancel()
		}
	}}
	g := newTestGateway(testTrunk(), ft)

	o := g.Dial(ctx, dialRequest())
	require.Equal(t, Answered, o.Kind, "err: %v", o.Err)
	require.NotNil(t, o.Call, "late answer is handed back so it can be hung up")

	acks := ft.acks()
	require.Len(t, acks, 1)
	assert.Equal(t, o.Call.ID(), acks[0].CallID().Value())

	require.NoError(t, o.Call.Hangup(context.Background()))
	assert.Equal(t, []string{"INVITE", "CANCEL", "BYE"}, ft.methods())
	assert.Equal(t, EndCauseLocal, o.Call.EndCause())
}

func TestDialRetriesDigestChallengeOnce(t *testing.T) {
	body := sdpAnswer(t)
	challenge := sip.NewHeader("Proxy-Authenticate", `Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`)
	ft := &fakeTrunk{answer: func(req *sip.Request, tx, _ *fakeTx) {
		if hangupOK(req, tx) {
			return
		}
		if req.GetHeader("Proxy-Authorization") == nil {
			tx.reply(407, "Proxy Authentication Required", nil, challenge)
			return
		}
		tx.reply(200, "OK", body)
	}}
	g := newTestGateway(testTrunk(), ft)

	o := g.Dial(context.Background(), dialRequest())
	require.Equal(t, Answered, o.Kind, "err: %v", o.Err)

	invites := ft.requests(sip.INVITE)
	require.Len(t, invites, 2)
	assert.Equal(t, uint32(1), invites[0].CSeq().SeqNo)
	assert.Equal(t, uint32(2), invites[1].CSeq().SeqNo, "authenticated INVITE carries the next CSeq")
	assert.Equal(t, invites[0].CallID().Value(), invites[1].CallID().Value())

	authz := invites[1].GetHeader("Proxy-Authorization")
	require.NotNil(t, authz)
	assert.True(t, strings.HasPrefix(authz.Value(), "Digest "))
	assert.Nil(t, invites[0].GetHeader("Proxy-Authorization"))

	require.NoError(t, o.Call.Hangup(context.Background()))
	byes := ft.requests(sip.BYE)
	require.Len(t, byes, 1)
	assert.Equal(t, uint32(3), byes[0].CSeq().SeqNo)
}

func TestDialSecondChallengeIsRejected(t *testing.T) {
	challenge := sip.NewHeader("WWW-Authenticate", `Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`)
	ft := &fakeTrunk{answer: func(_ *sip.Request, tx, _ *fakeTx) {
		tx.reply(401, "Unauthorized", nil, challenge)
	}}
	g := newTestGateway(testTrunk(), ft)

	o := g.Dial(context.Background(), dialRequest())
	assert.Equal(t, Rejected, o.Kind)
	assert.Equal(t, 401, o.Code)
	assert.Equal(t, "Unauthorized", o.Reason)

	invites := ft.requests(sip.INVITE)
	require.Len(t, invites, 2, "one retry only")
	assert.NotNil(t, invites[1].GetHeader("Authorization"))
}

func TestDialTransportFailure(t *testing.T) {
	refused := errors.New("connection refused")
	ft := &fakeTrunk{txErr: refused}
	g := newTestGateway(testTrunk(), ft)

	o := g.Dial(context.Background(), dialRequest())
	assert.Equal(t, Rejected, o.Kind)
	assert.Equal(t, 503, o.Code)
	assert.ErrorIs(t, o.Err, refused)
}

func TestDialTransactionTimeout(t *testing.T) {
	ft := &fakeTrunk{answer: func(_ *sip.Request, tx, _ *fakeTx) {
		tx.fail(sip.ErrTransactionTimeout)
	}}
	g := newTestGateway(testTrunk(), ft)

	o := g.Dial(context.Background(), dialRequest())
	assert.Equal(t, Rejected, o.Kind)
	assert.Equal(t, 503, o.Code)
	assert.ErrorIs(t, o.Err, sip.ErrTransactionTimeout)
}

func TestDialUnusableAnswerHangsUp(t *testing.T) {
	ft := &fakeTrunk{answer: func(req *sip.Request, tx, _ *fakeTx) {
		if hangupOK(req, tx) {
			return
		}
		tx.reply(200, "OK", []byte("garbage"))
	}}
	g := newTestGateway(testTrunk(), ft)

	o := g.Dial(context.Background(), dialRequest())
	assert.Equal(t, Rejected, o.Kind)
	assert.Equal(t, 488, o.Code)
	assert.Nil(t, o.Call)
	assert.Len(t, ft.acks(), 1)
	assert.Len(t, ft.requests(sip.BYE), 1)
}
