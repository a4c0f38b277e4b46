package telephony

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/dialout/internal/config"
	"github.com/sebas/dialout/internal/media"
)

type stubSink struct{}

func (stubSink) Offer() media.Offer {
	return media.Offer{Addr: "10.0.0.1", Port: 20000}
}

func (stubSink) Answered(string, media.Answer) error { return nil }

func testTrunk() config.Trunk {
	return config.Trunk{
		ID:          "ST_test",
		Host:        "sip.example.com",
		Port:        5060,
		Transport:   "udp",
		Username:    "acct",
		Password:    "secret",
		CallerID:    "+37052000000",
		DialTimeout: 30 * time.Second,
	}
}

func TestOutcomeForStatus(t *testing.T) {
	tests := []struct {
		code int
		kind OutcomeKind
	}{
		{200, Answered},
		{202, Answered},
		{302, Rejected},
		{404, Rejected},
		{408, Rejected},
		{486, Rejected},
		{503, Rejected},
		{603, Rejected},
	}
	for _, tt := range tests {
		o := outcomeForStatus(tt.code, "Reason Phrase")
		assert.Equal(t, tt.kind, o.Kind, "code %d", tt.code)
		assert.Equal(t, tt.code, o.Code)
		assert.Equal(t, "Reason Phrase", o.Reason, "reason passes through unmodified")
	}
}

func TestOutcomeCodeClass(t *testing.T) {
	assert.Equal(t, "4xx", DialOutcome{Code: 486}.CodeClass())
	assert.Equal(t, "2xx", DialOutcome{Code: 200}.CodeClass())
	assert.Equal(t, "none", DialOutcome{}.CodeClass())
	assert.Equal(t, "timeout", Timeout.String())
}

func TestDialErrorHelpers(t *testing.T) {
	busy := DialOutcome{Kind: Rejected, Code: 486, Reason: "Busy Here"}.DialError("ST_test", "+37060000000")
	var de *DialError
	require.True(t, errors.As(busy, &de))
	assert.True(t, de.IsBusy())
	assert.True(t, de.IsRejected())
	assert.False(t, de.IsTimeout())
	assert.Contains(t, de.Error(), "SIP 486 Busy Here")

	to := timedOut(408, "Request Timeout", ErrDialTimeout).DialError("ST_test", "+37060000000")
	require.True(t, errors.As(to, &de))
	assert.True(t, de.IsTimeout())
	assert.False(t, de.IsRejected())
	assert.ErrorIs(t, to, ErrDialTimeout)

	canceled := rejected(487, "Request Terminated", ErrDialCanceled).DialError("ST_test", "+37060000000")
	require.True(t, errors.As(canceled, &de))
	assert.True(t, de.IsCanceled())
	assert.Contains(t, de.Error(), "+37060000000 via ST_test: rejected")

	assert.True(t, (&DialError{SIPCode: 480}).IsUnavailable())
	assert.Nil(t, DialOutcome{Kind: Answered}.DialError("x", "y"))
}

func TestDialRequiresWaitUntilAnswered(t *testing.T) {
	g := NewGateway(GatewayConfig{Trunks: map[string]config.Trunk{"ST_test": testTrunk()}})

	o := g.Dial(context.Background(), DialRequest{
		TrunkID: "ST_test",
		Number:  "+37060000000",
		Media:   stubSink{},
	})
	assert.Equal(t, Rejected, o.Kind)
	assert.Equal(t, 400, o.Code)
	assert.ErrorIs(t, o.Err, ErrAsyncDialUnsupported)
	assert.Nil(t, o.Call)
}

func TestDialUnknownTrunk(t *testing.T) {
	g := NewGateway(GatewayConfig{Trunks: map[string]config.Trunk{}})

	o := g.Dial(context.Background(), DialRequest{
		TrunkID:           "missing",
		Number:            "+37060000000",
		Media:             stubSink{},
		WaitUntilAnswered: true,
	})
	assert.Equal(t, Rejected, o.Kind)
	assert.ErrorIs(t, o.Err, ErrUnknownTrunk)
}

func TestDialWithoutMediaSink(t *testing.T) {
	g := NewGateway(GatewayConfig{Trunks: map[string]config.Trunk{"ST_test": testTrunk()}})

	o := g.Dial(context.Background(), DialRequest{TrunkID: "ST_test", Number: "1", WaitUntilAnswered: true})
	assert.ErrorIs(t, o.Err, ErrNoMediaSink)
}

func TestBuildINVITE(t *testing.T) {
	g := NewGateway(GatewayConfig{AdvertiseAddr: "10.0.0.1", Port: 5070})
	body, err := media.BuildOffer(stubSink{}.Offer())
	require.NoError(t, err)

	inv, err := g.buildINVITE(testTrunk(), "+37060000000", "call-1", "tag-1", body)
	require.NoError(t, err)

	assert.Equal(t, sip.INVITE, inv.Method)
	assert.Equal(t, "+37060000000", inv.Recipient.User)
	assert.Equal(t, "sip.example.com", inv.Recipient.Host)
	assert.Equal(t, "sip.example.com:5060", inv.Destination())
	assert.Equal(t, "call-1", inv.CallID().Value())

	from := inv.From()
	require.NotNil(t, from)
	tag, ok := from.Params.Get("tag")
	assert.True(t, ok)
	assert.Equal(t, "tag-1", tag)
	assert.Equal(t, "+37052000000", from.Address.User)

	contact := inv.Contact()
	require.NotNil(t, contact)
	assert.Equal(t, "10.0.0.1", contact.Address.Host)
	assert.Equal(t, 5070, contact.Address.Port)

	assert.Equal(t, body, inv.Body())

	_, err = g.buildINVITE(testTrunk(), "", "call-2", "tag-2", body)
	assert.Error(t, err)
}

func TestAuthorizeAnswersChallenge(t *testing.T) {
	g := NewGateway(GatewayConfig{AdvertiseAddr: "10.0.0.1", Port: 5070})
	inv, err := g.buildINVITE(testTrunk(), "+37060000000", "call-1", "tag-1", nil)
	require.NoError(t, err)

	res := sip.NewResponseFromRequest(inv, 407, "Proxy Authentication Required", nil)
	res.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="sip.example.com", nonce="abc123", algorithm=MD5`))

	authReq, err := authorize(testTrunk(), inv, res)
	require.NoError(t, err)

	h := authReq.GetHeader("Proxy-Authorization")
	require.NotNil(t, h)
	assert.True(t, strings.HasPrefix(h.Value(), "Digest "))
	assert.Contains(t, h.Value(), `username="acct"`)
	assert.Contains(t, h.Value(), `realm="sip.example.com"`)
	assert.Nil(t, inv.GetHeader("Proxy-Authorization"), "original request untouched")
	assert.Equal(t, uint32(2), authReq.CSeq().SeqNo)
	assert.Equal(t, uint32(1), inv.CSeq().SeqNo)
}

func TestAuthorizeWithoutChallengeHeader(t *testing.T) {
	g := NewGateway(GatewayConfig{AdvertiseAddr: "10.0.0.1", Port: 5070})
	inv, err := g.buildINVITE(testTrunk(), "+37060000000", "call-1", "tag-1", nil)
	require.NoError(t, err)

	res := sip.NewResponseFromRequest(inv, 401, "Unauthorized", nil)
	_, err = authorize(testTrunk(), inv, res)
	assert.Error(t, err)
}

func TestCallHangupIsIdempotent(t *testing.T) {
	byes := 0
	c := newCall("call-1", "ST_test", "+37060000000", nil, nil, func(context.Context, *Call) error {
		byes++
		return nil
	})

	require.NoError(t, c.Hangup(context.Background()))
	require.NoError(t, c.Hangup(context.Background()))
	assert.Equal(t, 1, byes)
	assert.Equal(t, EndCauseLocal, c.EndCause())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after hangup")
	}
}

func TestRemoteHangupSkipsBYE(t *testing.T) {
	byes := 0
	c := newCall("call-1", "ST_test", "+37060000000", nil, nil, func(context.Context, *Call) error {
		byes++
		return nil
	})

	assert.True(t, c.RemoteHangup())
	require.NoError(t, c.Hangup(context.Background()))
	assert.Zero(t, byes)
	assert.Equal(t, EndCauseRemote, c.EndCause())
}
