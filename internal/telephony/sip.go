package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialout/internal/config"
)

// buildINVITE constructs the outbound INVITE request.
func (g *SIPGateway) buildINVITE(trunk config.Trunk, number, callID, localTag string, sdpBody []byte) (*sip.Request, error) {
	if number == "" {
		return nil, fmt.Errorf("empty number")
	}

	requestURI := sip.Uri{
		Scheme: "sip",
		User:   number,
		Host:   trunk.URIHost(),
		Port:   trunk.Port,
	}

	if trunk.Transport != "" && trunk.Transport != "udp" {
		requestURI.UriParams = sip.NewParams()
		requestURI.UriParams.Add("transport", trunk.Transport)
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)
	invite.SetDestination(trunk.Address())

	// Max-Forwards (RFC 3261 Section 8.1.1.6)
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	// From: caller id on the trunk, our tag
	callerID := trunk.CallerID
	if callerID == "" {
		callerID = trunk.Username
	}
	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: trunk.CallerName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   callerID,
			Host:   trunk.URIHost(),
		},
		Params: fromParams,
	})

	// To: the callee, no tag yet
	invite.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   number,
			Host:   trunk.URIHost(),
		},
		Params: sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{
		SeqNo:      1,
		MethodName: sip.INVITE,
	})

	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "dialout",
			Host:   g.advertiseAddr,
			Port:   g.port,
		},
	})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)

	return invite, nil
}

// cancelDrainTimeout bounds the wait for the final response to a cancelled
// INVITE.
const cancelDrainTimeout = 5 * time.Second

// executeINVITE sends the INVITE and follows the response flow until a
// final outcome. It returns the request that got the final response (which
// differs from invite after a digest retry) and the response itself.
//
// Requests go out with ClientRequestBuild so the CSeq we set is the CSeq
// on the wire; the client would otherwise bump it.
func (g *SIPGateway) executeINVITE(ctx context.Context, log *slog.Logger, trunk config.Trunk, invite *sip.Request, timeout time.Duration) (DialOutcome, *sip.Request, *sip.Response) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := g.client.TransactionRequest(dialCtx, invite, sipgo.ClientRequestBuild)
	if err != nil {
		return rejected(503, "Transaction failed", err), invite, nil
	}
	defer func() { tx.Terminate() }()

	log.Info("[SIP] INVITE sent", "target", invite.Recipient.String(), "timeout", timeout)

	current := invite
	authTried := false
	for {
		select {
		case <-dialCtx.Done():
			if err := g.sendCANCEL(log, current); err != nil {
				log.Warn("[SIP] CANCEL failed", "error", err)
			}
			// A 2xx crossing the CANCEL still established the dialog
			// (RFC 3261 Section 9.1). Hand it back answered so the caller
			// owns the call and hangs it up.
			if late := awaitCancelled(log, tx); late != nil {
				log.Info("[SIP] Answered while cancelling", "status", int(late.StatusCode))
				if err := g.sendACK(log, current, late); err != nil {
					log.Error("[SIP] Failed to send ACK", "error", err)
				}
				return outcomeForStatus(int(late.StatusCode), late.Reason), current, late
			}
			if ctx.Err() != nil {
				return rejected(487, "Request Terminated", fmt.Errorf("%w: %v", ErrDialCanceled, ctx.Err())), current, nil
			}
			return timedOut(408, "Request Timeout", ErrDialTimeout), current, nil

		case resp := <-tx.Responses():
			if resp == nil {
				return timedOut(408, "No Response", fmt.Errorf("no response received")), current, nil
			}
			code := int(resp.StatusCode)

			switch {
			case code == 100:
				log.Debug("[SIP] 100 Trying")
				continue

			case code == 180 || code == 181:
				log.Info("[SIP] Ringing", "status", code)
				continue

			case code < 200:
				log.Debug("[SIP] Provisional response", "status", code, "reason", resp.Reason)
				continue

			case code < 300:
				if err := g.sendACK(log, current, resp); err != nil {
					// ACK failure doesn't negate the 2xx
					log.Error("[SIP] Failed to send ACK", "error", err)
				}
				return outcomeForStatus(code, resp.Reason), current, resp

			case (code == 401 || code == 407) && !authTried && trunk.Password != "":
				authTried = true
				authReq, err := authorize(trunk, current, resp)
				if err != nil {
					log.Warn("[SIP] Cannot answer auth challenge", "error", err)
					return rejected(code, resp.Reason, err), current, resp
				}
				authTx, err := g.client.TransactionRequest(dialCtx, authReq, sipgo.ClientRequestAddVia)
				if err != nil {
					return rejected(503, "Transaction failed", err), authReq, nil
				}
				tx.Terminate()
				tx = authTx
				current = authReq
				log.Debug("[SIP] INVITE re-sent with credentials", "status", code)
				continue

			default:
				log.Info("[SIP] Call rejected", "status", code, "reason", resp.Reason)
				return outcomeForStatus(code, resp.Reason), current, resp
			}

		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return rejected(503, "Transaction failed", err), current, nil
			}
			return rejected(500, "Transaction terminated unexpectedly", nil), current, nil
		}
	}
}

// awaitCancelled drains a cancelled INVITE transaction until its final
// response. It returns that response only when it is a 2xx.
func awaitCancelled(log *slog.Logger, tx sip.ClientTransaction) *sip.Response {
	timer := time.NewTimer(cancelDrainTimeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil
			}
			if resp.IsProvisional() {
				continue
			}
			log.Debug("[SIP] Final response after CANCEL", "status", int(resp.StatusCode))
			if resp.IsSuccess() {
				return resp
			}
			return nil
		case <-tx.Done():
			return nil
		case <-timer.C:
			log.Warn("[SIP] No final response after CANCEL", "waited", cancelDrainTimeout)
			return nil
		}
	}
}

// sendACK acknowledges a 2xx. The ACK for a 2xx is not part of the INVITE
// transaction (RFC 3261 Section 13.2.2.4) and goes straight to the transport,
// back to where the response came from.
func (g *SIPGateway) sendACK(log *slog.Logger, invite *sip.Request, resp *sip.Response) error {
	ack := sip.NewAckRequest(invite, resp, nil)
	if src := resp.Source(); src != "" {
		ack.SetDestination(src)
	}

	ackDone := make(chan error, 1)
	go func() {
		ackDone <- g.client.WriteRequest(ack)
	}()

	select {
	case err := <-ackDone:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("ACK timeout: write did not complete within 5 seconds")
	}

	log.Debug("[SIP] ACK sent", "dest", ack.Destination())
	return nil
}

// sendCANCEL sends a CANCEL for an in-progress INVITE.
func (g *SIPGateway) sendCANCEL(log *slog.Logger, invite *sip.Request) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetDestination(invite.Destination())

	// Copy headers from INVITE per RFC 3261 Section 9.1
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)

	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// CANCEL reuses the INVITE's CSeq number and Via branch
	cancelTx, err := g.client.TransactionRequest(ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("send CANCEL: %w", err)
	}
	defer cancelTx.Terminate()

	select {
	case resp := <-cancelTx.Responses():
		if resp != nil {
			log.Debug("[SIP] CANCEL response", "status", resp.StatusCode)
		}
	case <-cancelTx.Done():
	case <-ctx.Done():
	}

	log.Info("[SIP] CANCEL sent")
	return nil
}

// sendBYE terminates an answered call (RFC 3261 Section 15.1.1).
func (g *SIPGateway) sendBYE(ctx context.Context, call *Call) error {
	invite, resp := call.invite, call.response
	log := g.log.With("call_id", call.ID(), "number", call.Number())

	// Request-URI is the Contact of the 2xx, falling back to the INVITE target
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	bye := sip.NewRequest(sip.BYE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	// From and Call-ID must match the INVITE; To carries the remote tag
	sip.CopyHeaders("From", invite, bye)
	if to := resp.To(); to != nil {
		bye.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	sip.CopyHeaders("Call-ID", invite, bye)

	seq := uint32(1)
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	bye.AppendHeader(&sip.CSeqHeader{
		SeqNo:      seq + 1,
		MethodName: sip.BYE,
	})

	dest := resp.Source()
	if dest == "" {
		dest = invite.Destination()
	}
	bye.SetDestination(dest)

	log.Info("[SIP] Sending BYE", "request_uri", requestURI.String(), "dest", dest)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := g.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		log.Error("[SIP] Failed to send BYE", "error", err)
		return fmt.Errorf("send BYE: %w", err)
	}
	defer tx.Terminate()

	select {
	case r := <-tx.Responses():
		if r != nil {
			log.Debug("[SIP] BYE response", "status", r.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
		log.Warn("[SIP] BYE timeout")
	}
	return nil
}
