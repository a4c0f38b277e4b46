package telephony

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sebas/dialout/internal/config"
)

// authorize answers a 401/407 challenge with a digest-authenticated copy
// of req carrying the next CSeq. The caller sends it with a fresh Via.
func authorize(trunk config.Trunk, req *sip.Request, challengeRes *sip.Response) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challengeRes.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	hdr := challengeRes.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("trunk sent %d but no %s header", challengeRes.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing trunk auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: trunk.AuthUser(),
		Password: trunk.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing trunk digest: %w", err)
	}

	authReq := req.Clone()
	authReq.SetDestination(req.Destination())
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	if cseq := authReq.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return authReq, nil
}
