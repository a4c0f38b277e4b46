package telephony

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialout/internal/config"
)

// UserAgent owns the SIP stack: the sipgo user agent, the server that
// receives in-dialog requests (BYE) and the client used to dial.
type UserAgent struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	gateway *SIPGateway
}

// NewUserAgent creates the SIP stack and a gateway bound to it.
func NewUserAgent(cfg *config.Config, log *slog.Logger) (*UserAgent, error) {
	if log == nil {
		log = slog.Default()
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("dialout"))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	gw := NewGateway(GatewayConfig{
		AdvertiseAddr: cfg.AdvertiseAddr,
		Port:          cfg.SIPPort,
		Trunks:        cfg.Trunks,
		Client:        uac,
		Logger:        log,
	})

	uas.OnRequest(sip.BYE, gw.HandleBYE)
	uas.OnRequest(sip.OPTIONS, func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	})

	return &UserAgent{cfg: cfg, ua: ua, srv: uas, gateway: gw}, nil
}

// Gateway returns the gateway dialling through this user agent.
func (u *UserAgent) Gateway() *SIPGateway { return u.gateway }

// Serve listens for SIP until ctx is cancelled.
func (u *UserAgent) Serve(ctx context.Context) error {
	network := u.cfg.Transport
	if network == "" {
		network = "udp"
	}
	listenAddr := fmt.Sprintf("%s:%d", u.cfg.BindAddr, u.cfg.SIPPort)
	slog.Info("[SIP] Listening", "transport", network, "addr", listenAddr)

	if err := u.srv.ListenAndServe(ctx, network, listenAddr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to bind SIP port %d: %w", u.cfg.SIPPort, err)
	}
	return nil
}

// Close shuts the SIP stack down.
func (u *UserAgent) Close() error {
	return u.ua.Close()
}
