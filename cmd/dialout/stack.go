package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sebas/dialout/internal/config"
	"github.com/sebas/dialout/internal/dispatch"
	"github.com/sebas/dialout/internal/events"
	"github.com/sebas/dialout/internal/job"
	"github.com/sebas/dialout/internal/media"
	"github.com/sebas/dialout/internal/metrics"
	"github.com/sebas/dialout/internal/orchestrator"
	"github.com/sebas/dialout/internal/room"
	"github.com/sebas/dialout/internal/session"
	"github.com/sebas/dialout/internal/session/gemini"
	"github.com/sebas/dialout/internal/telephony"
)

// roomProvider opens one media room per job from a shared RTP port pool.
type roomProvider struct {
	cfg   *config.Config
	ports *media.PortPool
	log   *slog.Logger
}

func (p *roomProvider) Open(j *job.CallJob) orchestrator.Room {
	return room.New(room.Config{
		Name:          "call-" + j.ID(),
		BindAddr:      p.cfg.BindAddr,
		AdvertiseAddr: p.cfg.AdvertiseAddr,
		Ports:         p.ports,
		Logger:        p.log,
	})
}

// stack is everything a call needs, shared by the worker and dial commands.
type stack struct {
	ua           *telephony.UserAgent
	nc           *nats.Conn
	publisher    events.Publisher
	metrics      *metrics.Calls
	orchestrator *orchestrator.Orchestrator
}

func newStack(cfg *config.Config, log *slog.Logger) (*stack, error) {
	ua, err := telephony.NewUserAgent(cfg, log)
	if err != nil {
		return nil, err
	}

	s := &stack{ua: ua, metrics: metrics.New("dialout")}

	var pub events.Publisher = events.NewLoggingPublisher(log)
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(events.DefaultNATSConfig(cfg.NATSURL), log)
		if err != nil {
			_ = ua.Close()
			return nil, fmt.Errorf("events: %w", err)
		}
		s.nc = nc
		pub = events.NewMultiPublisher(pub, events.NewNATSPublisher(nc, log))
	}
	s.publisher = pub

	dialTimeouts := make(map[string]time.Duration, len(cfg.Trunks))
	for id, t := range cfg.Trunks {
		dialTimeouts[id] = t.DialTimeout
	}

	model := gemini.New(gemini.Config{APIKey: cfg.APIKey, Logger: log})
	s.orchestrator = orchestrator.New(orchestrator.Config{
		TrunkID:                cfg.OutboundTrunkID,
		ParticipantJoinTimeout: cfg.ParticipantJoinTimeout,
		SessionStartTimeout:    cfg.SessionStartTimeout,
		DialTimeouts:           dialTimeouts,
		AgentName:              cfg.AgentName,
		NodeID:                 cfg.NodeID,
		Session: session.Options{
			Model:                cfg.Model,
			Voice:                cfg.Voice,
			PreemptiveGeneration: cfg.PreemptiveGeneration,
			MinEndpointingDelay:  cfg.MinEndpointingDelay,
			MaxEndpointingDelay:  cfg.MaxEndpointingDelay,
			NoiseGateThreshold:   cfg.NoiseGateThreshold,
		},
	}, orchestrator.Dependencies{
		Rooms: &roomProvider{
			cfg:   cfg,
			ports: media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax),
			log:   log,
		},
		Sessions:  session.NewController(model, log),
		Gateway:   ua.Gateway(),
		Publisher: pub,
		Metrics:   s.metrics,
		Logger:    log,
	})
	return s, nil
}

// trunkLimits extracts the per-trunk pacing from the trunk registry.
func trunkLimits(cfg *config.Config) map[string]dispatch.TrunkLimit {
	out := make(map[string]dispatch.TrunkLimit)
	for id, t := range cfg.Trunks {
		if t.CallsPerSecond > 0 {
			out[id] = dispatch.TrunkLimit{CallsPerSecond: t.CallsPerSecond, Burst: t.Burst}
		}
	}
	return out
}

func (s *stack) Close() {
	if err := s.publisher.Close(); err != nil {
		slog.Warn("Event publisher close failed", "error", err)
	}
	if s.nc != nil {
		s.nc.Close()
	}
	if err := s.ua.Close(); err != nil {
		slog.Warn("SIP stack close failed", "error", err)
	}
}
