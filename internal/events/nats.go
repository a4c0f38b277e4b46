package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS connection shared by job dispatch and
// event publishing.
type NATSConfig struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// DefaultNATSConfig returns defaults suitable for a single worker.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:            url,
		Name:           "dialout",
		ConnectTimeout: 5 * time.Second,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
	}
}

// ConnectNATS dials NATS with reconnect handlers that log through logger.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("[NATS] Disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("[NATS] Reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("[NATS] Async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NATSPublisher publishes events as JSON on core NATS subjects. The event id
// travels in the Nats-Msg-Id header so a JetStream stream bound to the
// subjects deduplicates retries.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewNATSPublisher wraps an established connection. The caller keeps
// ownership of conn; Close only flushes.
func NewNATSPublisher(conn *nats.Conn, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, logger: logger}
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("marshal %s event: %w", event.Type(), err)
	}

	msg := nats.NewMsg(event.Subject())
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID())
	msg.Header.Set("Dialout-Event-Type", string(event.Type()))

	if err := p.conn.PublishMsg(msg); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	p.published.Add(1)
	return nil
}

func (p *NATSPublisher) PublishAsync(event Event) {
	if err := p.Publish(context.Background(), event); err != nil {
		p.logger.Warn("[Events] Async publish failed", "type", event.Type(), "job_id", event.JobID(), "error", err)
	}
}

func (p *NATSPublisher) Flush(ctx context.Context) error {
	return p.conn.FlushWithContext(ctx)
}

func (p *NATSPublisher) Close() error {
	if p.conn.IsClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Flush(ctx)
}

// Stats returns how many events were published and how many failed.
func (p *NATSPublisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}
