package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/sebas/dialout/internal/job"
)

// Reply is sent back when a job message carries a reply subject.
type Reply struct {
	JobID    string `json:"job_id,omitempty"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Subscriber feeds jobs from a NATS queue group into a Dispatcher. Workers
// sharing the queue group each receive a share of the jobs.
type Subscriber struct {
	conn       *nats.Conn
	subject    string
	queueGroup string
	dispatcher *Dispatcher
	log        *slog.Logger

	ctx context.Context
	sub *nats.Subscription
}

// NewSubscriber creates a Subscriber for subject within queueGroup.
func NewSubscriber(conn *nats.Conn, subject, queueGroup string, d *Dispatcher, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		conn:       conn,
		subject:    subject,
		queueGroup: queueGroup,
		dispatcher: d,
		log:        log,
	}
}

// Start subscribes. Jobs block the subscription while the worker is at
// capacity so the remaining queue members pick up the slack.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	sub, err := s.conn.QueueSubscribe(s.subject, s.queueGroup, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s (queue %s): %w", s.subject, s.queueGroup, err)
	}
	s.sub = sub
	s.log.Info("[Dispatch] Listening for jobs", "subject", s.subject, "queue", s.queueGroup)
	return nil
}

// Stop drains the subscription: messages already delivered are handled,
// no new ones arrive.
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	j, err := job.Parse(msg.Data)
	if err != nil {
		s.log.Warn("[Dispatch] Rejected job message", "subject", msg.Subject, "error", err)
		s.reply(msg, Reply{Error: err.Error()})
		return
	}

	if err := s.dispatcher.SubmitWait(s.ctx, j); err != nil {
		s.log.Warn("[Dispatch] Job not started", append(j.LogAttrs(), "error", err)...)
		s.reply(msg, Reply{JobID: j.ID(), Error: err.Error()})
		return
	}

	s.log.Info("[Dispatch] Job accepted", j.LogAttrs()...)
	s.reply(msg, Reply{JobID: j.ID(), Accepted: true})
}

func (s *Subscriber) reply(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Debug("[Dispatch] Reply failed", "error", err)
	}
}
