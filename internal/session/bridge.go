package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sebas/dialout/internal/media"
	"github.com/sebas/dialout/internal/room"
)

// bridge moves audio between the room (8kHz) and the model (its own rates).
type bridge struct {
	room   Room
	conn   RealtimeConn
	filter AudioFilter
	opts   Options
	log    *slog.Logger
}

// run pumps audio both ways until either side stops and returns why.
func (b *bridge) run(ctx context.Context) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reasons := make(chan string, 2)
	go func() { reasons <- b.pumpInbound(ctx) }()
	go func() { reasons <- b.pumpOutbound(ctx) }()

	reason := <-reasons
	cancel()
	<-reasons
	return reason
}

// pumpInbound forwards callee audio to the model. After the callee has
// been silent for MaxEndpointingDelay the model is told the turn ended.
func (b *bridge) pumpInbound(ctx context.Context) string {
	var (
		speaking  bool
		lastVoice time.Time
	)
	inbound := b.room.Inbound()

	for {
		select {
		case <-ctx.Done():
			return EndReasonCancelled

		case frame, ok := <-inbound:
			if !ok {
				return EndReasonRoomClosed
			}

			samples, voiced := b.filter.Process(media.BytesToSamples(frame))
			now := time.Now()
			switch {
			case voiced:
				speaking = true
				lastVoice = now
			case speaking && now.Sub(lastVoice) >= b.opts.MaxEndpointingDelay:
				speaking = false
				if err := b.conn.EndAudioStream(); err != nil {
					b.log.Debug("[Session] audioStreamEnd failed", "error", err)
				}
			}

			up := media.Resample(samples, media.RateTelephony, b.opts.InputSampleRate)
			if err := b.conn.SendAudio(media.SamplesToBytes(up)); err != nil {
				if ctx.Err() != nil {
					return EndReasonCancelled
				}
				b.log.Warn("[Session] Sending audio to model failed", "error", err)
				return EndReasonModelError
			}
		}
	}
}

// pumpOutbound plays model output into the room.
func (b *bridge) pumpOutbound(ctx context.Context) string {
	events := b.conn.Events()

	for {
		select {
		case <-ctx.Done():
			return EndReasonCancelled

		case ev, ok := <-events:
			if !ok {
				return EndReasonModelClosed
			}

			switch ev.Type {
			case EventAudio:
				down := media.Resample(media.BytesToSamples(ev.Audio), b.opts.OutputSampleRate, media.RateTelephony)
				if err := b.room.WriteAudio(media.SamplesToBytes(down)); err != nil {
					if errors.Is(err, room.ErrClosed) {
						return EndReasonRoomClosed
					}
					b.log.Debug("[Session] Room write failed", "error", err)
				}
			case EventInterrupted:
				b.room.ClearAudio()
				b.log.Debug("[Session] Agent interrupted")
			case EventInputTranscript:
				b.log.Debug("[Session] Callee said", "text", ev.Text)
			case EventOutputTranscript:
				b.log.Debug("[Session] Agent said", "text", ev.Text)
			case EventTurnComplete:
				b.log.Debug("[Session] Turn complete")
			case EventError:
				b.log.Warn("[Session] Model error", "error", ev.Err)
				return EndReasonModelError
			}
		}
	}
}
