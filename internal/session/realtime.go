package session

import (
	"context"
	"time"
)

// ModelConfig is what a realtime model needs to open a conversation. The
// session passes the tuning fields through untouched; each RealtimeModel
// maps them onto its own settings.
type ModelConfig struct {
	Model                string
	Voice                string
	Instructions         string
	PreemptiveGeneration bool
	MinEndpointingDelay  time.Duration
	MaxEndpointingDelay  time.Duration
	InputSampleRate      int
	OutputSampleRate     int
}

// RealtimeModel opens duplex audio conversations with a speech model.
// Connect returns once the model has acknowledged the setup.
type RealtimeModel interface {
	Connect(ctx context.Context, cfg ModelConfig) (RealtimeConn, error)
}

// RealtimeConn is one open model conversation.
type RealtimeConn interface {
	// SendAudio streams 16-bit PCM at the configured input rate.
	SendAudio(pcm []byte) error
	// EndAudioStream tells the model the caller stopped talking.
	EndAudioStream() error
	// Events delivers model output. Closed when the connection ends.
	Events() <-chan ModelEvent
	Close() error
}

// ModelEventType identifies a model event.
type ModelEventType int

const (
	EventAudio ModelEventType = iota
	EventInterrupted
	EventTurnComplete
	EventInputTranscript
	EventOutputTranscript
	EventError
)

// ModelEvent is one piece of model output. Audio is 16-bit PCM at the
// configured output rate.
type ModelEvent struct {
	Type  ModelEventType
	Audio []byte
	Text  string
	Err   error
}
