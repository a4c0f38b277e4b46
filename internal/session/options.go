package session

import "time"

// Defaults for a realtime voice session.
const (
	DefaultInputSampleRate     = 16000
	DefaultOutputSampleRate    = 24000
	DefaultMinEndpointingDelay = 100 * time.Millisecond
	DefaultMaxEndpointingDelay = time.Second
)

// Options are passed through to the realtime model unchanged.
type Options struct {
	Model                string
	Voice                string
	PreemptiveGeneration bool
	MinEndpointingDelay  time.Duration
	MaxEndpointingDelay  time.Duration
	InputSampleRate      int
	OutputSampleRate     int

	// NoiseGateThreshold is the RMS level (0..1) below which callee audio
	// is muted before it reaches the model. 0 disables the gate.
	NoiseGateThreshold float64
}

func (o Options) withDefaults() Options {
	if o.InputSampleRate <= 0 {
		o.InputSampleRate = DefaultInputSampleRate
	}
	if o.OutputSampleRate <= 0 {
		o.OutputSampleRate = DefaultOutputSampleRate
	}
	if o.MinEndpointingDelay <= 0 {
		o.MinEndpointingDelay = DefaultMinEndpointingDelay
	}
	if o.MaxEndpointingDelay <= 0 {
		o.MaxEndpointingDelay = DefaultMaxEndpointingDelay
	}
	return o
}

// Agent is the conversational agent to run in the session.
type Agent struct {
	Name         string
	Instructions string
}
