package session

import "github.com/sebas/dialout/internal/media"

// AudioFilter processes callee audio before it reaches the model.
type AudioFilter interface {
	// Process returns the samples to forward and whether they carry voice.
	Process(samples []int16) ([]int16, bool)
}

// defaultHangoverFrames keeps the gate open for 200ms of 20ms frames after
// speech drops below the threshold, so word endings are not clipped.
const defaultHangoverFrames = 10

// NoiseGate mutes frames whose RMS energy is below Threshold. Muted
// frames are replaced with silence rather than dropped so the model keeps
// receiving a continuous stream.
type NoiseGate struct {
	Threshold      float64
	HangoverFrames int

	hang int
}

// NewNoiseGate creates a gate with the default hangover.
func NewNoiseGate(threshold float64) *NoiseGate {
	return &NoiseGate{Threshold: threshold, HangoverFrames: defaultHangoverFrames}
}

// Process implements AudioFilter.
func (g *NoiseGate) Process(samples []int16) ([]int16, bool) {
	if g.Threshold <= 0 {
		return samples, media.RMS(samples) > 0
	}
	if media.RMS(samples) >= g.Threshold {
		g.hang = g.HangoverFrames
		return samples, true
	}
	if g.hang > 0 {
		g.hang--
		return samples, true
	}
	return media.Silence(len(samples)), false
}
