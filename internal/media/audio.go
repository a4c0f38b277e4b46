package media

import (
	"encoding/binary"
	"math"
)

// Telephony and realtime model sample rates.
const (
	RateTelephony   = 8000
	RateModelInput  = 16000
	RateModelOutput = 24000
)

// BytesToSamples decodes 16-bit little-endian PCM.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as 16-bit little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
// Good enough for speech between 8k, 16k and 24k.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]int16, n)

	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s1 := samples[idx]
		s2 := s1
		if idx+1 < len(samples) {
			s2 = samples[idx+1]
		}
		out[i] = int16(float64(s1)*(1-frac) + float64(s2)*frac)
	}
	return out
}

// RMS returns the root-mean-square energy of samples normalised to 0..1.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Silence returns n zero samples.
func Silence(n int) []int16 {
	return make([]int16, n)
}
