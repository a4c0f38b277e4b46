package media

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zaf/g711"
)

// Codec represents an immutable audio codec specification.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per frame (20ms)
	Channels    int
}

// Codecs the room can carry. Telephone-event is offered so trunks that
// insist on RFC 4733 do not reject the offer; events are ignored on receive.
var (
	CodecPCMU           = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}
	CodecPCMA           = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond, 1}
)

// DefaultCodecs is the offer order: PCMU first, as in most North American trunks.
var DefaultCodecs = []Codec{CodecPCMU, CodecPCMA, CodecTelephoneEvent}

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the encoded payload size of one frame (1 byte per G.711 sample).
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// PayloadTypeString returns the payload type as used in SDP format lists.
func (c Codec) PayloadTypeString() string {
	return strconv.Itoa(int(c.PayloadType))
}

// RTPMap returns the SDP rtpmap value, e.g. "0 PCMU/8000".
func (c Codec) RTPMap() string {
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.SampleRate)
}

// IsAudio reports whether the codec carries voice samples.
func (c Codec) IsAudio() bool {
	return c.PayloadType == CodecPCMU.PayloadType || c.PayloadType == CodecPCMA.PayloadType
}

// Encode converts 16-bit little-endian PCM at the codec rate to the codec's wire format.
func (c Codec) Encode(pcm []byte) ([]byte, error) {
	switch c.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.EncodeUlaw(pcm), nil
	case CodecPCMA.PayloadType:
		return g711.EncodeAlaw(pcm), nil
	default:
		return nil, fmt.Errorf("codec %s cannot encode audio", c.Name)
	}
}

// Decode converts a wire payload to 16-bit little-endian PCM.
func (c Codec) Decode(payload []byte) ([]byte, error) {
	switch c.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.DecodeUlaw(payload), nil
	case CodecPCMA.PayloadType:
		return g711.DecodeAlaw(payload), nil
	default:
		return nil, fmt.Errorf("codec %s cannot decode audio", c.Name)
	}
}

// CodecByPayloadType looks up one of the supported codecs.
func CodecByPayloadType(pt uint8) (Codec, bool) {
	for _, c := range DefaultCodecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}
