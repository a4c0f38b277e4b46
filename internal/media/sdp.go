package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// ErrNoCommonCodec is returned when an answer selects nothing we can carry.
var ErrNoCommonCodec = errors.New("no common audio codec")

// Offer is the local media endpoint advertised in the INVITE.
type Offer struct {
	Addr   string
	Port   int
	Codecs []Codec
}

// Answer is the far end's media endpoint taken from the SDP answer.
type Answer struct {
	Addr  string
	Port  int
	Codec Codec
}

// UDPAddr returns the answer endpoint as a UDP address.
func (a Answer) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(a.Addr, strconv.Itoa(a.Port)))
}

// BuildOffer renders an SDP offer for o.
func BuildOffer(o Offer) ([]byte, error) {
	if o.Addr == "" || o.Port <= 0 {
		return nil, fmt.Errorf("invalid media endpoint %s:%d", o.Addr, o.Port)
	}
	codecs := o.Codecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs
	}

	formats := make([]string, 0, len(codecs))
	for _, c := range codecs {
		formats = append(formats, c.PayloadTypeString())
	}

	sessionID := uint64(time.Now().UnixNano())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "dialout",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    addressType(o.Addr),
			UnicastAddress: o.Addr,
		},
		SessionName: "dialout",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(o.Addr),
			Address:     &sdp.Address{Address: o.Addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: o.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: codecAttributes(codecs),
			},
		},
	}
	return desc.Marshal()
}

// codecAttributes returns rtpmap/fmtp, ptime and direction attributes.
func codecAttributes(codecs []Codec) []sdp.Attribute {
	attrs := make([]sdp.Attribute, 0, len(codecs)+3)
	for _, c := range codecs {
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: c.RTPMap()})
		if c.PayloadType == CodecTelephoneEvent.PayloadType {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: c.PayloadTypeString() + " 0-15"})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return attrs
}

// ParseAnswer extracts the remote audio endpoint and the first audio codec
// of the answer that we support.
func ParseAnswer(body []byte) (Answer, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return Answer{}, fmt.Errorf("parse SDP answer: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		if md.MediaName.Port.Value == 0 {
			return Answer{}, fmt.Errorf("audio stream rejected by remote")
		}

		addr := ""
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			addr = md.ConnectionInformation.Address.Address
		} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			addr = desc.ConnectionInformation.Address.Address
		}
		if addr == "" {
			return Answer{}, fmt.Errorf("SDP answer has no connection address")
		}

		for _, f := range md.MediaName.Formats {
			pt, err := strconv.Atoi(f)
			if err != nil || pt < 0 || pt > 127 {
				continue
			}
			if c, ok := CodecByPayloadType(uint8(pt)); ok && c.IsAudio() {
				return Answer{Addr: addr, Port: md.MediaName.Port.Value, Codec: c}, nil
			}
		}
		return Answer{}, ErrNoCommonCodec
	}
	return Answer{}, fmt.Errorf("SDP answer has no audio stream")
}

func addressType(addr string) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}
