package media

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecFrameSizes(t *testing.T) {
	assert.Equal(t, 160, CodecPCMU.SamplesPerFrame())
	assert.Equal(t, 160, CodecPCMA.BytesPerFrame())
	assert.Equal(t, uint32(160), CodecPCMU.TimestampIncrement())
	assert.Equal(t, "8 PCMA/8000", CodecPCMA.RTPMap())
	assert.False(t, CodecTelephoneEvent.IsAudio())
}

func TestCodecEncodeDecode(t *testing.T) {
	pcm := SamplesToBytes(make([]int16, 160))

	for _, c := range []Codec{CodecPCMU, CodecPCMA} {
		enc, err := c.Encode(pcm)
		require.NoError(t, err, c.Name)
		assert.Len(t, enc, 160, c.Name)

		dec, err := c.Decode(enc)
		require.NoError(t, err, c.Name)
		assert.Len(t, dec, 320, c.Name)
	}

	_, err := CodecTelephoneEvent.Encode(pcm)
	assert.Error(t, err)
}

func TestCodecByPayloadType(t *testing.T) {
	c, ok := CodecByPayloadType(8)
	require.True(t, ok)
	assert.Equal(t, "PCMA", c.Name)

	_, ok = CodecByPayloadType(18)
	assert.False(t, ok)
}

func TestResample(t *testing.T) {
	in := make([]int16, 160)
	for i := range in {
		in[i] = int16(i * 10)
	}

	up := Resample(in, RateTelephony, RateModelInput)
	assert.Len(t, up, 320)
	assert.Equal(t, in[0], up[0])
	assert.Equal(t, in[1], up[2])

	down := Resample(make([]int16, 480), RateModelOutput, RateTelephony)
	assert.Len(t, down, 160)

	same := Resample(in, RateTelephony, RateTelephony)
	assert.Equal(t, in, same)
}

func TestSampleConversion(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	assert.Equal(t, samples, BytesToSamples(SamplesToBytes(samples)))
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS(Silence(160)))

	loud := make([]int16, 160)
	for i := range loud {
		loud[i] = 16384
	}
	assert.InDelta(t, 0.5, RMS(loud), 0.0001)
}

func TestSequenceTracker(t *testing.T) {
	s := NewSequenceTracker()

	ext, lost := s.Update(100)
	assert.Equal(t, uint32(100), ext)
	assert.Zero(t, lost)

	_, lost = s.Update(103)
	assert.Equal(t, 2, lost)

	// late packet does not count as loss
	_, lost = s.Update(101)
	assert.Zero(t, lost)

	received, totalLost := s.Stats()
	assert.Equal(t, uint64(3), received)
	assert.Equal(t, uint64(2), totalLost)
	assert.InDelta(t, 0.4, s.LossRate(), 0.0001)
}

func TestSequenceTrackerRollover(t *testing.T) {
	s := NewSequenceTracker()
	s.Update(65535)
	ext, lost := s.Update(0)
	assert.Equal(t, uint32(1<<16), ext)
	assert.Zero(t, lost)
}

func TestBuildOffer(t *testing.T) {
	body, err := BuildOffer(Offer{Addr: "10.0.0.5", Port: 20000})
	require.NoError(t, err)

	sdpText := string(body)
	assert.Contains(t, sdpText, "c=IN IP4 10.0.0.5")
	assert.Contains(t, sdpText, "m=audio 20000 RTP/AVP 0 8 101")
	assert.Contains(t, sdpText, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, sdpText, "a=fmtp:101 0-15")
	assert.Contains(t, sdpText, "a=sendrecv")

	_, err = BuildOffer(Offer{Addr: "", Port: 20000})
	assert.Error(t, err)
}

const answerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 203.0.113.9\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.9\r\n" +
	"t=0 0\r\n" +
	"m=audio 31000 RTP/AVP 8 101\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func TestParseAnswer(t *testing.T) {
	ans, err := ParseAnswer([]byte(answerSDP))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", ans.Addr)
	assert.Equal(t, 31000, ans.Port)
	assert.Equal(t, CodecPCMA, ans.Codec)

	addr, err := ans.UDPAddr()
	require.NoError(t, err)
	assert.Equal(t, 31000, addr.Port)
}

func TestParseAnswerErrors(t *testing.T) {
	rejected := strings.Replace(answerSDP, "m=audio 31000", "m=audio 0", 1)
	_, err := ParseAnswer([]byte(rejected))
	assert.Error(t, err)

	onlyG729 := strings.Replace(answerSDP, "RTP/AVP 8 101", "RTP/AVP 18", 1)
	_, err = ParseAnswer([]byte(onlyG729))
	assert.ErrorIs(t, err, ErrNoCommonCodec)

	_, err = ParseAnswer([]byte("garbage"))
	assert.Error(t, err)
}

func TestPortPool(t *testing.T) {
	p := NewPortPool(20001, 20008)

	// odd min rounds up; pairs at 20002, 20004, 20006
	assert.Equal(t, 3, p.Available())

	a, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 20002, a)

	b, err := p.Allocate()
	require.NoError(t, err)
	c, err := p.Allocate()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{20004, 20006}, []int{b, c})

	_, err = p.Allocate()
	assert.ErrorIs(t, err, ErrNoPorts)

	p.Release(b)
	assert.Equal(t, 1, p.Available())
	got, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestPortPoolListenUDP(t *testing.T) {
	p := NewPortPool(41000, 41100)
	conn, port, err := p.ListenUDP("127.0.0.1")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, port, conn.LocalAddr().(*net.UDPAddr).Port)
	assert.Equal(t, 1, p.Allocated())
}

func TestRTPStreamWriter(t *testing.T) {
	recv, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer recv.Close()

	send, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer send.Close()

	w := NewRTPStreamWriter(send, CodecPCMU)
	defer w.Close()

	// no remote yet: dropped silently
	_, err = w.Write(make([]byte, 160))
	require.NoError(t, err)
	assert.Zero(t, w.PacketsSent())

	w.SetRemote(recv.LocalAddr())
	_, err = w.Write(make([]byte, 160))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), w.PacketsSent())

	buf := make([]byte, 1500)
	require.NoError(t, recv.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := recv.ReadFrom(buf)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, w.SSRC(), pkt.SSRC)
	assert.Equal(t, uint8(0), pkt.PayloadType)
	assert.True(t, pkt.Marker)
	assert.Len(t, pkt.Payload, 160)

	require.NoError(t, w.Close())
	_, err = w.Write(make([]byte, 160))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestRTPStreamWriterPacingDoesNotBlockRemote(t *testing.T) {
	send, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer send.Close()

	slow := CodecPCMU
	slow.SampleDur = time.Second
	w := NewRTPStreamWriter(send, slow)

	writing := make(chan error, 1)
	go func() {
		_, err := w.Write(make([]byte, 160))
		writing <- err
	}()
	time.Sleep(20 * time.Millisecond) // let Write reach the tick

	start := time.Now()
	w.SetRemote(send.LocalAddr())
	assert.Equal(t, send.LocalAddr(), w.Remote())
	assert.Less(t, time.Since(start), 200*time.Millisecond, "address access waited on the pacing clock")

	// Close releases a Write still waiting for its tick.
	require.NoError(t, w.Close())
	select {
	case err := <-writing:
		if err != nil {
			assert.ErrorIs(t, err, net.ErrClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Write still blocked after Close")
	}
}
