package webrtc

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		NegotiateTimeout: 3 * time.Second,
		TapHost:          "127.0.0.1",
		TapDir:           t.TempDir(),
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newClient(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func gatheredLocal(t *testing.T, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) domain.SessionDescription {
	t.Helper()
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(desc))
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatal("client ice gathering timed out")
	}
	local := pc.LocalDescription()
	return domain.SessionDescription{Type: local.Type.String(), SDP: local.SDP}
}

// publish negotiates a producer transport with a client sending one VP8 track.
func publish(t *testing.T, e *Engine) (ports.Transport, ports.ProducerHandle) {
	t.Helper()
	ctx := context.Background()

	tr, err := e.CreateTransport(ctx, domain.RoleProducer)
	require.NoError(t, err)

	client := newClient(t)
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "client")
	require.NoError(t, err)
	_, err = client.AddTrack(track)
	require.NoError(t, err)

	offer, err := client.CreateOffer(nil)
	require.NoError(t, err)
	answer, err := tr.Connect(ctx, gatheredLocal(t, client, offer))
	require.NoError(t, err)
	require.NotNil(t, answer)
	assert.Equal(t, "answer", answer.Type)
	require.NoError(t, client.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}))

	p, err := tr.Produce(ctx, domain.KindVideo, domain.RTPParameters{MimeType: webrtc.MimeTypeVP8})
	require.NoError(t, err)
	return tr, p
}

func TestEngine_Capabilities(t *testing.T) {
	e := newTestEngine(t)

	caps := e.Capabilities()
	require.Len(t, caps.Codecs, 3)

	var kinds []domain.MediaKind
	for _, c := range caps.Codecs {
		kinds = append(kinds, c.Kind)
	}
	assert.Contains(t, kinds, domain.KindVideo)
	assert.Contains(t, kinds, domain.KindAudio)
}

func TestEngine_ProducerNegotiation(t *testing.T) {
	e := newTestEngine(t)

	tr, p := publish(t, e)

	assert.True(t, tr.Connected())
	assert.Equal(t, domain.RoleProducer, tr.Role())
	assert.Equal(t, domain.KindVideo, p.Kind())
	assert.NotEmpty(t, p.ID())
	assert.True(t, e.CanConsume(p.ID(), e.Capabilities()))
}

func TestEngine_ProduceRejectsUnsupportedCodec(t *testing.T) {
	e := newTestEngine(t)
	tr, err := e.CreateTransport(context.Background(), domain.RoleProducer)
	require.NoError(t, err)

	_, err = tr.Produce(context.Background(), domain.KindVideo, domain.RTPParameters{MimeType: "video/AV1X"})
	var engineErr *domain.EngineError
	assert.ErrorAs(t, err, &engineErr)
}

func TestEngine_ConsumeFlow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, p := publish(t, e)

	tr, err := e.CreateTransport(ctx, domain.RoleConsumer)
	require.NoError(t, err)
	assert.False(t, tr.Connected())

	params, err := tr.Consume(ctx, p.ID(), e.Capabilities())
	require.NoError(t, err)
	assert.Equal(t, p.ID(), params.ProducerID)
	assert.Equal(t, domain.KindVideo, params.Kind)
	assert.Equal(t, webrtc.MimeTypeVP8, params.RTPParameters.MimeType)
	assert.NotZero(t, params.RTPParameters.SSRC)

	offer, err := tr.PendingOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "VP8/90000")

	viewer := newClient(t)
	require.NoError(t, viewer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}))
	answer, err := viewer.CreateAnswer(nil)
	require.NoError(t, err)

	reply, err := tr.Connect(ctx, gatheredLocal(t, viewer, answer))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.True(t, tr.Connected())
}

func TestEngine_ConsumeErrors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, p := publish(t, e)

	tr, err := e.CreateTransport(ctx, domain.RoleConsumer)
	require.NoError(t, err)

	_, err = tr.Consume(ctx, "missing", e.Capabilities())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	audioOnly := domain.Capabilities{Codecs: []domain.CodecCapability{
		{Kind: domain.KindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	}}
	assert.False(t, e.CanConsume(p.ID(), audioOnly))
	_, err = tr.Consume(ctx, p.ID(), audioOnly)
	assert.ErrorIs(t, err, domain.ErrCannotConsume)
}

func TestEngine_ClosingTransportClosesProducers(t *testing.T) {
	e := newTestEngine(t)
	tr, p := publish(t, e)

	require.NoError(t, tr.Close())
	assert.False(t, e.CanConsume(p.ID(), e.Capabilities()))
	// second close is a no-op
	assert.NoError(t, tr.Close())
}

func TestEngine_CreateTransportAfterClose(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close())

	_, err := e.CreateTransport(context.Background(), domain.RoleConsumer)
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
}

func TestEngine_OpenTap(t *testing.T) {
	e := newTestEngine(t)
	_, p := publish(t, e)

	tp, err := e.OpenTap(context.Background(), []domain.ProducerID{p.ID()})
	require.NoError(t, err)

	path := tp.URL()
	assert.True(t, strings.HasSuffix(path, ".sdp"))
	body, err := os.ReadFile(path)
	require.NoError(t, err)

	sdpText := string(body)
	assert.Contains(t, sdpText, "c=IN IP4 127.0.0.1")
	assert.Contains(t, sdpText, "m=video")
	assert.Contains(t, sdpText, "RTP/AVP 96")
	assert.Contains(t, sdpText, "a=rtpmap:96 VP8/90000")

	require.NoError(t, tp.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, tp.Close())
}

func TestEngine_OpenTapErrors(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.OpenTap(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrNoMedia)

	_, err = e.OpenTap(context.Background(), []domain.ProducerID{"missing"})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestSink_WaitsForKeyframeAndRewritesPayloadType(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	conn, err := net.DialUDP("udp", nil, listener.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	s := &sink{conn: conn, pt: 96, mimeType: webrtc.MimeTypeVP8}

	delta := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 120, SequenceNumber: 1}, Payload: vp8Payload(false)}
	key := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 120, SequenceNumber: 2}, Payload: vp8Payload(true)}

	s.write(delta)
	s.write(key)

	buf := make([]byte, 1500)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := listener.Read(buf)
	require.NoError(t, err)

	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, uint16(2), got.SequenceNumber)
	assert.Equal(t, uint8(96), got.PayloadType)
}

func TestReservePortPair(t *testing.T) {
	port, err := reservePortPair("127.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, port%2)
}

func vp8Payload(keyframe bool) []byte {
	// descriptor: S=1, PID=0; then the first byte of the frame header
	frame := byte(0x01)
	if keyframe {
		frame = 0x00
	}
	return []byte{0x10, frame, 0x9d, 0x01, 0x2a, 0x00, 0x00, 0x00, 0x00, 0x00}
}

func TestIsKeyframe(t *testing.T) {
	cases := []struct {
		name     string
		mimeType string
		payload  []byte
		want     bool
	}{
		{"vp8 keyframe", webrtc.MimeTypeVP8, vp8Payload(true), true},
		{"vp8 delta", webrtc.MimeTypeVP8, vp8Payload(false), false},
		{"vp8 continuation", webrtc.MimeTypeVP8, []byte{0x00, 0x00, 0x00, 0x00}, false},
		{"h264 idr", webrtc.MimeTypeH264, []byte{0x65, 0x88, 0x84}, true},
		{"h264 non-idr", webrtc.MimeTypeH264, []byte{0x41, 0x9a, 0x02}, false},
		{"h264 stap-a with sps", webrtc.MimeTypeH264, []byte{0x78, 0x00, 0x02, 0x67, 0x42}, true},
		{"h264 fu-a idr start", webrtc.MimeTypeH264, []byte{0x7c, 0x85, 0x00}, true},
		{"h264 fu-a idr middle", webrtc.MimeTypeH264, []byte{0x7c, 0x05, 0x00}, false},
		{"opus", webrtc.MimeTypeOpus, []byte{0xfc}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isKeyframe(tc.mimeType, &rtp.Packet{Payload: tc.payload}))
		})
	}
}
