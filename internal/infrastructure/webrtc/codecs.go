package webrtc

import (
	"strings"

	"roomcast/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type codec struct {
	kind   domain.MediaKind
	params webrtc.RTPCodecParameters
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// supportedCodecs is registered with every PeerConnection and advertised
// through Capabilities. Payload types are also used on tap endpoints.
var supportedCodecs = []codec{
	{
		kind: domain.KindVideo,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
			PayloadType:        96,
		},
	},
	{
		kind: domain.KindVideo,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoFeedback,
			},
			PayloadType: 102,
		},
	},
	{
		kind: domain.KindAudio,
		params: webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
			PayloadType:        111,
		},
	},
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func mediaKind(t webrtc.RTPCodecType) (domain.MediaKind, bool) {
	switch t {
	case webrtc.RTPCodecTypeVideo:
		return domain.KindVideo, true
	case webrtc.RTPCodecTypeAudio:
		return domain.KindAudio, true
	}
	return "", false
}

// lookupCodec finds the supported codec for kind and mimeType. An empty
// mimeType selects the first codec of the kind.
func lookupCodec(kind domain.MediaKind, mimeType string) (codec, bool) {
	for _, c := range supportedCodecs {
		if c.kind != kind {
			continue
		}
		if mimeType == "" || strings.EqualFold(c.params.MimeType, mimeType) {
			return c, true
		}
	}
	return codec{}, false
}

func capabilities() domain.Capabilities {
	caps := domain.Capabilities{Codecs: make([]domain.CodecCapability, 0, len(supportedCodecs))}
	for _, c := range supportedCodecs {
		caps.Codecs = append(caps.Codecs, domain.CodecCapability{
			Kind:        c.kind,
			MimeType:    c.params.MimeType,
			ClockRate:   c.params.ClockRate,
			Channels:    c.params.Channels,
			SDPFmtpLine: c.params.SDPFmtpLine,
		})
	}
	return caps
}

func supports(caps domain.Capabilities, kind domain.MediaKind, mimeType string) bool {
	for _, c := range caps.Codecs {
		if c.Kind == kind && strings.EqualFold(c.MimeType, mimeType) {
			return true
		}
	}
	return false
}

// encodingName is the rtpmap name for mimeType, e.g. "VP8" for "video/VP8".
func encodingName(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		return mimeType[i+1:]
	}
	return mimeType
}
