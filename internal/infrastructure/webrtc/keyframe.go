package webrtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

const (
	h264NALUTypeIDR   = 5
	h264NALUTypeSPS   = 7
	h264NALUTypeSTAPA = 24
	h264NALUTypeFUA   = 28
)

// isKeyframe reports whether pkt starts or belongs to the first packet of a
// keyframe. Audio packets always report true.
func isKeyframe(mimeType string, pkt *rtp.Packet) bool {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(pkt.Payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(pkt.Payload)
	case strings.HasPrefix(strings.ToLower(mimeType), "audio/"):
		return true
	}
	return false
}

func isVP8Keyframe(payload []byte) bool {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	// start of partition 0 with the P bit cleared
	return vp8.S == 1 && vp8.PID == 0 && frame[0]&0x01 == 0
}

func isH264Keyframe(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	switch nal := payload[0] & 0x1F; nal {
	case h264NALUTypeIDR, h264NALUTypeSPS:
		return true
	case h264NALUTypeSTAPA:
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				break
			}
			if t := payload[i] & 0x1F; t == h264NALUTypeIDR || t == h264NALUTypeSPS {
				return true
			}
			i += size
		}
	case h264NALUTypeFUA:
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1F == h264NALUTypeIDR
	}
	return false
}
