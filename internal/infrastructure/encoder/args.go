package encoder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"roomcast/internal/core/domain"
)

// Templates renders the encoder command lines for both job kinds.
type Templates struct {
	Binary        string
	RecordingsDir string
	RTMPBaseURL   string
	VideoBitrate  string
	AudioBitrate  string
	Preset        string
	KeyframeEvery int
}

func inputArgs(source string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-protocol_whitelist", "file,udp,rtp",
		"-fflags", "+genpts",
		"-i", source,
	}
}

// RecordArgs copies the room's streams into a Matroska file without
// re-encoding.
func (t Templates) RecordArgs(source, output string) []string {
	args := inputArgs(source)
	return append(args,
		"-map", "0",
		"-c", "copy",
		"-f", "matroska",
		"-y", output,
	)
}

// RestreamArgs encodes to constant bitrate H.264/AAC in FLV for RTMP ingest.
func (t Templates) RestreamArgs(source, target string) []string {
	gop := t.KeyframeEvery
	if gop <= 0 {
		gop = 60
	}
	args := inputArgs(source)
	return append(args,
		"-map", "0:v?",
		"-map", "0:a?",
		"-c:v", "libx264",
		"-preset", t.Preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", t.VideoBitrate,
		"-minrate", t.VideoBitrate,
		"-maxrate", t.VideoBitrate,
		"-bufsize", t.VideoBitrate,
		"-x264-params", "nal-hrd=cbr",
		"-g", strconv.Itoa(gop),
		"-c:a", "aac",
		"-b:a", t.AudioBitrate,
		"-ar", "44100",
		"-ac", "2",
		"-f", "flv",
		target,
	)
}

// RecordPath is <recordings_dir>/<room>/<room>-<UTC timestamp>.mkv.
func (t Templates) RecordPath(roomID domain.RoomID, at time.Time) string {
	name := fmt.Sprintf("%s-%s.mkv", roomID, at.UTC().Format("20060102T150405Z"))
	return filepath.Join(t.RecordingsDir, string(roomID), name)
}

func (t Templates) RestreamTarget(streamKey string) string {
	return strings.TrimRight(t.RTMPBaseURL, "/") + "/" + streamKey
}

// maskTarget hides all but the last four characters of the final path
// segment, which carries the stream key.
func maskTarget(target string) string {
	i := strings.LastIndex(target, "/")
	key := target[i+1:]
	if len(key) <= 4 {
		return target[:i+1] + strings.Repeat("*", len(key))
	}
	return target[:i+1] + strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
