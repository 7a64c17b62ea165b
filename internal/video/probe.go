package video

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// MediaInfo is the subset of ffprobe output the merger cares about. A zero
// Duration means ffprobe could not tell (still images, some streams).
type MediaInfo struct {
	Duration   time.Duration
	HasVideo   bool
	HasAudio   bool
	VideoCodec string
	Width      int
	Height     int
}

// ProbeFunc inspects a media file.
type ProbeFunc func(ctx context.Context, path string) (MediaInfo, error)

const defaultProbeTimeout = 30 * time.Second

// probeFile runs ffprobe through ffmpeg-go. The context only bounds the wait:
// ffmpeg-go applies its own timeout to the process.
func probeFile(ctx context.Context, path string) (MediaInfo, error) {
	timeout := defaultProbeTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return MediaInfo{}, ctx.Err()
	}

	out, err := ffmpeg.ProbeWithTimeout(path, timeout, ffmpeg.KwArgs{})
	if err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out), nil
}

func parseProbe(out string) MediaInfo {
	var info MediaInfo
	info.Duration = seconds(gjson.Get(out, "format.duration").Float())

	v := gjson.Get(out, `streams.#(codec_type=="video")`)
	if v.Exists() {
		info.HasVideo = true
		info.VideoCodec = v.Get("codec_name").String()
		info.Width = int(v.Get("width").Int())
		info.Height = int(v.Get("height").Int())
		if info.Duration == 0 {
			info.Duration = seconds(v.Get("duration").Float())
		}
	}
	info.HasAudio = gjson.Get(out, `streams.#(codec_type=="audio")`).Exists()
	return info
}

func seconds(f float64) time.Duration {
	if f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
