package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/metrics"
	"miitopia-bot/internal/model"
)

// Merger combines a picture or video with an audio file.
type Merger interface {
	Merge(ctx context.Context, job model.MergeJob) (string, error)
}

// AudioPlan says how the audio input is fitted to the output length.
type AudioPlan struct {
	// Loop repeats the audio from the start until the output ends.
	Loop bool
	// Trim is the output length. Zero means "cut at the shortest stream".
	Trim time.Duration
	// Start skips into the audio before it is used.
	Start time.Duration
}

// PlanAudio fits audio to a target length: audio shorter than the target (or
// of unknown length) is looped, longer audio is truncated. An unknown target
// loops the audio and ends with the picture.
func PlanAudio(target, audio time.Duration) AudioPlan {
	if target <= 0 {
		return AudioPlan{Loop: true}
	}
	return AudioPlan{Loop: audio <= 0 || audio < target, Trim: target}
}

type Options struct {
	FFmpegPath    string
	Width         int
	Height        int
	ImageDuration time.Duration
	Timeout       time.Duration
	// Probe defaults to ffprobe.
	Probe ProbeFunc
	// Offset picks an audio start in [0, max). Defaults to a uniform pick.
	Offset func(max time.Duration) time.Duration
}

// mp4Codecs are copied as is; anything else is re-encoded to H.264.
var mp4Codecs = map[string]bool{
	"h264":  true,
	"hevc":  true,
	"mpeg4": true,
}

// FFmpeg runs the ffmpeg binary for each merge.
type FFmpeg struct {
	bin           string
	width         int
	height        int
	imageDuration time.Duration
	timeout       time.Duration
	probe         ProbeFunc
	offset        func(time.Duration) time.Duration
	log           *logging.Logger
}

func NewFFmpeg(opts Options, log *logging.Logger) *FFmpeg {
	f := &FFmpeg{
		bin:           opts.FFmpegPath,
		width:         opts.Width,
		height:        opts.Height,
		imageDuration: opts.ImageDuration,
		timeout:       opts.Timeout,
		probe:         opts.Probe,
		offset:        opts.Offset,
		log:           log,
	}
	if f.bin == "" {
		f.bin = "ffmpeg"
	}
	if f.width <= 0 || f.height <= 0 {
		f.width, f.height = 1280, 720
	}
	if f.imageDuration <= 0 {
		f.imageDuration = 10 * time.Second
	}
	if f.probe == nil {
		f.probe = probeFile
	}
	if f.offset == nil {
		f.offset = rand.N[time.Duration]
	}
	return f
}

// Merge writes a new MP4 into job.OutputDir and returns its path. The caller
// owns the file. Nothing is left behind on failure.
func (f *FFmpeg) Merge(ctx context.Context, job model.MergeJob) (string, error) {
	start := time.Now()
	out, err := f.merge(ctx, job)
	status := "ok"
	if err != nil {
		status = model.Class(err)
	}
	metrics.MergesTotal.WithLabelValues(string(job.Kind), status).Inc()
	f.log.Infof("video: merge %s finished in %s (%s)", job, time.Since(start).Round(time.Millisecond), status)
	return out, err
}

func (f *FFmpeg) merge(ctx context.Context, job model.MergeJob) (string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	media, err := f.probe(ctx, job.MediaPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrUnsupportedMedia, err)
	}
	if !media.HasVideo {
		return "", fmt.Errorf("%w: %s has no picture", model.ErrUnsupportedMedia, filepath.Base(job.MediaPath))
	}

	// An unreadable audio file makes ffmpeg fail below; here it only means
	// the length is unknown.
	audio, err := f.probe(ctx, job.AudioPath)
	if err != nil {
		f.log.Warnf("video: probe audio %s: %v", job.AudioPath, err)
	}

	out := filepath.Join(job.OutputDir, "merged-"+uuid.NewString()+".mp4")

	var args []string
	switch job.Kind {
	case model.MediaVideo:
		plan := f.startAt(job, PlanAudio(media.Duration, audio.Duration), audio.Duration)
		args = f.videoArgs(job, out, media, plan)
	case model.MediaImage, model.MediaAnimation:
		plan := f.startAt(job, PlanAudio(f.imageDuration, audio.Duration), audio.Duration)
		args = f.stillArgs(job, out, plan)
	default:
		return "", fmt.Errorf("%w: unknown media kind %q", model.ErrUnsupportedMedia, job.Kind)
	}

	if err := f.run(ctx, args); err != nil {
		os.Remove(out)
		return "", err
	}

	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("%w: ffmpeg did not create %s: %w", model.ErrTranscodeFailed, out, err)
	}
	return out, nil
}

// startAt moves the audio start to a random point when the job allows it and
// the track is long enough to play the whole output without looping.
func (f *FFmpeg) startAt(job model.MergeJob, plan AudioPlan, audio time.Duration) AudioPlan {
	if !job.RandomStart || plan.Loop || plan.Trim <= 0 || audio <= plan.Trim {
		return plan
	}
	plan.Start = f.offset(audio - plan.Trim)
	return plan
}

// videoArgs keeps the picture and swaps in the new audio. Codecs the MP4
// muxer cannot hold (VP8, Theora and friends from webm/ogv uploads) are
// re-encoded.
func (f *FFmpeg) videoArgs(job model.MergeJob, out string, media MediaInfo, plan AudioPlan) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", job.MediaPath}
	args = append(args, audioInput(job.AudioPath, plan)...)
	args = append(args, "-map", "0:v:0", "-map", "1:a:0")
	if mp4Codecs[media.VideoCodec] {
		args = append(args, "-c:v", "copy")
	} else {
		f.log.Debugf("video: re-encoding %q video to h264", media.VideoCodec)
		args = append(args,
			"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2,format=yuv420p",
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "23",
		)
	}
	args = append(args,
		"-c:a", "aac",
		"-b:a", "192k",
	)
	args = append(args, outputLength(plan)...)
	return append(args, "-movflags", "+faststart", out)
}

// stillArgs renders a fixed-length, fixed-size clip from an image or GIF.
func (f *FFmpeg) stillArgs(job model.MergeJob, out string, plan AudioPlan) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if job.Kind == model.MediaAnimation {
		args = append(args, "-stream_loop", "-1", "-i", job.MediaPath)
	} else {
		args = append(args, "-loop", "1", "-framerate", "24", "-i", job.MediaPath)
	}
	args = append(args, audioInput(job.AudioPath, plan)...)

	scale := fmt.Sprintf(
		"scale=%[1]d:%[2]d:force_original_aspect_ratio=decrease,pad=%[1]d:%[2]d:(ow-iw)/2:(oh-ih)/2:black,setsar=1,format=yuv420p",
		f.width, f.height,
	)
	tune := "stillimage"
	if job.Kind == model.MediaAnimation {
		tune = "animation"
	}
	args = append(args,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-vf", scale,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", tune,
		"-r", "24",
		"-c:a", "aac",
		"-b:a", "192k",
	)
	args = append(args, outputLength(plan)...)
	return append(args, "-movflags", "+faststart", out)
}

func audioInput(path string, plan AudioPlan) []string {
	var args []string
	if plan.Start > 0 {
		args = append(args, "-ss", secs(plan.Start))
	}
	if plan.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	return append(args, "-i", path)
}

func outputLength(plan AudioPlan) []string {
	if plan.Trim > 0 {
		return []string{"-t", secs(plan.Trim)}
	}
	return []string{"-shortest"}
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	metrics.MergesInProgress.Inc()
	defer metrics.MergesInProgress.Dec()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.bin, args...)
	cmd.Stderr = &stderr

	f.log.Debugf("[FFMPEG] %s %v", f.bin, args)
	err := cmd.Run()
	if err == nil {
		return nil
	}

	msg := lastLines(stderr.String(), 5)
	if msg == "" {
		msg = err.Error()
	}
	f.log.Errorf("[FFMPEG] ffmpeg failed (%v): %s", err, msg)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: timed out after %s", model.ErrTranscodeFailed, f.timeout)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", model.ErrTranscodeFailed, ctx.Err())
	case unreadableInput(stderr.String()):
		return fmt.Errorf("%w: %s", model.ErrUnsupportedMedia, msg)
	}
	return fmt.Errorf("%w: %s", model.ErrTranscodeFailed, msg)
}
