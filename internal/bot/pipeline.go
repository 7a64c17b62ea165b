package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"miitopia-bot/internal/chat"
	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/metrics"
	"miitopia-bot/internal/model"
	"miitopia-bot/internal/sources"
	"miitopia-bot/internal/video"
)

// AudioResolver turns a parsed audio override into a local file.
type AudioResolver interface {
	Resolve(ctx context.Context, req model.AudioSourceRequest, dir string) (model.ResolvedAudio, error)
}

type PipelineOptions struct {
	WorkDir             string
	MaxConcurrentMerges int
	MaxAttachments      int
	MaxDownloadBytes    int64
}

// Pipeline handles one chat message at a time per call. Calls are safe to run
// concurrently; they share only the resolver and the merge semaphore.
type Pipeline struct {
	resolver       AudioResolver
	merger         video.Merger
	merges         *semaphore.Weighted
	workDir        string
	maxAttachments int
	maxBytes       int64
	log            *logging.Logger

	// live holds the base names of request dirs still in use.
	live sync.Map
}

func NewPipeline(resolver AudioResolver, merger video.Merger, opts PipelineOptions, log *logging.Logger) *Pipeline {
	n := opts.MaxConcurrentMerges
	if n <= 0 {
		n = 1
	}
	return &Pipeline{
		resolver:       resolver,
		merger:         merger,
		merges:         semaphore.NewWeighted(int64(n)),
		workDir:        opts.WorkDir,
		maxAttachments: opts.MaxAttachments,
		maxBytes:       opts.MaxDownloadBytes,
		log:            log,
	}
}

// Accept returns the image and video attachments of a message addressed to
// the bot, at most MaxAttachments of them. It has no side effects.
func (p *Pipeline) Accept(msg chat.Message) []chat.Attachment {
	if !msg.Addressed {
		return nil
	}
	media := lo.Filter(msg.Attachments, func(a chat.Attachment, _ int) bool {
		_, ok := model.MediaKindFor(a.ContentType)
		return ok
	})
	if p.maxAttachments > 0 && len(media) > p.maxAttachments {
		media = media[:p.maxAttachments]
	}
	return media
}

// Handle runs the whole request for msg: download, resolve, merge and reply
// for every accepted attachment. Everything it writes lives in one request
// directory that is removed before Handle returns. The returned error joins
// the per-attachment failures; users have already been notified of them.
func (p *Pipeline) Handle(ctx context.Context, gw chat.Gateway, msg chat.Message) error {
	atts := p.Accept(msg)
	if len(atts) == 0 {
		return nil
	}

	reqID := uuid.NewString()[:8]
	src := sources.ParseAudioSource(msg.Text)
	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	p.log.Infof("bot: [%s] %s request from %s in %s (%d attachments, audio=%s)",
		reqID, msg.Platform, msg.AuthorName, msg.ChannelID, len(atts), src)

	dir, err := os.MkdirTemp(p.workDir, "req-*")
	if err != nil {
		err = fmt.Errorf("create request dir: %w", err)
		p.fail(ctx, gw, msg, reqID, "received", err)
		return err
	}
	p.live.Store(filepath.Base(dir), struct{}{})
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			p.log.Errorf("bot: [%s] cleanup %s: %v", reqID, dir, err)
		}
		p.live.Delete(filepath.Base(dir))
	}()

	if err := gw.Typing(ctx, msg); err != nil {
		p.log.Debugf("bot: [%s] typing indicator: %v", reqID, err)
	}

	var errs []error
	for i, a := range atts {
		r := &request{
			id:  fmt.Sprintf("%s/%d", reqID, i+1),
			gw:  gw,
			msg: msg,
			att: a,
			src: src,
			dir: dir,
		}
		if err := p.run(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type request struct {
	id  string
	gw  chat.Gateway
	msg chat.Message
	att chat.Attachment
	src model.AudioSourceRequest
	dir string
}

func (p *Pipeline) run(ctx context.Context, r *request) error {
	kind, _ := model.MediaKindFor(r.att.ContentType)

	stage := "downloading"
	start := time.Now()
	mediaPath, err := p.download(ctx, r)
	observe(stage, start)
	if err != nil {
		return p.fail(ctx, r.gw, r.msg, r.id, stage, err)
	}
	defer os.Remove(mediaPath)

	stage = "resolving"
	start = time.Now()
	audio, err := p.resolver.Resolve(ctx, r.src, r.dir)
	observe(stage, start)
	if err != nil {
		return p.fail(ctx, r.gw, r.msg, r.id, stage, err)
	}
	defer func() {
		if err := audio.Release(); err != nil {
			p.log.Errorf("bot: [%s] release audio: %v", r.id, err)
		}
	}()
	p.log.Infof("bot: [%s] audio %s", r.id, audio.Label)

	stage = "merging"
	start = time.Now()
	out, err := p.merge(ctx, model.MergeJob{
		MediaPath:   mediaPath,
		AudioPath:   audio.Path,
		Kind:        kind,
		OutputDir:   r.dir,
		RandomStart: !audio.Temporary,
	})
	observe(stage, start)
	if err != nil {
		return p.fail(ctx, r.gw, r.msg, r.id, stage, err)
	}
	defer os.Remove(out)

	stage = "replying"
	start = time.Now()
	err = r.gw.Reply(ctx, r.msg, chat.Upload{
		Name:        outputName(r.att),
		ContentType: "video/mp4",
		Path:        out,
	})
	observe(stage, start)
	if err != nil {
		return p.fail(ctx, r.gw, r.msg, r.id, stage, fmt.Errorf("%w: %w", model.ErrReplyFailed, err))
	}

	metrics.RequestsTotal.WithLabelValues(r.msg.Platform, "ok").Inc()
	p.log.Infof("bot: [%s] done", r.id)
	return nil
}

func (p *Pipeline) download(ctx context.Context, r *request) (string, error) {
	if p.maxBytes > 0 && r.att.Size > p.maxBytes {
		return "", fmt.Errorf("%w: attachment is %d bytes, limit %d", model.ErrDownloadFailed, r.att.Size, p.maxBytes)
	}

	rc, err := r.gw.Fetch(ctx, r.att)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrDownloadFailed, err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(r.dir, "media-*"+mediaExt(r.att))
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrDownloadFailed, err)
	}
	path := f.Name()

	var src io.Reader = rc
	if p.maxBytes > 0 {
		src = io.LimitReader(rc, p.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && p.maxBytes > 0 && n > p.maxBytes {
		err = fmt.Errorf("larger than %d bytes", p.maxBytes)
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: %w", model.ErrDownloadFailed, err)
	}
	return path, nil
}

// InUse reports whether name, an entry of the work dir, belongs to a request
// that is still running.
func (p *Pipeline) InUse(name string) bool {
	_, ok := p.live.Load(name)
	return ok
}

// Reject turns msg away without doing any work and tells the user why.
func (p *Pipeline) Reject(ctx context.Context, gw chat.Gateway, msg chat.Message, reason error) {
	p.fail(ctx, gw, msg, uuid.NewString()[:8], "queued", reason)
}

// merge waits for a transcode slot before running the merger.
func (p *Pipeline) merge(ctx context.Context, job model.MergeJob) (string, error) {
	if err := p.merges.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: waiting for a transcode slot: %w", model.ErrTranscodeFailed, err)
	}
	defer p.merges.Release(1)
	return p.merger.Merge(ctx, job)
}

// fail records a terminal failure and tells the user, best effort. The notice
// is sent even if ctx was cancelled by shutdown.
func (p *Pipeline) fail(ctx context.Context, gw chat.Gateway, msg chat.Message, id, stage string, err error) error {
	class := model.Class(err)
	metrics.RequestsTotal.WithLabelValues(msg.Platform, class).Inc()
	p.log.Errorf("bot: [%s] failed while %s (%s): %v", id, stage, class, err)

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if nerr := gw.Notify(nctx, msg, model.Notice(err)); nerr != nil {
		p.log.Errorf("bot: [%s] error notice: %v", id, fmt.Errorf("%w: %w", model.ErrReplyFailed, nerr))
	}
	return err
}

func observe(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func mediaExt(a chat.Attachment) string {
	ext := strings.ToLower(filepath.Ext(a.Filename))
	if ext != "" && len(ext) <= 6 && !strings.ContainsAny(ext, `/\`) {
		return ext
	}
	kind, _ := model.MediaKindFor(a.ContentType)
	switch kind {
	case model.MediaAnimation:
		return ".gif"
	case model.MediaImage:
		return ".img"
	}
	return ".vid"
}

func outputName(a chat.Attachment) string {
	base := strings.TrimSuffix(filepath.Base(a.Filename), filepath.Ext(a.Filename))
	if base == "" || base == "." || base == "/" {
		base = "miitopia"
	}
	return base + ".mp4"
}
