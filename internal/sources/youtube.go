package sources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/samber/lo"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"

	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/model"
)

// Searcher finds the id of the video that best matches a free-text query.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// dataAPISearcher uses the YouTube Data API search endpoint.
type dataAPISearcher struct {
	svc *ytapi.Service
}

func (s *dataAPISearcher) Search(ctx context.Context, query string) (string, error) {
	resp, err := s.svc.Search.List([]string{"id"}).
		Q(query).
		Type("video").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	for _, item := range resp.Items {
		if item.Id != nil && item.Id.VideoId != "" {
			return item.Id.VideoId, nil
		}
	}
	return "", nil
}

// ytdlpSearcher shells out to yt-dlp when no API key is configured.
type ytdlpSearcher struct {
	bin string
}

func (s *ytdlpSearcher) Search(ctx context.Context, query string) (string, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.bin, "--no-warnings", "--ignore-config", "--get-id", "ytsearch1:"+query)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("yt-dlp search: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	id, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(id), nil
}

// videoAudio is the audio stream of one YouTube video.
type videoAudio struct {
	Title  string
	Length time.Duration
	Stream io.ReadCloser
}

// audioFetcher opens the audio stream of a video id.
type audioFetcher interface {
	FetchAudio(ctx context.Context, id string) (videoAudio, error)
}

// kkdaiFetcher downloads through kkdai/youtube, preferring audio-only formats.
type kkdaiFetcher struct {
	client *youtube.Client
}

func (k *kkdaiFetcher) FetchAudio(ctx context.Context, id string) (videoAudio, error) {
	video, err := k.client.GetVideoContext(ctx, id)
	if err != nil {
		return videoAudio{}, fmt.Errorf("get video %s: %w", id, err)
	}

	formats := video.Formats.WithAudioChannels()
	audioOnly := lo.Filter(formats, func(f youtube.Format, _ int) bool {
		return strings.HasPrefix(f.MimeType, "audio/")
	})
	if len(audioOnly) > 0 {
		formats = audioOnly
	}
	if len(formats) == 0 {
		return videoAudio{}, fmt.Errorf("no audio formats for %s", id)
	}
	format := formats[0]

	stream, _, err := k.client.GetStreamContext(ctx, video, &format)
	if err != nil {
		return videoAudio{}, fmt.Errorf("get stream %s: %w", id, err)
	}
	return videoAudio{Title: video.Title, Length: video.Duration, Stream: stream}, nil
}

// YouTubeMatcher finds audio for a track by searching YouTube for
// "artist - title" and downloading the first hit's audio stream. The result is
// a best-effort match and may not be the exact recording.
type YouTubeMatcher struct {
	search   Searcher
	fetch    audioFetcher
	maxBytes int64
	log      *logging.Logger
}

// NewYouTubeMatcher uses the Data API when apiKey is set and yt-dlp otherwise.
func NewYouTubeMatcher(ctx context.Context, apiKey string, maxBytes int64, log *logging.Logger) (*YouTubeMatcher, error) {
	var s Searcher = &ytdlpSearcher{bin: "yt-dlp"}
	if apiKey != "" {
		svc, err := ytapi.NewService(ctx, option.WithAPIKey(apiKey))
		if err != nil {
			return nil, fmt.Errorf("youtube data api: %w", err)
		}
		s = &dataAPISearcher{svc: svc}
	}
	return &YouTubeMatcher{
		search:   s,
		fetch:    &kkdaiFetcher{client: &youtube.Client{}},
		maxBytes: maxBytes,
		log:      log,
	}, nil
}

func (m *YouTubeMatcher) Match(ctx context.Context, info TrackInfo, dir string) (string, error) {
	query := info.Query()
	m.log.Infof("sources: searching youtube for %q", query)

	id, err := m.search.Search(ctx, query)
	if err != nil {
		return "", fmt.Errorf("%w: search %q: %w", model.ErrMetadataLookupFailed, query, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: no match for %q", model.ErrMetadataLookupFailed, query)
	}

	audio, err := m.fetch.FetchAudio(ctx, id)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrDownloadFailed, err)
	}
	defer audio.Stream.Close()

	if lengthMismatch(info.Duration, audio.Length) {
		m.log.Warnf("sources: youtube %s is %s long, track %q is %s; it may be a different recording",
			id, audio.Length, query, info.Duration)
	}

	path, err := saveLimited(audio.Stream, dir, "match-*.m4a", m.maxBytes)
	if err != nil {
		return "", err
	}
	m.log.Infof("sources: matched %q to youtube %s (%s)", query, id, audio.Title)
	return path, nil
}

// lengthMismatch reports whether two known lengths differ by more than a
// minute.
func lengthMismatch(track, video time.Duration) bool {
	if track <= 0 || video <= 0 {
		return false
	}
	d := track - video
	if d < 0 {
		d = -d
	}
	return d > time.Minute
}
