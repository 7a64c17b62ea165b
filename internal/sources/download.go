package sources

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"

	"miitopia-bot/internal/model"
)

var audioExt = map[string]string{
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/ogg":       ".ogg",
	"audio/vorbis":    ".ogg",
	"audio/opus":      ".opus",
	"application/ogg": ".ogg",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/flac":      ".flac",
	"audio/aac":       ".aac",
	"audio/mp4":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"audio/webm":      ".webm",
}

// audioExtFor reports whether contentType is an audio type and the file
// extension to store it under.
func audioExtFor(contentType string) (string, bool) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	if ext, ok := audioExt[mt]; ok {
		return ext, true
	}
	if strings.HasPrefix(mt, "audio/") {
		return ".audio", true
	}
	return "", false
}

// downloadAudio fetches rawURL into a new file inside dir. The response must be
// 2xx with an audio content type and at most maxBytes long.
func downloadAudio(ctx context.Context, client *http.Client, rawURL, dir string, maxBytes int64) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: malformed url %q", model.ErrInvalidSource, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrInvalidSource, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: http %d for %s", model.ErrDownloadFailed, resp.StatusCode, u.Redacted())
	}

	ct := resp.Header.Get("Content-Type")
	ext, ok := audioExtFor(ct)
	if !ok {
		return "", fmt.Errorf("%w: content type %q is not audio", model.ErrInvalidSource, ct)
	}

	return saveLimited(resp.Body, dir, "audio-*"+ext, maxBytes)
}

// saveLimited copies r into a new temp file in dir. The file is removed when
// the copy fails or r is longer than maxBytes.
func saveLimited(r io.Reader, dir, pattern string, maxBytes int64) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: %w", model.ErrDownloadFailed, err)
	}
	if maxBytes > 0 && n > maxBytes {
		os.Remove(path)
		return "", fmt.Errorf("%w: larger than %d bytes", model.ErrDownloadFailed, maxBytes)
	}
	return path, nil
}
