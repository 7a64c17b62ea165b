package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type SourceKind string

const (
	SourceLibrary SourceKind = "library"
	SourceURL     SourceKind = "url"
	SourceTrack   SourceKind = "track"
)

// AudioSourceRequest is the audio override carried by a chat message.
// The zero value means "pick from the library".
type AudioSourceRequest struct {
	Kind    SourceKind `json:"kind"`
	URL     string     `json:"url,omitempty"`
	TrackID string     `json:"track_id,omitempty"`
}

func (r AudioSourceRequest) IsLibrary() bool {
	return r.Kind == "" || r.Kind == SourceLibrary
}

func (r AudioSourceRequest) String() string {
	switch r.Kind {
	case SourceURL:
		return "url:" + r.URL
	case SourceTrack:
		return "track:" + r.TrackID
	default:
		return "library"
	}
}

// ResolvedAudio is a playable local file. Temporary files are owned by the
// request that resolved them.
type ResolvedAudio struct {
	Path      string `json:"path"`
	Temporary bool   `json:"temporary"`
	Label     string `json:"label"`
}

// Release deletes the file if it was downloaded for this request.
func (a ResolvedAudio) Release() error {
	if !a.Temporary || a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type MediaKind string

const (
	MediaImage     MediaKind = "image"
	MediaAnimation MediaKind = "animation"
	MediaVideo     MediaKind = "video"
)

// MediaKindFor classifies an attachment content type. Parameters such as
// "; charset=..." are ignored.
func MediaKindFor(contentType string) (MediaKind, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "image/gif":
		return MediaAnimation, true
	case strings.HasPrefix(ct, "image/"):
		return MediaImage, true
	case strings.HasPrefix(ct, "video/"):
		return MediaVideo, true
	}
	return "", false
}

// MergeJob is one invocation of the transcoder.
type MergeJob struct {
	MediaPath string
	AudioPath string
	Kind      MediaKind
	OutputDir string
	// RandomStart lets the merger begin a long audio track at a random
	// offset instead of its intro. Set for library tracks.
	RandomStart bool
}

func (j MergeJob) String() string {
	return fmt.Sprintf("%s %s + %s", j.Kind, filepath.Base(j.MediaPath), filepath.Base(j.AudioPath))
}
