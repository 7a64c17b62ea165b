package sources

import (
	"net/url"
	"regexp"
	"strings"

	"miitopia-bot/internal/model"
)

var (
	candidateRe    = regexp.MustCompile(`(?i)spotify:track:[a-z0-9]+|https?://[^\s<>]+`)
	spotifyTrackRe = regexp.MustCompile(`^https://open\.spotify\.com/(?:intl-[a-zA-Z-]+/)?track/([A-Za-z0-9]+)`)
	trackIDRe      = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// ParseAudioSource extracts the audio override from message text. Candidates
// are considered in order of appearance and the first recognised one wins.
// Text without any candidate selects the library.
func ParseAudioSource(text string) model.AudioSourceRequest {
	for _, c := range candidateRe.FindAllString(text, -1) {
		if req, ok := classify(c); ok {
			return req
		}
	}
	return model.AudioSourceRequest{Kind: model.SourceLibrary}
}

func classify(candidate string) (model.AudioSourceRequest, bool) {
	c := strings.TrimRight(candidate, `.,;:!?)]}'"`)

	if strings.HasPrefix(strings.ToLower(c), "spotify:track:") {
		id := c[len("spotify:track:"):]
		if trackIDRe.MatchString(id) {
			return model.AudioSourceRequest{Kind: model.SourceTrack, TrackID: id}, true
		}
		return model.AudioSourceRequest{}, false
	}

	if m := spotifyTrackRe.FindStringSubmatch(c); m != nil {
		return model.AudioSourceRequest{Kind: model.SourceTrack, TrackID: m[1]}, true
	}

	u, err := url.Parse(c)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return model.AudioSourceRequest{}, false
	}
	return model.AudioSourceRequest{Kind: model.SourceURL, URL: u.String()}, true
}
