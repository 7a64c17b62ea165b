package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/model"
)

const spotifyAPIBase = "https://api.spotify.com/v1"

// TrackInfo is the metadata needed to find audio for a streaming-service track.
type TrackInfo struct {
	ID         string
	Title      string
	Artist     string
	PreviewURL string
	Duration   time.Duration
}

// Query is the search string used to find the track elsewhere.
func (t TrackInfo) Query() string {
	if t.Artist == "" {
		return t.Title
	}
	return t.Artist + " - " + t.Title
}

func (t TrackInfo) Label() string {
	return t.Query()
}

type Spotify struct {
	creds   *CredentialCache
	http    *http.Client
	log     *logging.Logger
	apiBase string
	market  string
}

func NewSpotify(creds *CredentialCache, market string, httpClient *http.Client, log *logging.Logger) *Spotify {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Spotify{creds: creds, http: httpClient, log: log, apiBase: spotifyAPIBase, market: market}
}

// Track looks up title, artist and preview URL for a track id. A rejected token
// is dropped and the call retried once with a fresh one.
func (s *Spotify) Track(ctx context.Context, id string) (TrackInfo, error) {
	body, status, err := s.getTrack(ctx, id)
	if err == nil && status == http.StatusUnauthorized {
		s.log.Warnf("spotify: token rejected, refreshing")
		s.creds.Invalidate()
		body, status, err = s.getTrack(ctx, id)
	}
	if err != nil {
		return TrackInfo{}, fmt.Errorf("%w: %w", model.ErrMetadataLookupFailed, err)
	}

	switch {
	case status == http.StatusNotFound:
		return TrackInfo{}, fmt.Errorf("%w: track %s not found", model.ErrMetadataLookupFailed, id)
	case status < 200 || status > 299:
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "error").String()
		}
		return TrackInfo{}, fmt.Errorf("%w: spotify api %d: %s", model.ErrMetadataLookupFailed, status, msg)
	}

	info := TrackInfo{
		ID:         id,
		Title:      gjson.GetBytes(body, "name").String(),
		Artist:     gjson.GetBytes(body, "artists.0.name").String(),
		PreviewURL: gjson.GetBytes(body, "preview_url").String(),
		Duration:   time.Duration(gjson.GetBytes(body, "duration_ms").Int()) * time.Millisecond,
	}
	if info.Title == "" {
		return TrackInfo{}, fmt.Errorf("%w: track %s has no name", model.ErrMetadataLookupFailed, id)
	}
	s.log.Debugf("spotify: track %s is %q (preview=%t)", id, info.Query(), info.PreviewURL != "")
	return info, nil
}

func (s *Spotify) getTrack(ctx context.Context, id string) ([]byte, int, error) {
	token, err := s.creds.Token(ctx)
	if err != nil {
		return nil, 0, err
	}

	u := fmt.Sprintf("%s/tracks/%s", strings.TrimRight(s.apiBase, "/"), url.PathEscape(id))
	if s.market != "" {
		u += "?market=" + url.QueryEscape(s.market)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
