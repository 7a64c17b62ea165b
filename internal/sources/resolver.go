package sources

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/metrics"
	"miitopia-bot/internal/model"
)

// lookupTimeout bounds a shared track lookup, which no single caller owns.
const lookupTimeout = 30 * time.Second

// Library hands out random tracks from the local music library.
type Library interface {
	PickRandom() (string, error)
}

// TrackCatalog returns metadata for a streaming-service track id.
type TrackCatalog interface {
	Track(ctx context.Context, id string) (TrackInfo, error)
}

// TrackMatcher downloads audio that approximates a track into dir.
type TrackMatcher interface {
	Match(ctx context.Context, info TrackInfo, dir string) (string, error)
}

type Options struct {
	// Catalog enables track links. Nil disables them.
	Catalog TrackCatalog
	// Matcher is used for tracks without a preview clip. Nil means such
	// tracks fail to resolve.
	Matcher    TrackMatcher
	HTTPClient *http.Client
	MaxBytes   int64
}

// Resolver turns an AudioSourceRequest into a local file.
type Resolver struct {
	lib      Library
	catalog  TrackCatalog
	matcher  TrackMatcher
	http     *http.Client
	maxBytes int64
	log      *logging.Logger

	lookups singleflight.Group
}

func NewResolver(lib Library, log *logging.Logger, opts Options) *Resolver {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		lib:      lib,
		catalog:  opts.Catalog,
		matcher:  opts.Matcher,
		http:     client,
		maxBytes: opts.MaxBytes,
		log:      log,
	}
}

// Resolve returns a playable file for req. Downloads are written into dir and
// marked temporary; library picks are not.
func (r *Resolver) Resolve(ctx context.Context, req model.AudioSourceRequest, dir string) (model.ResolvedAudio, error) {
	kind := string(req.Kind)
	if req.IsLibrary() {
		kind = string(model.SourceLibrary)
	}

	res, err := r.resolve(ctx, req, dir)
	if err != nil {
		metrics.SourceResolutionsTotal.WithLabelValues(kind, model.Class(err)).Inc()
		return model.ResolvedAudio{}, err
	}
	metrics.SourceResolutionsTotal.WithLabelValues(kind, "ok").Inc()
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, req model.AudioSourceRequest, dir string) (model.ResolvedAudio, error) {
	switch {
	case req.IsLibrary():
		path, err := r.lib.PickRandom()
		if err != nil {
			return model.ResolvedAudio{}, err
		}
		r.log.Debugf("sources: library pick %s", path)
		return model.ResolvedAudio{Path: path, Label: filepath.Base(path)}, nil

	case req.Kind == model.SourceURL:
		path, err := downloadAudio(ctx, r.http, req.URL, dir, r.maxBytes)
		if err != nil {
			return model.ResolvedAudio{}, err
		}
		return model.ResolvedAudio{Path: path, Temporary: true, Label: req.URL}, nil

	case req.Kind == model.SourceTrack:
		return r.resolveTrack(ctx, req.TrackID, dir)
	}
	return model.ResolvedAudio{}, fmt.Errorf("%w: unknown source kind %q", model.ErrInvalidSource, req.Kind)
}

func (r *Resolver) resolveTrack(ctx context.Context, id, dir string) (model.ResolvedAudio, error) {
	if r.catalog == nil {
		return model.ResolvedAudio{}, fmt.Errorf("%w: track lookups are not configured", model.ErrInvalidSource)
	}

	info, err := r.lookup(ctx, id)
	if err != nil {
		return model.ResolvedAudio{}, err
	}

	if info.PreviewURL != "" {
		path, err := downloadAudio(ctx, r.http, info.PreviewURL, dir, r.maxBytes)
		if err == nil {
			return model.ResolvedAudio{Path: path, Temporary: true, Label: info.Label()}, nil
		}
		if r.matcher == nil {
			return model.ResolvedAudio{}, err
		}
		r.log.Warnf("sources: preview for %s failed, trying a match: %v", id, err)
	}

	if r.matcher == nil {
		return model.ResolvedAudio{}, fmt.Errorf("%w: track %s has no preview", model.ErrMetadataLookupFailed, id)
	}
	path, err := r.matcher.Match(ctx, info, dir)
	if err != nil {
		return model.ResolvedAudio{}, err
	}
	return model.ResolvedAudio{Path: path, Temporary: true, Label: info.Label()}, nil
}

// lookup collapses concurrent lookups of the same track. The shared call is
// detached from any one caller; each caller stops waiting on its own ctx.
func (r *Resolver) lookup(ctx context.Context, id string) (TrackInfo, error) {
	ch := r.lookups.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return r.catalog.Track(lctx, id)
	})
	select {
	case <-ctx.Done():
		return TrackInfo{}, fmt.Errorf("%w: track %s: %w", model.ErrMetadataLookupFailed, id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return TrackInfo{}, res.Err
		}
		return res.Val.(TrackInfo), nil
	}
}
