package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"miitopia-bot/internal"
	"miitopia-bot/internal/audio"
	"miitopia-bot/internal/bot"
	"miitopia-bot/internal/chat"
	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/metrics"
	"miitopia-bot/internal/model"
	"miitopia-bot/internal/s3"
	"miitopia-bot/internal/scheduler"
	"miitopia-bot/internal/sources"
	"miitopia-bot/internal/video"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists (try multiple paths)
	envPaths := []string{".env", "../.env", "../../.env"}
	for _, path := range envPaths {
		_ = godotenv.Load(path)
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.ErrorsLog)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	log.SetDebug(cfg.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(err)
		log.Close()
		os.Exit(1)
	}
	log.Infof("bye")
}

func run(ctx context.Context, cfg internal.Config, log *logging.Logger) error {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return err
	}

	if cfg.S3Enabled() {
		client, err := s3.New(ctx, cfg)
		if err != nil {
			return err
		}
		n, err := audio.SyncFromS3(ctx, client, cfg.S3MusicPrefix, cfg.MusicDir, cfg.MusicExt, log)
		if err != nil {
			// A partial library is still usable.
			log.Errorf("audio: library sync: %v", err)
		} else {
			log.Infof("audio: synced %d new tracks from s3://%s/%s", n, cfg.S3Bucket, cfg.S3MusicPrefix)
		}
	}

	lib, err := audio.Build(cfg.MusicDir, cfg.MusicExt)
	if err != nil {
		if !errors.Is(err, model.ErrEmptyLibrary) {
			return err
		}
		log.Warnf("audio: %v; requests without an audio link will fail", err)
	}
	metrics.LibraryTracks.Set(float64(lib.Len()))
	log.Infof("audio: %d tracks in %s", lib.Len(), lib.Dir())

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	opts := sources.Options{HTTPClient: httpClient, MaxBytes: cfg.MaxDownloadBytes}
	if cfg.SpotifyEnabled() {
		creds := sources.NewCredentialCache(cfg.SpotifyID, cfg.SpotifySecret, httpClient, log)
		opts.Catalog = sources.NewSpotify(creds, cfg.SpotifyMarket, httpClient, log)
		matcher, err := sources.NewYouTubeMatcher(ctx, cfg.YouTubeAPIKey, cfg.MaxDownloadBytes, log)
		if err != nil {
			log.Warnf("sources: youtube matcher disabled: %v", err)
		} else {
			opts.Matcher = matcher
		}
	}
	resolver := sources.NewResolver(lib, log, opts)

	merger := video.NewFFmpeg(video.Options{
		FFmpegPath:    cfg.FFmpegPath,
		Width:         cfg.VideoWidth,
		Height:        cfg.VideoHeight,
		ImageDuration: cfg.ImageDuration,
		Timeout:       cfg.TranscodeTimeout,
	}, log)

	pipeline := bot.NewPipeline(resolver, merger, bot.PipelineOptions{
		WorkDir:             cfg.WorkDir,
		MaxConcurrentMerges: cfg.MaxConcurrentMerges,
		MaxAttachments:      cfg.MaxAttachments,
		MaxDownloadBytes:    cfg.MaxDownloadBytes,
	}, log)

	var gateways []chat.Gateway
	if cfg.DiscordToken != "" {
		d, err := bot.NewDiscordBot(cfg.DiscordToken, cfg.TriggerEmoji, log)
		if err != nil {
			return err
		}
		gateways = append(gateways, d)
	}
	if cfg.TelegramToken != "" {
		t, err := bot.NewTelegramBot(cfg.TelegramToken, log)
		if err != nil {
			return err
		}
		gateways = append(gateways, t)
	}

	reaper, err := scheduler.New(cfg.WorkDir, cfg.TempMaxAge, cfg.ReapSchedule, pipeline.InUse, log)
	if err != nil {
		return err
	}
	go func() {
		if err := reaper.Run(ctx); err != nil {
			log.Errorf("scheduler stopped: %v", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			log.Infof("metrics: listening on %s", cfg.MetricsAddr)
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	return bot.NewDispatcher(pipeline, gateways, bot.DispatcherOptions{
		ShutdownGrace: cfg.ShutdownGrace,
		MaxInFlight:   cfg.MaxInFlight,
	}, log).Run(ctx)
}
