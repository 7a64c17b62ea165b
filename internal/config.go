package internal

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrNoBotToken is returned by LoadConfig when no chat platform is configured.
// Tools that never connect to a chat platform can ignore it.
var ErrNoBotToken = errors.New("DISCORD_TOKEN or TELEGRAM_BOT_TOKEN is required")

type Config struct {
	DiscordToken  string
	TelegramToken string

	SpotifyID     string
	SpotifySecret string
	SpotifyMarket string
	YouTubeAPIKey string

	MusicDir string
	MusicExt string
	WorkDir  string

	S3Endpoint    string
	S3Region      string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3MusicPrefix string

	FFmpegPath       string
	ImageDuration    time.Duration
	VideoWidth       int
	VideoHeight      int
	TranscodeTimeout time.Duration

	MaxConcurrentMerges int
	MaxInFlight         int
	MaxAttachments      int
	MaxDownloadBytes    int64

	ShutdownGrace time.Duration
	TriggerEmoji  string // Discord custom emoji name that acts like a mention

	TempMaxAge   time.Duration
	ReapSchedule string

	MetricsAddr string
	ErrorsLog   string
	Debug       bool
}

func LoadConfig() (Config, error) {
	cfg := Config{
		DiscordToken:  os.Getenv("DISCORD_TOKEN"),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		SpotifyID:     os.Getenv("SPOTIFY_ID"),
		SpotifySecret: os.Getenv("SPOTIFY_SECRET"),
		SpotifyMarket: firstNonEmpty(os.Getenv("SPOTIFY_MARKET"), "AU"),
		YouTubeAPIKey: firstNonEmpty(os.Getenv("YOUTUBE_API_KEY"), os.Getenv("GOOGLE_API_KEY")),

		MusicDir: firstNonEmpty(os.Getenv("MUSIC_DIR"), "./resources/music"),
		MusicExt: firstNonEmpty(os.Getenv("MUSIC_EXT"), ".ogg"),
		WorkDir:  firstNonEmpty(os.Getenv("WORK_DIR"), filepath.Join(os.TempDir(), "miitopia-bot")),

		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		S3Region:      os.Getenv("S3_REGION"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3AccessKey:   firstNonEmpty(os.Getenv("S3_ACCESS_KEY"), os.Getenv("S3_ACCESS_KEY_ID")),
		S3SecretKey:   firstNonEmpty(os.Getenv("S3_SECRET_ACCESS_KEY"), os.Getenv("S3_SECRET_ACCESS_KEY_ID")),
		S3MusicPrefix: firstNonEmpty(os.Getenv("S3_MUSIC_PREFIX"), "music/"),

		FFmpegPath:       firstNonEmpty(os.Getenv("FFMPEG_PATH"), "ffmpeg"),
		ImageDuration:    10 * time.Second,
		VideoWidth:       1280,
		VideoHeight:      720,
		TranscodeTimeout: 2 * time.Minute,

		MaxConcurrentMerges: 2,
		MaxInFlight:         16,
		MaxAttachments:      4,
		MaxDownloadBytes:    50 << 20,

		ShutdownGrace: 30 * time.Second,
		TriggerEmoji:  firstNonEmpty(os.Getenv("TRIGGER_EMOJI"), "miitopia"),

		TempMaxAge:   time.Hour,
		ReapSchedule: firstNonEmpty(os.Getenv("REAP_SCHEDULE"), "@every 15m"),

		MetricsAddr: os.Getenv("METRICS_ADDR"),
		ErrorsLog:   firstNonEmpty(os.Getenv("ERRORS_LOG"), "errors.log"),
	}

	if v := os.Getenv("IMAGE_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ImageDuration = d
		}
	}
	if v := os.Getenv("VIDEO_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.VideoWidth = n
		}
	}
	if v := os.Getenv("VIDEO_HEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.VideoHeight = n
		}
	}
	if v := os.Getenv("TRANSCODE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TranscodeTimeout = d
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_MERGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentMerges = n
		}
	}
	if v := os.Getenv("MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxInFlight = n
		}
	}
	if v := os.Getenv("MAX_ATTACHMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttachments = n
		}
	}
	if v := os.Getenv("MAX_DOWNLOAD_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxDownloadBytes = n << 20
		}
	}
	if v := os.Getenv("SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.ShutdownGrace = d
		}
	}
	if v := os.Getenv("TEMP_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TempMaxAge = d
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Debug = v != "false" && v != "0"
	}

	if cfg.DiscordToken == "" && cfg.TelegramToken == "" {
		return cfg, ErrNoBotToken
	}
	if cfg.SpotifyID != "" && cfg.SpotifySecret == "" {
		return cfg, errors.New("SPOTIFY_SECRET is required when SPOTIFY_ID is set")
	}
	return cfg, nil
}

// SpotifyEnabled reports whether track links can be resolved.
func (c Config) SpotifyEnabled() bool {
	return c.SpotifyID != "" && c.SpotifySecret != ""
}

// S3Enabled reports whether the music library is mirrored from a bucket.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
