package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"miitopia-bot/internal"
	"miitopia-bot/internal/audio"
	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/s3"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	var (
		dir    = flag.String("dir", "", "Local music directory (default MUSIC_DIR)")
		prefix = flag.String("prefix", "", "Bucket prefix holding the tracks (default S3_MUSIC_PREFIX)")
		ext    = flag.String("ext", "", "Track file extension (default MUSIC_EXT)")
		list   = flag.Bool("list", false, "Print every track in the local library after syncing")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig()
	if err != nil && !errors.Is(err, internal.ErrNoBotToken) {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *dir != "" {
		cfg.MusicDir = *dir
	}
	if *prefix != "" {
		cfg.S3MusicPrefix = *prefix
	}
	if *ext != "" {
		cfg.MusicExt = *ext
	}

	if !cfg.S3Enabled() {
		fmt.Println("Usage: sync [-dir DIR] [-prefix PREFIX] [-ext .ogg] [-list]")
		fmt.Println()
		fmt.Println("S3_BUCKET, S3_REGION, S3_ACCESS_KEY and S3_SECRET_ACCESS_KEY must be set.")
		os.Exit(1)
	}

	log, err := logging.New("sync.log")
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx := context.Background()

	s3Client, err := s3.New(ctx, cfg)
	if err != nil {
		log.Errorf("Error creating S3 client: %v", err)
		os.Exit(1)
	}

	fmt.Printf("=== Synchronizing %s with s3://%s/%s ===\n", cfg.MusicDir, cfg.S3Bucket, cfg.S3MusicPrefix)
	n, err := audio.SyncFromS3(ctx, s3Client, cfg.S3MusicPrefix, cfg.MusicDir, cfg.MusicExt, log)
	if err != nil {
		log.Errorf("Error syncing music: %v", err)
		fmt.Printf("❌ Error syncing music: %v\n", err)
	} else {
		fmt.Printf("✅ %d new tracks downloaded\n", n)
	}

	lib, err := audio.Build(cfg.MusicDir, cfg.MusicExt)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("=== %d tracks in %s ===\n", lib.Len(), lib.Dir())
	if *list {
		for _, p := range lib.Entries() {
			fmt.Println(p)
		}
	}
}
