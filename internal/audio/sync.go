package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/s3"
)

// SyncFromS3 downloads every library file under prefix that is missing from
// dir. Existing local files are never overwritten. Returns the number of files
// fetched.
func SyncFromS3(ctx context.Context, client s3.Client, prefix, dir, ext string, log *logging.Logger) (int, error) {
	log.Infof("audio: syncing library from s3 prefix %q into %s", prefix, dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create music dir: %w", err)
	}

	objects, err := client.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}

	fetched := 0
	for _, obj := range objects {
		name := path.Base(obj.Key)
		if strings.HasSuffix(obj.Key, "/") || !hasExt(name, ext) {
			continue
		}
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := downloadObject(ctx, client, obj.Key, dst); errors.Is(err, s3.ErrNotExist) {
			log.Warnf("audio: %s was removed from the bucket after listing", obj.Key)
			continue
		} else if err != nil {
			log.Errorf("audio: download %s: %v", obj.Key, err)
			continue
		}
		fetched++
		log.Debugf("audio: fetched %s (%d bytes)", obj.Key, obj.Size)
	}

	log.Infof("audio: library sync complete - %d objects listed, %d fetched", len(objects), fetched)
	return fetched, nil
}

// downloadObject writes to a sibling temp file and renames it into place so a
// half-written track never shows up in the index.
func downloadObject(ctx context.Context, client s3.Client, key, dst string) error {
	f, err := os.CreateTemp(filepath.Dir(dst), ".sync-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := client.Download(ctx, key, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
