package scheduler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"miitopia-bot/internal/metrics"
)

// Reap removes entries of dir last modified before now-maxAge, skipping those
// inUse claims. Request directories are normally removed by their request;
// this catches what a crash or kill left behind. A missing dir is not an error.
func Reap(dir string, maxAge time.Duration, now time.Time, inUse func(name string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Gone since ReadDir.
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if inUse != nil && inUse(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	metrics.TempEntriesReaped.Add(float64(removed))
	return removed, errors.Join(errs...)
}
