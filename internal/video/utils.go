package video

import (
	"fmt"
	"strings"
	"time"
)

// secs formats d the way ffmpeg expects for -t.
func secs(d time.Duration) string {
	return fmt.Sprintf("%.2f", d.Seconds())
}

// lastLines keeps the tail of ffmpeg's stderr for error messages.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

func unreadableInput(stderr string) bool {
	for _, marker := range []string{
		"Invalid data found when processing input",
		"could not find codec parameters",
		"Unsupported codec",
	} {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}
