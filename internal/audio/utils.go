package audio

import (
	"math/rand/v2"
	"path/filepath"
	"strings"
)

func randomIndex(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.IntN(n)
}

func hasExt(name, ext string) bool {
	return strings.EqualFold(filepath.Ext(name), normalizeExt(ext))
}

func normalizeExt(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}
