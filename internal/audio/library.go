package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/lo"

	"miitopia-bot/internal/model"
)

// Index is an immutable snapshot of the music directory. It is safe for
// concurrent use.
type Index struct {
	dir     string
	entries []string
}

// Build scans dir (non-recursive) for files with the given extension. The
// files are trusted to be valid single-track audio; nothing is decoded here.
// When nothing matches, the empty index is returned together with
// model.ErrEmptyLibrary so callers can decide whether that is fatal.
func Build(dir, ext string) (*Index, error) {
	des, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return &Index{dir: dir}, fmt.Errorf("read music dir %s: %w", dir, err)
	}

	files := lo.FilterMap(des, func(de os.DirEntry, _ int) (string, bool) {
		if !de.Type().IsRegular() || !hasExt(de.Name(), ext) {
			return "", false
		}
		return filepath.Join(dir, de.Name()), true
	})
	sort.Strings(files)

	idx := &Index{dir: dir, entries: files}
	if len(files) == 0 {
		return idx, fmt.Errorf("%w: no %s files in %s", model.ErrEmptyLibrary, normalizeExt(ext), dir)
	}
	return idx, nil
}

// NewIndex wraps an existing list of paths. The slice is copied.
func NewIndex(paths []string) *Index {
	return &Index{entries: append([]string(nil), paths...)}
}

func (i *Index) Dir() string { return i.dir }

func (i *Index) Len() int { return len(i.entries) }

// Entries returns a copy of the snapshot in scan order.
func (i *Index) Entries() []string {
	return append([]string(nil), i.entries...)
}

func (i *Index) Contains(path string) bool {
	return lo.Contains(i.entries, path)
}

// PickRandom returns a uniformly random entry.
func (i *Index) PickRandom() (string, error) {
	if i == nil || len(i.entries) == 0 {
		return "", model.ErrEmptyLibrary
	}
	return i.entries[randomIndex(len(i.entries))], nil
}
