package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/zeebo/xxh3"
)

var revisionPattern = regexp.MustCompile(`^[0-9a-f]{40}([0-9a-f]{24})?$`)

// Store is a content cache on the local filesystem. Snapshot directories are
// keyed by (url, resolved revision) and written exactly once.
type Store struct {
	dir string
}

// New creates a cache rooted at dir
func New(dir string) *Store {
	return &Store{dir: dir}
}

// URLKey returns a filesystem-safe key for a source URL
func URLKey(url string) string {
	return fmt.Sprintf("%x", xxh3.HashString128(url).Bytes())
}

// MirrorDir returns the directory holding the local mirror of url
func (s *Store) MirrorDir(url string) string {
	return filepath.Join(s.dir, "mirrors", URLKey(url))
}

// SnapshotDir returns the directory holding the exported tree of url at revision
func (s *Store) SnapshotDir(url, revision string) string {
	return filepath.Join(s.dir, "snapshots", URLKey(url), revision)
}

// Has reports whether the snapshot of url at revision is cached
func (s *Store) Has(url, revision string) bool {
	if !revisionPattern.MatchString(revision) {
		return false
	}
	info, err := os.Stat(s.SnapshotDir(url, revision))
	return err == nil && info.IsDir()
}

// Put populates the snapshot of url at revision by calling fill with a
// scratch directory, then publishes it with a rename. If another writer won
// the race the existing entry is kept.
func (s *Store) Put(url, revision string, fill func(dir string) error) (string, error) {
	if !revisionPattern.MatchString(revision) {
		return "", fmt.Errorf("refusing to cache non-commit revision %q", revision)
	}

	dest := s.SnapshotDir(url, revision)
	if s.Has(url, revision) {
		return dest, nil
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, ".tmp-"+revision[:12]+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache scratch directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}() // cleanup on error

	// fill exports into a child so the scratch dir itself stays ours to remove
	content := filepath.Join(tmp, "tree")
	if err := fill(content); err != nil {
		return "", err
	}

	if err := os.Rename(content, dest); err != nil {
		if s.Has(url, revision) {
			return dest, nil
		}
		return "", fmt.Errorf("failed to publish cache entry: %w", err)
	}
	return dest, nil
}
