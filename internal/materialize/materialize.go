package materialize

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/subsync/internal/detect"
	"github.com/schaermu/subsync/internal/snapshot"
)

// ErrPartialWrite matches a PartialWriteError with errors.Is
var ErrPartialWrite = errors.New("partial write")

// PartialWriteError lists the paths that could not be written or deleted.
// Paths applied before the failure stay applied.
type PartialWriteError struct {
	Failures map[string]error
}

func (e *PartialWriteError) Error() string {
	paths := e.Paths()
	if len(paths) == 1 {
		return fmt.Sprintf("failed to apply %s: %v", paths[0], e.Failures[paths[0]])
	}
	return fmt.Sprintf("failed to apply %d files: %s", len(paths), strings.Join(paths, ", "))
}

// Unwrap lets errors.Is match ErrPartialWrite
func (e *PartialWriteError) Unwrap() error {
	return ErrPartialWrite
}

// Paths returns the failed paths in order
func (e *PartialWriteError) Paths() []string {
	paths := make([]string, 0, len(e.Failures))
	for p := range e.Failures {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Result reports what Apply did
type Result struct {
	Written   []string
	Deleted   []string
	Conflicts []string
	Failed    map[string]error
}

// Err returns a *PartialWriteError when any path failed
func (r Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PartialWriteError{Failures: r.Failed}
}

// Materializer applies classification decisions to a directory
type Materializer struct {
	logger *slog.Logger
}

// New creates a new materializer
func New(logger *slog.Logger) *Materializer {
	return &Materializer{logger: logger}
}

// Apply writes and deletes files under dir as the decisions dictate. Conflicted
// paths are never touched. A failing path does not stop the others.
// All deletions run before any write, so a directory replaced by a file of the
// same name (or the reverse) is cleared before the new entry lands.
func (m *Materializer) Apply(dir string, decisions []detect.Decision, upstream *snapshot.Snapshot) Result {
	res := Result{Failed: make(map[string]error)}

	var writes []detect.Decision
	for _, d := range decisions {
		if d.Conflict {
			res.Conflicts = append(res.Conflicts, d.Path)
			continue
		}

		switch d.Action {
		case detect.ActionWrite:
			writes = append(writes, d)

		case detect.ActionDelete:
			m.logger.Debug("deleting file", "path", d.Path)
			if err := RemoveFile(dir, d.Path); err != nil {
				m.logger.Warn("failed to delete file", "path", d.Path, "error", err)
				res.Failed[d.Path] = err
				continue
			}
			res.Deleted = append(res.Deleted, d.Path)
		}
	}

	for _, d := range writes {
		f, ok := upstream.Get(d.Path)
		if !ok {
			res.Failed[d.Path] = fmt.Errorf("upstream snapshot has no %s", d.Path)
			continue
		}
		m.logger.Debug("writing file", "path", d.Path, "class", d.Class)
		if err := WriteFile(dir, d.Path, f); err != nil {
			m.logger.Warn("failed to write file", "path", d.Path, "error", err)
			res.Failed[d.Path] = err
			continue
		}
		res.Written = append(res.Written, d.Path)
	}

	return res
}

// WriteFile atomically replaces dir/rel with f through a temp file and rename
func WriteFile(dir, rel string, f snapshot.File) error {
	dst, err := target(dir, rel)
	if err != nil {
		return err
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	// Create temp file in destination directory
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".subsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(f.Data); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(os.FileMode(f.Mode())); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpPath, dst)
}

// RemoveFile deletes dir/rel and prunes parent directories left empty, stopping at dir
func RemoveFile(dir, rel string) error {
	dst, err := target(dir, rel)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	PruneEmptyDirs(dir, filepath.Dir(dst))
	return nil
}

// PruneEmptyDirs removes from and its parents while they are empty, never removing root
func PruneEmptyDirs(root, from string) {
	root = filepath.Clean(root)
	for d := filepath.Clean(from); d != root && strings.HasPrefix(d, root+string(filepath.Separator)); d = filepath.Dir(d) {
		if err := os.Remove(d); err != nil {
			return
		}
	}
}

// target joins a snapshot path onto dir, refusing paths that escape it
func target(dir, rel string) (string, error) {
	clean, err := snapshot.CleanPath(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}
