package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
)

// Options narrows a directory scan
type Options struct {
	// Subpath limits the scan to a subdirectory; it is stripped from the resulting paths.
	Subpath string
	// Exclude holds doublestar patterns matched against the resulting paths.
	Exclude []string
	// Logger, when set, reports entries that cannot be vendored.
	Logger *slog.Logger
}

// Scan reads every regular file under dir into a snapshot.
// Version control metadata directories and symbolic links are skipped.
func Scan(dir string, opts Options) (*Snapshot, error) {
	root := dir
	if opts.Subpath != "" {
		sub, err := CleanPath(opts.Subpath)
		if err != nil {
			return nil, fmt.Errorf("invalid subpath: %w", err)
		}
		root = filepath.Join(dir, filepath.FromSlash(sub))
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && opts.Subpath != "" {
			return nil, fmt.Errorf("subpath %q not found in source", opts.Subpath)
		}
		return nil, fmt.Errorf("failed to stat source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", root)
	}

	files := make(map[string]File)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		// Skip repository metadata (e.g. .git)
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if Excluded(opts.Exclude, rel) {
			return nil
		}
		if !d.Type().IsRegular() {
			if opts.Logger != nil {
				kind := "special file"
				if d.Type()&fs.ModeSymlink != 0 {
					kind = "symbolic link"
				}
				opts.Logger.Warn("skipping entry that is not a regular file", "path", rel, "type", kind)
			}
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		files[rel] = File{Data: data, Executable: fi.Mode().Perm()&0o111 != 0}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	return New(files)
}

// Excluded reports whether p, or one of its parent directories, matches any pattern
func Excluded(patterns []string, p string) bool {
	if len(patterns) == 0 {
		return false
	}
	for candidate := p; candidate != "." && candidate != ""; candidate = path.Dir(candidate) {
		for _, pat := range patterns {
			if ok, err := doublestar.Match(strings.TrimSuffix(pat, "/"), candidate); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// EscapePattern quotes the glob metacharacters in p so it matches only itself
func EscapePattern(p string) string {
	var b strings.Builder
	for _, r := range p {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValidatePatterns checks that every exclude pattern is well formed
func ValidatePatterns(patterns []string) error {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("invalid exclude pattern %q", pat)
		}
	}
	return nil
}

// StatFile returns the state of the file at p. Missing files, directories and
// symbolic links report ok == false.
func StatFile(p string) (st State, ok bool, err error) {
	info, err := os.Lstat(p)
	if err != nil {
		// A parent replaced by a regular file means the path is gone too
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	if !info.Mode().IsRegular() {
		return State{}, false, nil
	}

	hash, err := fileHash(p)
	if err != nil {
		return State{}, false, err
	}
	return State{Hash: hash, Executable: info.Mode().Perm()&0o111 != 0}, true, nil
}

// ReadStates returns the on-disk state of the given relative paths under root.
// Paths that do not exist as regular files are absent from the result.
func ReadStates(root string, paths []string) (map[string]State, error) {
	states := make(map[string]State, len(paths))
	for _, p := range paths {
		st, ok, err := StatFile(filepath.Join(root, filepath.FromSlash(p)))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		if ok {
			states[p] = st
		}
	}
	return states, nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
