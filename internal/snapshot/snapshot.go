package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"
)

// DigestPrefix tags content digests with the algorithm that produced them
const DigestPrefix = "sha256:"

// File is a single regular file of a snapshot
type File struct {
	Data       []byte
	Executable bool
}

// State is the identity of a file version used for comparisons: content hash plus mode
type State struct {
	Hash       string
	Executable bool
}

// State returns the comparable identity of f
func (f File) State() State {
	return State{Hash: HashBytes(f.Data), Executable: f.Executable}
}

// Mode returns the permission bits a materialized copy of f should carry
func (f File) Mode() uint32 {
	if f.Executable {
		return 0o755
	}
	return 0o644
}

// Snapshot is an immutable set of files keyed by slash-separated relative path.
// Once built it is never mutated; callers receive copies of its path listing.
type Snapshot struct {
	files map[string]File
	paths []string
}

// New builds a snapshot from the given files. Paths are validated and cleaned.
func New(files map[string]File) (*Snapshot, error) {
	s := &Snapshot{files: make(map[string]File, len(files))}
	for p, f := range files {
		clean, err := CleanPath(p)
		if err != nil {
			return nil, err
		}
		if _, dup := s.files[clean]; dup {
			return nil, fmt.Errorf("duplicate snapshot path %q", clean)
		}
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		s.files[clean] = File{Data: data, Executable: f.Executable}
		s.paths = append(s.paths, clean)
	}
	sort.Strings(s.paths)
	return s, nil
}

// Get returns the file stored at p
func (s *Snapshot) Get(p string) (File, bool) {
	if s == nil {
		return File{}, false
	}
	f, ok := s.files[p]
	return f, ok
}

// Paths returns the sorted file paths of the snapshot
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Len returns the number of files
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.paths)
}

// States returns the state of every file, keyed by path
func (s *Snapshot) States() map[string]State {
	states := make(map[string]State, s.Len())
	if s == nil {
		return states
	}
	for _, p := range s.paths {
		states[p] = s.files[p].State()
	}
	return states
}

// Digest returns the content digest of the whole snapshot
func (s *Snapshot) Digest() string {
	return Digest(s.States())
}

// HashBytes returns the hex encoded SHA256 of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Digest computes a deterministic digest over a set of file states.
// Each entry contributes its mode, hash and path; entries are ordered by path.
func Digest(states map[string]State) string {
	paths := make([]string, 0, len(states))
	for p := range states {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		st := states[p]
		mode := "100644"
		if st.Executable {
			mode = "100755"
		}
		fmt.Fprintf(h, "%s %s %s\x00", mode, st.Hash, p)
	}
	return DigestPrefix + hex.EncodeToString(h.Sum(nil))
}

// CleanPath validates a snapshot-relative path and returns its canonical form.
// Absolute paths, parent references and empty paths are rejected.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q must be relative", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes its root", p)
	}
	return clean, nil
}
