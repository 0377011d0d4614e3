package ledger

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/schaermu/subsync/internal/snapshot"
)

// DefaultFile is the ledger file name used when none is configured
const DefaultFile = ".subsync.yaml"

// CurrentVersion is the schema version written by this package
const CurrentVersion = 1

// ErrPathCollision is returned when a tracked path overlaps another tracked path
var ErrPathCollision = errors.New("path collision")

// Kind identifies the type of content source
type Kind string

const (
	KindGit      Kind = "git"
	KindTarball  Kind = "tarball"
	KindOtherVCS Kind = "other-vcs"
)

// Source describes where a subproject's content comes from
type Source struct {
	Kind    Kind   `yaml:"kind,omitempty" toml:"kind,omitempty"`
	URL     string `yaml:"url" toml:"url"`
	Subpath string `yaml:"subpath,omitempty" toml:"subpath,omitempty"`
}

// TrackedFile is the baseline of one file: the upstream content it was last synchronized from
type TrackedFile struct {
	Path       string `yaml:"path" toml:"path"`
	Hash       string `yaml:"hash" toml:"hash"`
	Executable bool   `yaml:"executable,omitempty" toml:"executable,omitempty"`
}

// Pending records an update that has not been fully applied yet
type Pending struct {
	Revision         string   `yaml:"revision,omitempty" toml:"revision,omitempty"`
	ResolvedRevision string   `yaml:"resolvedRevision,omitempty" toml:"resolvedRevision,omitempty"`
	Conflicts        []string `yaml:"conflicts,omitempty" toml:"conflicts,omitempty"`
}

// Entry is the record of one subproject. Path is the key and is not serialized inside the entry.
type Entry struct {
	Path string `yaml:"-" toml:"-"`

	Source `yaml:",inline"`

	Revision         string        `yaml:"revision,omitempty" toml:"revision,omitempty"`
	ResolvedRevision string        `yaml:"resolvedRevision,omitempty" toml:"resolvedRevision,omitempty"`
	Digest           string        `yaml:"digest,omitempty" toml:"digest,omitempty"`
	Exclude          []string      `yaml:"exclude,omitempty" toml:"exclude,omitempty"`
	Files            []TrackedFile `yaml:"files,omitempty" toml:"files,omitempty"`
	Pending          *Pending      `yaml:"pending,omitempty" toml:"pending,omitempty"`
}

// IsPending reports whether the entry is not fully synchronized
func (e *Entry) IsPending() bool {
	return e.ResolvedRevision == "" || e.Pending != nil
}

// Baseline returns the recorded upstream state of every tracked file
func (e *Entry) Baseline() map[string]snapshot.State {
	states := make(map[string]snapshot.State, len(e.Files))
	for _, f := range e.Files {
		states[f.Path] = snapshot.State{Hash: f.Hash, Executable: f.Executable}
	}
	return states
}

// SetBaseline replaces the tracked files, keeping them sorted by path
func (e *Entry) SetBaseline(states map[string]snapshot.State) {
	files := make([]TrackedFile, 0, len(states))
	for p, st := range states {
		files = append(files, TrackedFile{Path: p, Hash: st.Hash, Executable: st.Executable})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	e.Files = files
}

// TrackedPaths returns the paths of all tracked files
func (e *Entry) TrackedPaths() []string {
	paths := make([]string, len(e.Files))
	for i, f := range e.Files {
		paths[i] = f.Path
	}
	return paths
}

// Clone returns a deep copy of the entry
func (e Entry) Clone() Entry {
	out := e
	if e.Exclude != nil {
		out.Exclude = append([]string(nil), e.Exclude...)
	}
	if e.Files != nil {
		out.Files = append([]TrackedFile(nil), e.Files...)
	}
	if e.Pending != nil {
		p := *e.Pending
		p.Conflicts = append([]string(nil), e.Pending.Conflicts...)
		out.Pending = &p
	}
	return out
}

// Validate checks the entry for errors
func (e *Entry) Validate() error {
	if _, err := NormalizePath(e.Path); err != nil {
		return err
	}
	if e.URL == "" {
		return fmt.Errorf("subproject %q: url is required", e.Path)
	}
	switch e.Kind {
	case "", KindGit, KindTarball, KindOtherVCS:
	default:
		return fmt.Errorf("subproject %q: invalid kind %q (must be git, tarball, or other-vcs)", e.Path, e.Kind)
	}
	if e.Subpath != "" {
		if _, err := snapshot.CleanPath(e.Subpath); err != nil {
			return fmt.Errorf("subproject %q: invalid subpath: %w", e.Path, err)
		}
	}
	if err := snapshot.ValidatePatterns(e.Exclude); err != nil {
		return fmt.Errorf("subproject %q: %w", e.Path, err)
	}
	for _, f := range e.Files {
		if _, err := snapshot.CleanPath(f.Path); err != nil {
			return fmt.Errorf("subproject %q: invalid tracked file: %w", e.Path, err)
		}
	}
	return nil
}

// NormalizePath returns the canonical slash-separated form of a tracked path
func NormalizePath(p string) (string, error) {
	p = strings.TrimSuffix(filepath.ToSlash(p), "/")
	clean, err := snapshot.CleanPath(p)
	if err != nil {
		return "", fmt.Errorf("invalid subproject path: %w", err)
	}
	return clean, nil
}

// Overlaps reports whether one of the paths lies inside (or equals) the other
func Overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// Ledger is the persisted set of subproject entries. It is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	file    string
	entries map[string]*Entry
}

// New creates an empty ledger stored at file
func New(file string) *Ledger {
	return &Ledger{file: file, entries: make(map[string]*Entry)}
}

// Load reads the ledger at file. A missing file yields an empty ledger.
func Load(file string) (*Ledger, error) {
	l := New(file)

	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}

	entries, err := Unmarshal(data, FormatFor(file))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger file %s: %w", file, err)
	}
	for i := range entries {
		e := entries[i]
		l.entries[e.Path] = &e
	}
	return l, nil
}

// File returns the location of the ledger file
func (l *Ledger) File() string {
	return l.file
}

// Get returns a copy of the entry tracked at p
func (l *Ledger) Get(p string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[p]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Entries returns copies of all entries ordered by path
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, p := range l.sortedPaths() {
		out = append(out, l.entries[p].Clone())
	}
	return out
}

// Paths returns the tracked paths in order
func (l *Ledger) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedPaths()
}

// CheckPath verifies that p could be tracked without overlapping another entry
func (l *Ledger) CheckPath(p string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkPath(p)
}

// Put inserts or replaces the entry at e.Path
func (l *Ledger) Put(e Entry) error {
	clean, err := NormalizePath(e.Path)
	if err != nil {
		return err
	}
	e.Path = clean
	if err := e.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[clean]; !exists {
		if err := l.checkPath(clean); err != nil {
			return err
		}
	}
	stored := e.Clone()
	l.entries[clean] = &stored
	return nil
}

// Delete removes the entry at p and reports whether it existed
func (l *Ledger) Delete(p string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[p]; !ok {
		return false
	}
	delete(l.entries, p)
	return true
}

// Save atomically writes the ledger to its file
func (l *Ledger) Save() error {
	l.mu.Lock()
	entries := make([]Entry, 0, len(l.entries))
	for _, p := range l.sortedPaths() {
		entries = append(entries, l.entries[p].Clone())
	}
	l.mu.Unlock()

	data, err := Marshal(entries, FormatFor(l.file))
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	if err := writeFileAtomic(l.file, data); err != nil {
		return fmt.Errorf("failed to write ledger file: %w", err)
	}
	return nil
}

func (l *Ledger) checkPath(p string) error {
	for existing := range l.entries {
		if Overlaps(existing, p) {
			return fmt.Errorf("%w: %q overlaps tracked subproject %q", ErrPathCollision, p, existing)
		}
	}
	return nil
}

func (l *Ledger) sortedPaths() []string {
	paths := make([]string, 0, len(l.entries))
	for p := range l.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// writeFileAtomic replaces file through a temp file in the same directory
func writeFileAtomic(file string, data []byte) error {
	dir := filepath.Dir(file)
	tmp, err := os.CreateTemp(dir, "."+path.Base(filepath.ToSlash(file))+"-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, file)
}
