package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/subsync/internal/detect"
	"github.com/schaermu/subsync/internal/ledger"
	"github.com/schaermu/subsync/internal/materialize"
	"github.com/schaermu/subsync/internal/resolve"
	"github.com/schaermu/subsync/internal/snapshot"
	"github.com/schaermu/subsync/internal/superproject"
)

var (
	// ErrUntrackedPathConflict is returned when add targets a path that already holds files
	ErrUntrackedPathConflict = errors.New("path already contains untracked files")
	// ErrNotTracked is returned for paths without a ledger entry
	ErrNotTracked = errors.New("path is not a tracked subproject")
	// ErrInvalidArgument is returned for unusable operation arguments
	ErrInvalidArgument = errors.New("invalid argument")
)

// Options controls engine behavior
type Options struct {
	// Parallelism bounds how many subprojects are processed at once.
	Parallelism int
	// DryRun classifies and reports without touching the working tree or the ledger.
	DryRun bool
	// Offline skips revision resolution for status and diff.
	Offline bool
	// Stage records changes in the superproject's VCS after a successful run.
	Stage bool
}

// Engine orchestrates the synchronization of subprojects
type Engine struct {
	sp       *superproject.Superproject
	ledger   *ledger.Ledger
	resolver *resolve.Resolver
	mat      *materialize.Materializer
	vcs      superproject.VCS
	logger   *slog.Logger
	opts     Options

	// commitMu serializes ledger mutations and saves
	commitMu sync.Mutex
}

// NewEngine creates a new sync engine
func NewEngine(sp *superproject.Superproject, l *ledger.Ledger, resolver *resolve.Resolver, vcs superproject.VCS, logger *slog.Logger, opts Options) *Engine {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if vcs == nil {
		vcs = superproject.NoVCS{}
	}
	return &Engine{
		sp:       sp,
		ledger:   l,
		resolver: resolver,
		mat:      materialize.New(logger),
		vcs:      vcs,
		logger:   logger,
		opts:     opts,
	}
}

// Ledger returns the ledger the engine operates on
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// DefaultPath derives a subproject path from the repository name in url
func DefaultPath(url string) (string, error) {
	u := strings.TrimRight(filepath.ToSlash(url), "/")
	u = strings.TrimSuffix(u, ".git")
	// scp-like syntax: host:owner/repo
	if i := strings.LastIndexAny(u, "/:"); i >= 0 {
		u = u[i+1:]
	}
	if u == "" || u == "." || u == ".." {
		return "", fmt.Errorf("%w: cannot derive a path from %q", ErrInvalidArgument, url)
	}
	return u, nil
}

// dir returns the absolute directory of a tracked path
func (e *Engine) dir(p string) string {
	return filepath.Join(e.sp.Root, filepath.FromSlash(p))
}

// normalize validates a user supplied subproject path
func normalize(p string) (string, error) {
	clean, err := ledger.NormalizePath(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if first, _, _ := strings.Cut(clean, "/"); first == ".git" {
		return "", fmt.Errorf("%w: %q is inside version control metadata", ErrInvalidArgument, p)
	}
	return clean, nil
}

// selectPaths returns the requested paths, or every tracked path when none are given.
// Paths naming the same subproject are collapsed to their first occurrence so a
// subproject is never processed twice in one run. Invalid paths are kept as given
// and fail in the per-path operation.
func (e *Engine) selectPaths(paths []string) []string {
	if len(paths) == 0 {
		return e.ledger.Paths()
	}
	seen := make(map[string]bool, len(paths))
	selected := make([]string, 0, len(paths))
	for _, p := range paths {
		key := p
		if clean, err := normalize(p); err == nil {
			key = clean
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		selected = append(selected, p)
	}
	return selected
}

// forEach runs fn for every path with bounded parallelism
func (e *Engine) forEach(paths []string, fn func(p string) Result) []Result {
	return parallel(e.opts.Parallelism, paths, fn)
}

// parallel maps fn over paths with at most limit calls in flight. Results keep the order of paths.
func parallel[T any](limit int, paths []string, fn func(p string) T) []T {
	results := make([]T, len(paths))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, p := range paths {
		g.Go(func() error {
			results[i] = fn(p)
			return nil
		})
	}
	_ = g.Wait() // workers report through results

	return results
}

// workingStates returns the state of every file currently present under dir,
// minus excluded paths. A missing directory is an empty working tree.
func workingStates(dir string, exclude []string) (map[string]snapshot.State, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]snapshot.State{}, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrUntrackedPathConflict, dir)
	}
	snap, err := snapshot.Scan(dir, snapshot.Options{Exclude: exclude})
	if err != nil {
		return nil, fmt.Errorf("failed to scan working tree: %w", err)
	}
	return snap.States(), nil
}

// plan loads the working tree of entry and classifies it against upstream
func (e *Engine) plan(entry ledger.Entry, upstream map[string]snapshot.State) ([]detect.Decision, error) {
	working, err := workingStates(e.dir(entry.Path), entry.Exclude)
	if err != nil {
		return nil, err
	}
	return detect.Classify(entry.Baseline(), working, upstream), nil
}

// nextBaseline returns the baseline after applying decisions. Conflicted and
// failed paths keep their previous baseline.
func nextBaseline(prev map[string]snapshot.State, decisions []detect.Decision, failed map[string]error) map[string]snapshot.State {
	next := make(map[string]snapshot.State, len(prev))
	for p, st := range prev {
		next[p] = st
	}
	for _, d := range decisions {
		if _, bad := failed[d.Path]; bad || d.Conflict {
			continue
		}
		if d.Adopts() {
			next[d.Path] = d.Upstream.State
		} else if !d.Upstream.Present {
			delete(next, d.Path)
		}
	}
	return next
}

// commit records the realized state of a materialized subproject in the ledger
// and persists it. unresolved paths leave the entry pending on selector/revision.
func (e *Engine) commit(entry ledger.Entry, selector, revision string, baseline map[string]snapshot.State, unresolved []string) (ledger.Entry, error) {
	entry.SetBaseline(baseline)

	// The digest reflects what is on disk now, including local edits
	digest, err := e.realizedDigest(entry)
	if err != nil {
		return entry, err
	}
	entry.Digest = digest

	if len(unresolved) == 0 {
		entry.Revision = selector
		entry.ResolvedRevision = revision
		entry.Pending = nil
	} else {
		sort.Strings(unresolved)
		entry.Pending = &ledger.Pending{
			Revision:         selector,
			ResolvedRevision: revision,
			Conflicts:        unresolved,
		}
	}

	if err := e.put(entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// put stores entry and saves the ledger
func (e *Engine) put(entry ledger.Entry) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.ledger.Put(entry); err != nil {
		return fmt.Errorf("failed to record %s: %w", entry.Path, err)
	}
	if err := e.ledger.Save(); err != nil {
		return err
	}
	return nil
}

// stage records committed subprojects and the ledger in the superproject's VCS.
// Subproject directories that no longer exist are staged as removals.
func (e *Engine) stage(ctx context.Context, report *Report) {
	if !e.opts.Stage || e.opts.DryRun {
		return
	}

	if !report.Changed() {
		return
	}

	var paths []string
	for _, res := range report.Results {
		if res.Outcome != OutcomeApplied && res.Outcome != OutcomeAppliedWithConflicts {
			continue
		}
		if _, err := os.Stat(e.dir(res.Path)); os.IsNotExist(err) {
			if err := e.vcs.StageRemoval(ctx, res.Path); err != nil {
				e.logger.Warn("failed to stage removal", "path", res.Path, "error", err)
			}
			continue
		}
		paths = append(paths, res.Path)
	}

	ledgerRel, err := filepath.Rel(e.sp.Root, e.ledger.File())
	if err != nil {
		e.logger.Warn("ledger is outside the superproject", "file", e.ledger.File())
	} else {
		paths = append(paths, filepath.ToSlash(ledgerRel))
	}

	if err := e.vcs.Stage(ctx, paths...); err != nil {
		e.logger.Warn("failed to stage changes", "error", err)
		return
	}
	stat, err := e.vcs.ShortStat(ctx)
	if err != nil {
		e.logger.Warn("failed to summarize staged changes", "error", err)
		return
	}
	report.Staged = stat
}

// logDecisions logs the planned file operations of a dry run
func (e *Engine) logDecisions(p string, decisions []detect.Decision) {
	for _, d := range decisions {
		full := path.Join(p, d.Path)
		switch {
		case d.Conflict:
			e.logger.Info("[dry-run] would report conflict", "path", full, "class", d.Class)
		case d.Action == detect.ActionWrite:
			e.logger.Info("[dry-run] would write", "path", full, "class", d.Class)
		case d.Action == detect.ActionDelete:
			e.logger.Info("[dry-run] would delete", "path", full)
		}
	}
}

// failedPaths returns the keys of failures in order
func failedPaths(failures map[string]error) []string {
	paths := make([]string, 0, len(failures))
	for p := range failures {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
