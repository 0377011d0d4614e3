package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/schaermu/subsync/internal/detect"
	"github.com/schaermu/subsync/internal/ledger"
	"github.com/schaermu/subsync/internal/resolve"
	"github.com/schaermu/subsync/internal/snapshot"
)

// Comparison names what the working tree was compared against
type Comparison string

const (
	// CompareUpstream means the selector was resolved again.
	CompareUpstream Comparison = "upstream"
	// CompareCached means the recorded revision was loaded from the content cache.
	CompareCached Comparison = "cached"
	// CompareBaseline means only the ledger baseline was available, so only local changes show.
	CompareBaseline Comparison = "baseline"
)

// Status is the read-only comparison of one subproject
type Status struct {
	Path             string
	Revision         string
	ResolvedRevision string
	// Upstream is the revision compared against, empty for CompareBaseline.
	Upstream   string
	Comparison Comparison
	Pending    bool
	Decisions  []detect.Decision
	Summary    detect.Summary
	Err        error

	upstream *snapshot.Snapshot
}

// Clean reports whether nothing differs from the recorded state
func (s Status) Clean() bool {
	return s.Err == nil && !s.Pending && !s.Summary.Changed() && s.Summary.Counts[detect.LocalOnlyChange] == 0 &&
		s.Summary.Counts[detect.AddedLocally] == 0
}

// StatusReport collects the status of several subprojects
type StatusReport struct {
	Statuses []Status
}

// ExitCode is ExitFailure when any subproject could not be inspected and
// ExitConflicts when an update would conflict
func (r *StatusReport) ExitCode() int {
	code := ExitOK
	for _, s := range r.Statuses {
		if s.Err != nil {
			return ExitFailure
		}
		if len(s.Summary.Conflicts) > 0 {
			code = ExitConflicts
		}
	}
	return code
}

// Status classifies tracked subprojects without modifying anything
func (e *Engine) Status(ctx context.Context, paths []string) *StatusReport {
	statuses := parallel(e.opts.Parallelism, e.selectPaths(paths), func(p string) Status {
		return e.status(ctx, p)
	})
	return &StatusReport{Statuses: statuses}
}

func (e *Engine) status(ctx context.Context, p string) Status {
	st := Status{Path: p}

	clean, err := normalize(p)
	if err != nil {
		st.Err = err
		return st
	}
	st.Path = clean

	entry, ok := e.ledger.Get(clean)
	if !ok {
		st.Err = fmt.Errorf("%w: %s", ErrNotTracked, clean)
		return st
	}
	st.Revision = entry.Revision
	st.ResolvedRevision = entry.ResolvedRevision
	st.Pending = entry.IsPending()

	src := resolve.SourceOf(entry)
	selector, recorded := entry.Revision, entry.ResolvedRevision
	if entry.Pending != nil {
		selector, recorded = entry.Pending.Revision, entry.Pending.ResolvedRevision
	}

	var upstream map[string]snapshot.State
	switch {
	case !e.opts.Offline:
		snap, revision, err := e.resolver.Resolve(ctx, src, selector)
		if err != nil {
			st.Err = err
			return st
		}
		st.upstream, st.Upstream, st.Comparison = snap, revision, CompareUpstream
		upstream = snap.States()
	default:
		snap, err := e.resolver.Cached(src, recorded)
		switch {
		case err == nil:
			st.upstream, st.Upstream, st.Comparison = snap, recorded, CompareCached
			upstream = snap.States()
		case errors.Is(err, resolve.ErrNotCached):
			st.Comparison = CompareBaseline
			upstream = entry.Baseline()
		default:
			st.Err = err
			return st
		}
	}

	decisions, err := e.plan(entry, upstream)
	if err != nil {
		st.Err = err
		return st
	}
	st.Decisions = decisions
	st.Summary = detect.Summarize(decisions)
	return st
}

// FileDiff is a patch between two versions of a file
type FileDiff struct {
	// Path is relative to the superproject root.
	Path string
	// Side is "local" for recorded->working and "upstream" for recorded->upstream.
	Side  string
	Class detect.Class
	Patch string
}

// DiffResult holds the patches of one subproject
type DiffResult struct {
	Status Status
	Files  []FileDiff
}

// Diff returns unified diffs of local and upstream changes per subproject
func (e *Engine) Diff(ctx context.Context, paths []string) ([]DiffResult, int) {
	report := e.Status(ctx, paths)
	results := make([]DiffResult, 0, len(report.Statuses))

	for _, st := range report.Statuses {
		res := DiffResult{Status: st}
		if st.Err == nil {
			files, err := e.diffFiles(ctx, st)
			if err != nil {
				res.Status.Err = err
			}
			res.Files = files
		}
		results = append(results, res)
	}

	code := ExitOK
	for _, res := range results {
		if res.Status.Err != nil {
			return results, ExitFailure
		}
		if len(res.Status.Summary.Conflicts) > 0 {
			code = ExitConflicts
		}
	}
	return results, code
}

// contentSource finds file contents by state among the snapshots that are available locally
type contentSource struct {
	snaps []*snapshot.Snapshot
}

func (c contentSource) lookup(p string, v detect.Version) ([]byte, bool) {
	if !v.Present {
		return nil, true
	}
	for _, s := range c.snaps {
		if s == nil {
			continue
		}
		if f, ok := s.Get(p); ok && f.State() == v.State {
			return f.Data, true
		}
	}
	return nil, false
}

func (e *Engine) diffFiles(ctx context.Context, st Status) ([]FileDiff, error) {
	entry, ok := e.ledger.Get(st.Path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotTracked, st.Path)
	}

	// The recorded contents come from the recorded revisions, which may be
	// mixed for a pending entry
	src := contentSource{snaps: []*snapshot.Snapshot{st.upstream}}
	for _, rev := range []string{entry.ResolvedRevision, pendingRevision(entry.Pending)} {
		if rev == "" {
			continue
		}
		snap, err := e.recordedSnapshot(ctx, resolve.SourceOf(entry), rev)
		if err != nil {
			e.logger.Warn("recorded content unavailable", "path", st.Path, "revision", rev, "error", err)
			continue
		}
		src.snaps = append(src.snaps, snap)
	}

	dir := e.dir(st.Path)
	var files []FileDiff
	for _, d := range st.Decisions {
		full := path.Join(st.Path, d.Path)
		base, baseOK := src.lookup(d.Path, d.Base)

		if !sameVersion(d.Base, d.Working) {
			local, err := readWorking(dir, d.Path, d.Working)
			if err != nil {
				return files, err
			}
			files = append(files, FileDiff{
				Path:  full,
				Side:  "local",
				Class: d.Class,
				Patch: unified(full, base, baseOK, d.Base, local, true, d.Working),
			})
		}
		if st.Comparison != CompareBaseline && !sameVersion(d.Base, d.Upstream) {
			up, upOK := src.lookup(d.Path, d.Upstream)
			files = append(files, FileDiff{
				Path:  full,
				Side:  "upstream",
				Class: d.Class,
				Patch: unified(full, base, baseOK, d.Base, up, upOK, d.Upstream),
			})
		}
	}
	return files, nil
}

// recordedSnapshot loads a recorded revision from the cache, fetching it unless offline
func (e *Engine) recordedSnapshot(ctx context.Context, src resolve.Source, revision string) (*snapshot.Snapshot, error) {
	snap, err := e.resolver.Cached(src, revision)
	if err == nil || !errors.Is(err, resolve.ErrNotCached) || e.opts.Offline {
		return snap, err
	}
	return e.resolver.Pinned(ctx, src, revision)
}

func pendingRevision(p *ledger.Pending) string {
	if p == nil {
		return ""
	}
	return p.ResolvedRevision
}

func sameVersion(a, b detect.Version) bool {
	return a.Present == b.Present && (!a.Present || a.State == b.State)
}

func readWorking(dir, p string, v detect.Version) ([]byte, error) {
	if !v.Present {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// unified renders a git style patch from version a to version b
func unified(name string, a []byte, aOK bool, av detect.Version, b []byte, bOK bool, bv detect.Version) string {
	from, to := "a/"+name, "b/"+name
	if !av.Present {
		from = "/dev/null"
	}
	if !bv.Present {
		to = "/dev/null"
	}

	var header string
	if av.Present && bv.Present && av.State.Executable != bv.State.Executable {
		header = fmt.Sprintf("old mode %s\nnew mode %s\n", modeString(av), modeString(bv))
		if av.State.Hash == bv.State.Hash {
			return header
		}
	}

	switch {
	case !aOK || !bOK:
		return header + fmt.Sprintf("--- %s\n+++ %s\n(content not available offline)\n", from, to)
	case isBinary(a) || isBinary(b):
		return header + fmt.Sprintf("Binary files %s and %s differ\n", from, to)
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(a),
		B:        splitLines(b),
		FromFile: from,
		ToFile:   to,
		Context:  3,
	})
	if err != nil {
		return header + fmt.Sprintf("--- %s\n+++ %s\n(diff failed: %v)\n", from, to, err)
	}
	return header + text
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return difflib.SplitLines(string(data))
}

func modeString(v detect.Version) string {
	if v.State.Executable {
		return "100755"
	}
	return "100644"
}

func isBinary(data []byte) bool {
	const sniff = 8000
	if len(data) > sniff {
		data = data[:sniff]
	}
	return bytes.IndexByte(data, 0) >= 0
}
