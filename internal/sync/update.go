package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/schaermu/subsync/internal/detect"
	"github.com/schaermu/subsync/internal/ledger"
	"github.com/schaermu/subsync/internal/resolve"
	"github.com/schaermu/subsync/internal/snapshot"
)

// AddRequest describes a new subproject
type AddRequest struct {
	URL string
	// Path is relative to the superproject root; empty derives it from URL.
	Path     string
	Revision string
	Subpath  string
	Exclude  []string
}

// Overrides change the declared source of a single subproject during update
type Overrides struct {
	URL      string
	Revision string
}

func (o Overrides) empty() bool {
	return o.URL == "" && o.Revision == ""
}

// Add vendors a new subproject into the superproject
func (e *Engine) Add(ctx context.Context, req AddRequest) *Report {
	res := e.add(ctx, req)
	report := &Report{Results: []Result{res}}
	e.stage(ctx, report)
	return report
}

func (e *Engine) add(ctx context.Context, req AddRequest) Result {
	p := req.Path
	if p == "" {
		derived, err := DefaultPath(req.URL)
		if err != nil {
			return (&Result{Path: req.Path}).fail(err)
		}
		p = derived
	}
	res := Result{Path: p, Phase: PhaseIdle, DryRun: e.opts.DryRun}

	clean, err := normalize(p)
	if err != nil {
		return res.fail(err)
	}
	res.Path = clean

	// Ledger consistency checks precede any fetch or write
	if err := e.ledger.CheckPath(clean); err != nil {
		return res.fail(err)
	}
	if err := checkEmptyTarget(e.dir(clean)); err != nil {
		return res.fail(fmt.Errorf("cannot add %s: %w", clean, err))
	}

	entry := ledger.Entry{
		Path: clean,
		Source: ledger.Source{
			Kind:    ledger.KindGit,
			URL:     req.URL,
			Subpath: req.Subpath,
		},
		Revision: req.Revision,
		Exclude:  req.Exclude,
	}
	if err := entry.Validate(); err != nil {
		return res.fail(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}

	e.logger.Info("adding subproject", "path", clean, "url", req.URL, "revision", req.Revision, "dry_run", e.opts.DryRun)
	return e.synchronize(ctx, res, entry, req.Revision)
}

// checkEmptyTarget fails unless dir is missing or an empty directory
func checkEmptyTarget(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is a file", ErrUntrackedPathConflict, dir)
	}
	if _, err := f.Readdirnames(1); err == nil {
		return fmt.Errorf("%w: %s", ErrUntrackedPathConflict, dir)
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Update resolves tracked subprojects again and applies upstream changes.
// Without paths every tracked subproject is updated. Overrides require exactly one path.
func (e *Engine) Update(ctx context.Context, paths []string, ov Overrides) *Report {
	if !ov.empty() && len(paths) != 1 {
		err := fmt.Errorf("%w: --url and --revision require exactly one path", ErrInvalidArgument)
		return &Report{Results: []Result{{Outcome: OutcomeFailed, Phase: PhaseIdle, Err: err}}}
	}

	targets := e.selectPaths(paths)
	e.logger.Info("starting update", "subprojects", len(targets), "dry_run", e.opts.DryRun)

	report := &Report{Results: e.forEach(targets, func(p string) Result {
		return e.update(ctx, p, ov)
	})}
	e.stage(ctx, report)
	return report
}

func (e *Engine) update(ctx context.Context, p string, ov Overrides) Result {
	res := Result{Path: p, Phase: PhaseIdle, DryRun: e.opts.DryRun}

	clean, err := normalize(p)
	if err != nil {
		return res.fail(err)
	}
	res.Path = clean

	entry, ok := e.ledger.Get(clean)
	if !ok {
		return res.fail(fmt.Errorf("%w: %s", ErrNotTracked, clean))
	}
	res.PreviousRevision = entry.ResolvedRevision

	selector := entry.Revision
	if entry.Pending != nil {
		// Finish the pending update instead of reverting applied paths
		selector = entry.Pending.Revision
	}
	if ov.Revision != "" {
		selector = ov.Revision
	}
	if ov.URL != "" {
		entry.URL = ov.URL
	}
	return e.synchronize(ctx, res, entry, selector)
}

// synchronize drives one subproject through resolve, classify and materialize
func (e *Engine) synchronize(ctx context.Context, res Result, entry ledger.Entry, selector string) Result {
	log := e.logger.With("path", entry.Path)

	res.Phase = PhaseResolving
	log.Debug("phase", "phase", res.Phase)
	upstream, revision, err := e.resolver.Resolve(ctx, resolve.SourceOf(entry), selector)
	if err != nil {
		log.Error("failed to resolve subproject", "error", err)
		return res.fail(err)
	}
	res.Revision = revision

	res.Phase = PhaseClassifying
	log.Debug("phase", "phase", res.Phase, "resolved", revision)
	decisions, err := e.plan(entry, upstream.States())
	if err != nil {
		return res.fail(err)
	}
	res.Decisions = decisions
	res.Summary = detect.Summarize(decisions)
	res.Conflicts = res.Summary.Conflicts

	sourceChanged := selector != entry.Revision || revision != entry.ResolvedRevision
	if !res.Summary.Changed() && !sourceChanged && entry.Pending == nil && !e.sourceEdited(entry) {
		log.Info("subproject up to date", "resolved", revision)
		res.Outcome = OutcomeNoOp
		res.Phase = PhaseCommitted
		res.Digest = entry.Digest
		return res
	}

	log.Info("sync plan",
		"resolved", revision,
		"write", res.Summary.Writes,
		"delete", res.Summary.Deletes,
		"conflicts", len(res.Conflicts))

	if e.opts.DryRun {
		e.logDecisions(entry.Path, decisions)
		res.Outcome = plannedOutcome(res.Summary)
		log.Info("dry-run complete, no changes applied")
		return res
	}

	res.Phase = PhaseMaterializing
	log.Debug("phase", "phase", res.Phase)
	applied := e.mat.Apply(e.dir(entry.Path), decisions, upstream)
	res.Written = applied.Written
	res.Deleted = applied.Deleted
	res.Failed = failedPaths(applied.Failed)

	unresolved := append(slices.Clone(res.Conflicts), res.Failed...)
	baseline := nextBaseline(entry.Baseline(), decisions, applied.Failed)
	committed, err := e.commit(entry, selector, revision, baseline, unresolved)
	if err != nil {
		log.Error("failed to commit subproject", "error", err)
		return res.fail(err)
	}
	res.Digest = committed.Digest

	if werr := applied.Err(); werr != nil {
		// Applied paths stay applied; the ledger reflects exactly what was realized
		log.Error("subproject partially written", "failed", res.Failed)
		return res.fail(fmt.Errorf("%s: %w", entry.Path, werr))
	}

	if len(res.Conflicts) > 0 {
		log.Warn("subproject has conflicts", "conflicts", res.Conflicts)
		res.Phase = PhaseConflicted
		res.Outcome = OutcomeAppliedWithConflicts
		return res
	}

	log.Info("subproject synchronized", "resolved", revision, "digest", committed.Digest)
	res.Phase = PhaseCommitted
	res.Outcome = OutcomeApplied
	return res
}

// sourceEdited reports whether the declared source differs from the stored entry
func (e *Engine) sourceEdited(entry ledger.Entry) bool {
	stored, ok := e.ledger.Get(entry.Path)
	return !ok || stored.URL != entry.URL
}

// plannedOutcome is the outcome a dry run would have produced
func plannedOutcome(s detect.Summary) Outcome {
	switch {
	case len(s.Conflicts) > 0:
		return OutcomeAppliedWithConflicts
	case s.Changed():
		return OutcomeApplied
	default:
		return OutcomeNoOp
	}
}

// realizedDigest computes the digest of the tracked files of entry as found on disk
func (e *Engine) realizedDigest(entry ledger.Entry) (string, error) {
	states, err := snapshot.ReadStates(e.dir(entry.Path), entry.TrackedPaths())
	if err != nil {
		return "", err
	}
	return snapshot.Digest(states), nil
}
