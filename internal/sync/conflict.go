package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/schaermu/subsync/internal/materialize"
	"github.com/schaermu/subsync/internal/resolve"
	"github.com/schaermu/subsync/internal/snapshot"
)

// Choice selects how a conflicted file is settled
type Choice string

const (
	// TakeUpstream replaces the local version with the pending upstream version.
	TakeUpstream Choice = "take-upstream"
	// KeepLocal keeps the local version and records the upstream version as its baseline.
	KeepLocal Choice = "keep-local"
)

// Resolve settles one conflicted file of a pending subproject. Once no
// conflicts remain, the pending revision becomes the recorded revision.
func (e *Engine) Resolve(ctx context.Context, p, file string, choice Choice) *Report {
	res := e.resolveConflict(ctx, p, file, choice)
	report := &Report{Results: []Result{res}}
	e.stage(ctx, report)
	return report
}

func (e *Engine) resolveConflict(ctx context.Context, p, file string, choice Choice) Result {
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

	rel, err := snapshot.CleanPath(file)
	if err != nil {
		return res.fail(fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	if entry.Pending == nil || !slices.Contains(entry.Pending.Conflicts, rel) {
		return res.fail(fmt.Errorf("%w: %s has no pending conflict on %s", ErrInvalidArgument, clean, rel))
	}
	if choice != TakeUpstream && choice != KeepLocal {
		return res.fail(fmt.Errorf("%w: unknown choice %q", ErrInvalidArgument, choice))
	}

	res.Phase = PhaseResolving
	upstream, err := e.resolver.Pinned(ctx, resolve.SourceOf(entry), entry.Pending.ResolvedRevision)
	if err != nil {
		return res.fail(err)
	}
	res.Revision = entry.Pending.ResolvedRevision

	log := e.logger.With("path", clean, "file", rel, "choice", choice)
	if e.opts.DryRun {
		log.Info("[dry-run] would resolve conflict")
		res.Outcome = OutcomeApplied
		return res
	}

	res.Phase = PhaseMaterializing
	baseline := entry.Baseline()
	f, inUpstream := upstream.Get(rel)
	dir := e.dir(clean)

	switch choice {
	case TakeUpstream:
		if inUpstream {
			if err := materialize.WriteFile(dir, rel, f); err != nil {
				return res.fail(fmt.Errorf("%s: %w", clean, &materialize.PartialWriteError{Failures: map[string]error{rel: err}}))
			}
			baseline[rel] = f.State()
			res.Written = []string{rel}
		} else {
			if err := materialize.RemoveFile(dir, rel); err != nil {
				return res.fail(fmt.Errorf("%s: %w", clean, &materialize.PartialWriteError{Failures: map[string]error{rel: err}}))
			}
			delete(baseline, rel)
			res.Deleted = []string{rel}
		}

	case KeepLocal:
		_, present, err := snapshot.StatFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return res.fail(err)
		}
		switch {
		case !present && inUpstream:
			// A confirmed local deletion: stop syncing the file
			entry.Exclude = append(entry.Exclude, snapshot.EscapePattern(rel))
			delete(baseline, rel)
		case inUpstream:
			baseline[rel] = f.State()
		default:
			// Upstream dropped the file; the local copy becomes untracked
			delete(baseline, rel)
		}
	}

	remaining := slices.DeleteFunc(slices.Clone(entry.Pending.Conflicts), func(c string) bool { return c == rel })
	pending := *entry.Pending
	committed, err := e.commit(entry, pending.Revision, pending.ResolvedRevision, baseline, remaining)
	if err != nil {
		return res.fail(err)
	}
	res.Digest = committed.Digest
	res.Conflicts = remaining

	if len(remaining) > 0 {
		log.Info("conflict resolved", "remaining", len(remaining))
		res.Phase = PhaseConflicted
		res.Outcome = OutcomeAppliedWithConflicts
		return res
	}
	log.Info("all conflicts resolved", "resolved", pending.ResolvedRevision)
	res.Phase = PhaseCommitted
	res.Outcome = OutcomeApplied
	return res
}

// ChecksumMode selects what Checksum does with the computed digest
type ChecksumMode string

const (
	ChecksumCalc  ChecksumMode = "calc"
	ChecksumCheck ChecksumMode = "check"
	ChecksumWrite ChecksumMode = "write"
)

// Checksum is the digest comparison of one subproject
type Checksum struct {
	Path     string
	Recorded string
	Actual   string
}

// Match reports whether the files on disk match the recorded digest
func (c Checksum) Match() bool {
	return c.Recorded == c.Actual
}

// Checksum computes the digest of the tracked files of p as found on disk.
// ChecksumWrite also records it in the ledger.
func (e *Engine) Checksum(p string, mode ChecksumMode) (Checksum, error) {
	clean, err := normalize(p)
	if err != nil {
		return Checksum{}, err
	}
	entry, ok := e.ledger.Get(clean)
	if !ok {
		return Checksum{}, fmt.Errorf("%w: %s", ErrNotTracked, clean)
	}

	actual, err := e.realizedDigest(entry)
	if err != nil {
		return Checksum{}, err
	}
	sum := Checksum{Path: clean, Recorded: entry.Digest, Actual: actual}

	switch mode {
	case ChecksumCalc, ChecksumCheck:
	case ChecksumWrite:
		if sum.Match() || e.opts.DryRun {
			return sum, nil
		}
		entry.Digest = actual
		if err := e.put(entry); err != nil {
			return sum, err
		}
		e.logger.Info("digest recorded", "path", clean, "digest", actual)
		sum.Recorded = actual
	default:
		return sum, fmt.Errorf("%w: unknown checksum mode %q", ErrInvalidArgument, mode)
	}
	return sum, nil
}
