package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/subsync/internal/ledger"
	"github.com/schaermu/subsync/internal/materialize"
)

// Remove deletes the tracked files of a subproject and its ledger entry.
// Removing a path that is not tracked reports OutcomeNotFound.
func (e *Engine) Remove(ctx context.Context, p string) *Report {
	res := e.remove(p)
	report := &Report{Results: []Result{res}}
	if res.Outcome == OutcomeApplied {
		e.stage(ctx, report)
	}
	return report
}

func (e *Engine) remove(p string) Result {
	res := Result{Path: p, Phase: PhaseIdle, DryRun: e.opts.DryRun}

	clean, err := normalize(p)
	if err != nil {
		return res.fail(err)
	}
	res.Path = clean

	entry, ok := e.ledger.Get(clean)
	if !ok {
		e.logger.Info("path is not tracked, nothing to remove", "path", clean)
		res.Outcome = OutcomeNotFound
		return res
	}
	res.PreviousRevision = entry.ResolvedRevision

	dir := e.dir(clean)
	if e.opts.DryRun {
		for _, f := range entry.TrackedPaths() {
			e.logger.Info("[dry-run] would delete", "path", clean+"/"+f)
		}
		res.Deleted = entry.TrackedPaths()
		res.Outcome = OutcomeApplied
		return res
	}

	res.Phase = PhaseMaterializing
	failures := make(map[string]error)
	for _, f := range entry.TrackedPaths() {
		if err := materialize.RemoveFile(dir, f); err != nil {
			e.logger.Warn("failed to delete file", "path", clean+"/"+f, "error", err)
			failures[f] = err
			continue
		}
		res.Deleted = append(res.Deleted, f)
	}
	if len(failures) > 0 {
		// Keep tracking whatever could not be deleted
		res.Failed = failedPaths(failures)
		kept := entry.Baseline()
		for _, f := range res.Deleted {
			delete(kept, f)
		}
		entry.SetBaseline(kept)
		digest, err := e.realizedDigest(entry)
		if err != nil {
			return res.fail(err)
		}
		entry.Digest = digest
		if err := e.put(entry); err != nil {
			return res.fail(err)
		}
		return res.fail(fmt.Errorf("%s: %w", clean, &materialize.PartialWriteError{Failures: failures}))
	}

	// Leftover untracked files keep the directory alive
	if err := os.Remove(dir); err == nil {
		materialize.PruneEmptyDirs(e.sp.Root, filepath.Dir(dir))
	} else if !os.IsNotExist(err) {
		e.logger.Info("keeping directory with untracked files", "path", clean)
	}

	if err := e.delete(clean); err != nil {
		return res.fail(err)
	}
	e.logger.Info("subproject removed", "path", clean, "files", len(res.Deleted))
	res.Phase = PhaseCommitted
	res.Outcome = OutcomeApplied
	return res
}

// delete drops the entry at p and saves the ledger
func (e *Engine) delete(p string) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	e.ledger.Delete(p)
	return e.ledger.Save()
}

// List returns every tracked entry ordered by path
func (e *Engine) List() []ledger.Entry {
	return e.ledger.Entries()
}
