package sync

import (
	"errors"

	"github.com/schaermu/subsync/internal/detect"
)

// Outcome is the user visible result of an operation on one subproject
type Outcome string

const (
	OutcomeApplied              Outcome = "applied"
	OutcomeAppliedWithConflicts Outcome = "applied-with-conflicts"
	OutcomeFailed               Outcome = "failed"
	OutcomeNoOp                 Outcome = "no-op"
	OutcomeNotFound             Outcome = "not-found"
)

// Phase is the state of the per-subproject state machine
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseResolving     Phase = "resolving"
	PhaseClassifying   Phase = "classifying"
	PhaseMaterializing Phase = "materializing"
	PhaseCommitted     Phase = "committed"
	PhaseConflicted    Phase = "conflicted"
	PhaseFailed        Phase = "failed"
)

// Exit codes shared by all commands
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConflicts = 2
)

// Result describes what happened to one subproject
type Result struct {
	Path    string
	Outcome Outcome
	Phase   Phase
	DryRun  bool

	// PreviousRevision is the resolved revision recorded before the operation.
	PreviousRevision string
	// Revision is the resolved revision the operation synchronized to.
	Revision string
	Digest   string

	Decisions []detect.Decision
	Summary   detect.Summary
	Written   []string
	Deleted   []string
	Conflicts []string
	Failed    []string

	Err error
}

func (r *Result) fail(err error) Result {
	r.Phase = PhaseFailed
	r.Outcome = OutcomeFailed
	r.Err = err
	return *r
}

// Report collects the results of one invocation
type Report struct {
	Results []Result
	// Staged is the superproject VCS summary of staged changes, if any were staged.
	Staged string
}

// ExitCode maps the outcomes to a process exit code. Hard failures take
// precedence over conflicts.
func (r *Report) ExitCode() int {
	code := ExitOK
	for _, res := range r.Results {
		switch res.Outcome {
		case OutcomeFailed:
			return ExitFailure
		case OutcomeAppliedWithConflicts:
			code = ExitConflicts
		}
	}
	return code
}

// Err joins the errors of all failed subprojects
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Changed reports whether any subproject was modified
func (r *Report) Changed() bool {
	for _, res := range r.Results {
		if !res.DryRun && (res.Outcome == OutcomeApplied || res.Outcome == OutcomeAppliedWithConflicts) {
			return true
		}
	}
	return false
}
