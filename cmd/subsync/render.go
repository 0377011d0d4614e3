package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/schaermu/subsync/internal/detect"
	"github.com/schaermu/subsync/internal/ledger"
	"github.com/schaermu/subsync/internal/sync"
)

// Color palette shared by all command output
const (
	colorPrimary   = lipgloss.Color("#7C3AED")
	colorMuted     = lipgloss.Color("#6B7280")
	colorSuccess   = lipgloss.Color("#10B981")
	colorError     = lipgloss.Color("#EF4444")
	colorWarning   = lipgloss.Color("#F59E0B")
	colorHighlight = lipgloss.Color("#3B82F6")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	revStyle     = lipgloss.NewStyle().Foreground(colorHighlight)
)

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func outcomeStyle(o sync.Outcome) lipgloss.Style {
	switch o {
	case sync.OutcomeApplied:
		return successStyle
	case sync.OutcomeAppliedWithConflicts:
		return warningStyle
	case sync.OutcomeFailed:
		return errorStyle
	default:
		return mutedStyle
	}
}

// renderReport prints one block per subproject of a mutating command
func renderReport(w io.Writer, report *sync.Report) {
	for _, res := range report.Results {
		outcome := string(res.Outcome)
		if res.DryRun && res.Outcome != sync.OutcomeFailed {
			outcome = "would be " + outcome
		}
		line := titleStyle.Render(res.Path) + " " + outcomeStyle(res.Outcome).Render(outcome)
		switch {
		case res.PreviousRevision != "" && res.Revision != "" && res.PreviousRevision != res.Revision:
			line += " " + revStyle.Render(shortRev(res.PreviousRevision)+" -> "+shortRev(res.Revision))
		case res.Revision != "":
			line += " " + revStyle.Render(shortRev(res.Revision))
		}
		_, _ = fmt.Fprintln(w, line)

		renderPaths(w, "written", res.Written, mutedStyle)
		renderPaths(w, "deleted", res.Deleted, mutedStyle)
		renderPaths(w, "conflict", res.Conflicts, warningStyle)
		renderPaths(w, "failed", res.Failed, errorStyle)
		if res.Err != nil {
			_, _ = fmt.Fprintf(w, "  %s %v\n", errorStyle.Render("error:"), res.Err)
		}
	}
	if report.Staged != "" {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("staged: "+report.Staged))
		_, _ = fmt.Fprintln(w, mutedStyle.Render("run 'git commit' to record the changes"))
	}
	if n := countOutcome(report, sync.OutcomeAppliedWithConflicts); n > 0 {
		_, _ = fmt.Fprintln(w, warningStyle.Render(
			fmt.Sprintf("%d subproject(s) have conflicts; edit the files, then run 'subsync resolve'", n)))
	}
}

func renderPaths(w io.Writer, label string, paths []string, style lipgloss.Style) {
	for _, p := range paths {
		_, _ = fmt.Fprintf(w, "  %s %s\n", style.Render(label+":"), p)
	}
}

func countOutcome(report *sync.Report, o sync.Outcome) int {
	n := 0
	for _, res := range report.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// renderStatus prints the classification of every changed file
func renderStatus(w io.Writer, report *sync.StatusReport) {
	for _, st := range report.Statuses {
		line := titleStyle.Render(st.Path)
		if st.ResolvedRevision != "" {
			line += " " + revStyle.Render(shortRev(st.ResolvedRevision))
		}
		if st.Revision != "" {
			line += " " + mutedStyle.Render("("+st.Revision+")")
		}
		_, _ = fmt.Fprintln(w, line)

		if st.Err != nil {
			_, _ = fmt.Fprintf(w, "  %s %v\n", errorStyle.Render("error:"), st.Err)
			continue
		}
		switch st.Comparison {
		case sync.CompareUpstream:
			if st.Upstream != st.ResolvedRevision {
				_, _ = fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("upstream:"), revStyle.Render(shortRev(st.Upstream)))
			}
		case sync.CompareBaseline:
			_, _ = fmt.Fprintln(w, mutedStyle.Render("  upstream content not cached, showing local changes only"))
		}
		if st.Pending {
			_, _ = fmt.Fprintln(w, warningStyle.Render("  update pending"))
		}
		if st.Clean() {
			_, _ = fmt.Fprintln(w, successStyle.Render("  up to date"))
			continue
		}
		for _, d := range st.Decisions {
			if d.Class == detect.Unchanged {
				continue
			}
			style := mutedStyle
			if d.Conflict {
				style = warningStyle
			}
			_, _ = fmt.Fprintf(w, "  %s %s\n", style.Render(fmt.Sprintf("%-20s", d.Class)), d.Path)
		}
	}
}

// renderDiff prints patches undecorated so they can be piped into other tools
func renderDiff(w io.Writer, results []sync.DiffResult) {
	for _, res := range results {
		if res.Status.Err != nil {
			_, _ = fmt.Fprintf(w, "# %s: %v\n", res.Status.Path, res.Status.Err)
			continue
		}
		for _, f := range res.Files {
			_, _ = fmt.Fprintf(w, "# %s %s (%s)\n", f.Side, f.Path, f.Class)
			_, _ = io.WriteString(w, f.Patch)
			if !strings.HasSuffix(f.Patch, "\n") {
				_, _ = io.WriteString(w, "\n")
			}
		}
	}
}

// renderList prints one line per tracked subproject
func renderList(w io.Writer, entries []ledger.Entry) {
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(w, mutedStyle.Render("no subprojects tracked"))
		return
	}
	for _, e := range entries {
		source := e.URL
		if e.Subpath != "" {
			source += "//" + e.Subpath
		}
		line := fmt.Sprintf("%s %s %s", titleStyle.Render(e.Path), source, revStyle.Render(shortRev(e.ResolvedRevision)))
		if e.Revision != "" {
			line += " " + mutedStyle.Render("("+e.Revision+")")
		}
		line += " " + mutedStyle.Render(fmt.Sprintf("%d files", len(e.Files)))
		if e.IsPending() {
			line += " " + warningStyle.Render("pending")
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

func renderChecksum(w io.Writer, sum sync.Checksum, mode sync.ChecksumMode) {
	switch mode {
	case sync.ChecksumCheck:
		if sum.Match() {
			_, _ = fmt.Fprintf(w, "%s %s %s\n", sum.Path, sum.Actual, successStyle.Render("OK"))
			return
		}
		_, _ = fmt.Fprintf(w, "%s %s\n", sum.Path, errorStyle.Render("MISMATCH"))
		_, _ = fmt.Fprintf(w, "  recorded: %s\n  actual:   %s\n", sum.Recorded, sum.Actual)
	default:
		_, _ = fmt.Fprintf(w, "%s %s\n", sum.Path, sum.Actual)
	}
}
