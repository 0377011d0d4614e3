// Package detect classifies every path of a subproject by comparing three
// versions of it: the recorded baseline, the working tree and the new upstream
// snapshot. Classification is pure; applying the result is left to callers.
package detect

import (
	"sort"

	"github.com/schaermu/subsync/internal/snapshot"
)

// Class describes how a path changed relative to its baseline
type Class string

const (
	Unchanged          Class = "unchanged"
	UpstreamOnlyChange Class = "upstream-only-change"
	LocalOnlyChange    Class = "local-only-change"
	BothChanged        Class = "both-changed"
	AddedUpstream      Class = "added-upstream"
	DeletedUpstream    Class = "deleted-upstream"
	AddedLocally       Class = "added-locally"
	DeletedLocally     Class = "deleted-locally"
)

// Action is what the materializer must do with a path
type Action string

const (
	ActionNone   Action = "none"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// Version is the state of a path in one of the three inputs
type Version struct {
	Present bool
	State   snapshot.State
}

// Decision is the classification of a single path
type Decision struct {
	Path     string
	Class    Class
	Action   Action
	Conflict bool

	Base     Version
	Working  Version
	Upstream Version
}

// Adopts reports whether applying the decision makes the upstream version
// the new baseline of the path. Conflicts never move the baseline.
func (d Decision) Adopts() bool {
	return !d.Conflict && d.Class != AddedLocally && d.Upstream.Present
}

// Classify compares base, working and upstream states over the union of their
// paths. base is empty for a subproject that was never materialized.
// Decisions are ordered by path.
func Classify(base, working, upstream map[string]snapshot.State) []Decision {
	seen := make(map[string]struct{}, len(base)+len(working)+len(upstream))
	for _, m := range []map[string]snapshot.State{base, working, upstream} {
		for p := range m {
			seen[p] = struct{}{}
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	decisions := make([]Decision, 0, len(paths))
	for _, p := range paths {
		decisions = append(decisions, classify(p, version(base, p), version(working, p), version(upstream, p)))
	}
	return decisions
}

func version(m map[string]snapshot.State, p string) Version {
	st, ok := m[p]
	return Version{Present: ok, State: st}
}

func same(a, b Version) bool {
	return a.Present == b.Present && (!a.Present || a.State == b.State)
}

func classify(p string, b, w, u Version) Decision {
	d := Decision{Path: p, Action: ActionNone, Base: b, Working: w, Upstream: u}

	if !b.Present {
		switch {
		case !w.Present && u.Present:
			d.Class, d.Action = AddedUpstream, ActionWrite
		case w.Present && !u.Present:
			d.Class = AddedLocally
		case same(w, u):
			// identical file already in place; adopt it
			d.Class = Unchanged
		default:
			d.Class, d.Conflict = BothChanged, true
		}
		return d
	}

	localChanged := !same(w, b)
	upstreamChanged := !same(u, b)

	switch {
	case !localChanged && !upstreamChanged:
		d.Class = Unchanged
	case !localChanged:
		if u.Present {
			d.Class, d.Action = UpstreamOnlyChange, ActionWrite
		} else {
			d.Class, d.Action = DeletedUpstream, ActionDelete
		}
	case !w.Present && u.Present:
		// upstream still carries the file; the deletion must be confirmed
		d.Class, d.Conflict = DeletedLocally, true
	case !upstreamChanged:
		d.Class = LocalOnlyChange
	case same(w, u):
		// both sides made the same change, including both deleting it
		d.Class = Unchanged
	default:
		d.Class, d.Conflict = BothChanged, true
	}
	return d
}

// Summary counts decisions per class
type Summary struct {
	Counts    map[Class]int
	Conflicts []string
	Writes    int
	Deletes   int
}

// Summarize aggregates decisions
func Summarize(decisions []Decision) Summary {
	s := Summary{Counts: make(map[Class]int)}
	for _, d := range decisions {
		s.Counts[d.Class]++
		if d.Conflict {
			s.Conflicts = append(s.Conflicts, d.Path)
		}
		switch d.Action {
		case ActionWrite:
			s.Writes++
		case ActionDelete:
			s.Deletes++
		}
	}
	return s
}

// Changed reports whether applying the decisions would touch the working tree or leave conflicts
func (s Summary) Changed() bool {
	return s.Writes > 0 || s.Deletes > 0 || len(s.Conflicts) > 0
}
