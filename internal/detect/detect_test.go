package detect

import (
	"testing"

	"github.com/schaermu/subsync/internal/snapshot"
)

var (
	v1   = snapshot.State{Hash: "1"}
	v2   = snapshot.State{Hash: "2"}
	v3   = snapshot.State{Hash: "3"}
	v1x  = snapshot.State{Hash: "1", Executable: true}
	none *snapshot.State
)

func ptr(s snapshot.State) *snapshot.State { return &s }

func states(s *snapshot.State) map[string]snapshot.State {
	if s == nil {
		return map[string]snapshot.State{}
	}
	return map[string]snapshot.State{"f": *s}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		base         *snapshot.State
		working      *snapshot.State
		upstream     *snapshot.State
		wantClass    Class
		wantAction   Action
		wantConflict bool
		wantAdopts   bool
	}{
		{name: "new upstream file", base: none, working: none, upstream: ptr(v1), wantClass: AddedUpstream, wantAction: ActionWrite, wantAdopts: true},
		{name: "untracked local file", base: none, working: ptr(v1), upstream: none, wantClass: AddedLocally, wantAction: ActionNone},
		{name: "identical file adopted", base: none, working: ptr(v1), upstream: ptr(v1), wantClass: Unchanged, wantAction: ActionNone, wantAdopts: true},
		{name: "different untracked file", base: none, working: ptr(v1), upstream: ptr(v2), wantClass: BothChanged, wantAction: ActionNone, wantConflict: true},
		{name: "gone everywhere", base: ptr(v1), working: none, upstream: none, wantClass: Unchanged, wantAction: ActionNone},
		{name: "deleted locally, kept upstream", base: ptr(v1), working: none, upstream: ptr(v1), wantClass: DeletedLocally, wantAction: ActionNone, wantConflict: true},
		{name: "deleted locally, modified upstream", base: ptr(v1), working: none, upstream: ptr(v2), wantClass: DeletedLocally, wantAction: ActionNone, wantConflict: true},
		{name: "deleted upstream", base: ptr(v1), working: ptr(v1), upstream: none, wantClass: DeletedUpstream, wantAction: ActionDelete},
		{name: "modified locally, deleted upstream", base: ptr(v1), working: ptr(v2), upstream: none, wantClass: BothChanged, wantAction: ActionNone, wantConflict: true},
		{name: "nothing changed", base: ptr(v1), working: ptr(v1), upstream: ptr(v1), wantClass: Unchanged, wantAction: ActionNone, wantAdopts: true},
		{name: "upstream only", base: ptr(v1), working: ptr(v1), upstream: ptr(v2), wantClass: UpstreamOnlyChange, wantAction: ActionWrite, wantAdopts: true},
		{name: "local only", base: ptr(v1), working: ptr(v2), upstream: ptr(v1), wantClass: LocalOnlyChange, wantAction: ActionNone, wantAdopts: true},
		{name: "converged", base: ptr(v1), working: ptr(v2), upstream: ptr(v2), wantClass: Unchanged, wantAction: ActionNone, wantAdopts: true},
		{name: "both changed", base: ptr(v1), working: ptr(v2), upstream: ptr(v3), wantClass: BothChanged, wantAction: ActionNone, wantConflict: true},
		{name: "mode change upstream", base: ptr(v1), working: ptr(v1), upstream: ptr(v1x), wantClass: UpstreamOnlyChange, wantAction: ActionWrite, wantAdopts: true},
		{name: "mode change locally", base: ptr(v1), working: ptr(v1x), upstream: ptr(v1), wantClass: LocalOnlyChange, wantAction: ActionNone, wantAdopts: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decisions := Classify(states(tt.base), states(tt.working), states(tt.upstream))
			if len(decisions) != 1 {
				t.Fatalf("expected 1 decision, got %d", len(decisions))
			}
			d := decisions[0]
			if d.Class != tt.wantClass {
				t.Errorf("Class = %s, want %s", d.Class, tt.wantClass)
			}
			if d.Action != tt.wantAction {
				t.Errorf("Action = %s, want %s", d.Action, tt.wantAction)
			}
			if d.Conflict != tt.wantConflict {
				t.Errorf("Conflict = %v, want %v", d.Conflict, tt.wantConflict)
			}
			if d.Adopts() != tt.wantAdopts {
				t.Errorf("Adopts() = %v, want %v", d.Adopts(), tt.wantAdopts)
			}
			if d.Conflict && d.Action != ActionNone {
				t.Error("conflicts must never carry an action")
			}
		})
	}
}

// Every combination over a small state space: a file whose working copy equals
// its baseline is never reported as a local change or a conflict.
func TestClassify_UnmodifiedIsNeverLocalOrConflict(t *testing.T) {
	options := []*snapshot.State{none, ptr(v1), ptr(v2), ptr(v3), ptr(v1x)}
	for _, b := range options {
		if b == nil {
			continue
		}
		for _, u := range options {
			d := Classify(states(b), states(b), states(u))[0]
			if d.Class == LocalOnlyChange || d.Conflict {
				t.Errorf("base=working=%v upstream=%v classified as %s (conflict=%v)", *b, u, d.Class, d.Conflict)
			}
		}
	}
}

// Every conflict leaves the working tree alone, and every write or delete
// only happens where the working copy matches the baseline (or is absent for a new file).
func TestClassify_NeverOverwritesLocalEdits(t *testing.T) {
	options := []*snapshot.State{none, ptr(v1), ptr(v2), ptr(v3)}
	for _, b := range options {
		for _, w := range options {
			for _, u := range options {
				if b == nil && w == nil && u == nil {
					continue
				}
				d := Classify(states(b), states(w), states(u))[0]
				if d.Action == ActionNone {
					continue
				}
				if !same(d.Working, d.Base) && d.Working.Present {
					t.Errorf("b=%v w=%v u=%v: action %s would clobber a local edit", b, w, u, d.Action)
				}
			}
		}
	}
}

func TestClassify_OrderedUnion(t *testing.T) {
	base := map[string]snapshot.State{"b": v1, "c": v1}
	working := map[string]snapshot.State{"a": v1, "c": v1}
	upstream := map[string]snapshot.State{"c": v2, "d": v1}

	decisions := Classify(base, working, upstream)
	want := []struct {
		path  string
		class Class
	}{
		{"a", AddedLocally},
		{"b", Unchanged},
		{"c", UpstreamOnlyChange},
		{"d", AddedUpstream},
	}
	if len(decisions) != len(want) {
		t.Fatalf("got %d decisions, want %d", len(decisions), len(want))
	}
	for i, w := range want {
		if decisions[i].Path != w.path || decisions[i].Class != w.class {
			t.Errorf("decision[%d] = %s/%s, want %s/%s", i, decisions[i].Path, decisions[i].Class, w.path, w.class)
		}
	}

	s := Summarize(decisions)
	if s.Writes != 2 || s.Deletes != 0 || len(s.Conflicts) != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
	if !s.Changed() {
		t.Error("Changed() = false, want true")
	}
}
