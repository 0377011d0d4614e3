//go:build integration

package cli

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitConflicts = 2
)

func TestSubsyncCLI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	binary := BuildBinary(t, t.TempDir())

	for _, tc := range []struct {
		name   string
		config string
		ledger string
	}{
		{name: "shell/yaml", ledger: ".subsync.yaml"},
		{
			name:   "go-git/toml",
			ledger: "subprojects.toml",
			config: `ledger:
  file: subprojects.toml
cache:
  dir: $BASE/subsync-cache
git:
  backend: go-git
`,
		},
		{
			name:   "shell/no-cache",
			ledger: ".subsync.yaml",
			config: `cache:
  enabled: false
sync:
  parallelism: 1
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHarness(t, binary, tc.config)
			h.Publish("initial", map[string]string{
				"README.md":       "# widgets\n",
				"src/widget.go":   "package widgets\n",
				"scripts/run.sh":  "#!/bin/sh\necho run\n",
				"docs/guide.md":   "guide\n",
				"testdata/big.md": "fixture\n",
			})

			t.Run("A_AddDerivesPath", func(t *testing.T) {
				testAddDerivesPath(ctx, t, h, tc.ledger)
			})
			t.Run("B_UpdateAppliesUpstream", func(t *testing.T) {
				testUpdateAppliesUpstream(ctx, t, h)
			})
			t.Run("C_NoOpUpdate", func(t *testing.T) {
				testNoOpUpdate(ctx, t, h)
			})
			t.Run("D_LocalEditSurvives", func(t *testing.T) {
				testLocalEditSurvives(ctx, t, h)
			})
			t.Run("E_ConflictAndResolve", func(t *testing.T) {
				testConflictAndResolve(ctx, t, h)
			})
			t.Run("F_DryRun", func(t *testing.T) {
				testDryRun(ctx, t, h)
			})
			t.Run("G_Remove", func(t *testing.T) {
				testRemove(ctx, t, h, tc.ledger)
			})
		})
	}
}

func testAddDerivesPath(ctx context.Context, t *testing.T, h *Harness, ledger string) {
	t.Helper()

	h.MustRun(ctx, exitOK, "add", h.Upstream, "--exclude", "testdata/**")

	if got := h.ReadFile("widgets/src/widget.go"); got != "package widgets\n" {
		t.Errorf("widget.go = %q", got)
	}
	if h.FileExists("widgets/testdata/big.md") {
		t.Error("excluded file was vendored")
	}
	info, err := os.Stat(filepath.Join(h.Root, "widgets", "scripts", "run.sh"))
	if err != nil || info.Mode()&0o100 == 0 {
		t.Errorf("run.sh should be executable: %v", err)
	}

	content := h.ReadFile(ledger)
	if !strings.Contains(content, "widgets") || !strings.Contains(content, h.Upstream) {
		t.Errorf("ledger does not record the subproject:\n%s", content)
	}

	staged := h.Staged()
	for _, want := range []string{ledger, "widgets/README.md"} {
		if !slices.Contains(staged, want) {
			t.Errorf("%s not staged: %v", want, staged)
		}
	}

	out := h.MustRun(ctx, exitOK, "checksum", "--check", "widgets")
	if !strings.Contains(out, "OK") {
		t.Errorf("checksum output = %q", out)
	}
}

func testUpdateAppliesUpstream(ctx context.Context, t *testing.T, h *Harness) {
	t.Helper()

	h.Publish("v2", map[string]string{
		"src/widget.go": "package widgets\n\nconst Version = 2\n",
		"src/new.go":    "package widgets\n\nfunc New() {}\n",
		"docs/guide.md": "",
	})

	out := h.MustRun(ctx, exitOK, "update", "widgets")
	if !strings.Contains(out, "applied") {
		t.Errorf("update output = %q", out)
	}
	if got := h.ReadFile("widgets/src/widget.go"); !strings.Contains(got, "Version = 2") {
		t.Errorf("widget.go not updated: %q", got)
	}
	if !h.FileExists("widgets/src/new.go") {
		t.Error("new upstream file missing")
	}
	if h.FileExists("widgets/docs/guide.md") || h.FileExists("widgets/docs") {
		t.Error("file deleted upstream still present")
	}
}

func testNoOpUpdate(ctx context.Context, t *testing.T, h *Harness) {
	t.Helper()

	out := h.MustRun(ctx, exitOK, "update")
	if !strings.Contains(out, "no-op") {
		t.Errorf("second update should be a no-op: %q", out)
	}
	out = h.MustRun(ctx, exitOK, "status")
	if !strings.Contains(out, "up to date") {
		t.Errorf("status output = %q", out)
	}
}

func testLocalEditSurvives(ctx context.Context, t *testing.T, h *Harness) {
	t.Helper()

	h.WriteFile("widgets/src/new.go", "package widgets\n\nfunc New() { println(\"patched\") }\n")
	h.WriteFile("widgets/LOCAL.md", "local only\n")
	h.Publish("v3", map[string]string{"README.md": "# widgets v3\n"})

	out := h.MustRun(ctx, exitOK, "status", "widgets")
	for _, want := range []string{"local-only-change", "added-locally", "upstream-only-change"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %s:\n%s", want, out)
		}
	}

	h.MustRun(ctx, exitOK, "update")
	if got := h.ReadFile("widgets/src/new.go"); !strings.Contains(got, "patched") {
		t.Errorf("local edit lost: %q", got)
	}
	if got := h.ReadFile("widgets/README.md"); got != "# widgets v3\n" {
		t.Errorf("README.md = %q", got)
	}
	if got := h.ReadFile("widgets/LOCAL.md"); got != "local only\n" {
		t.Errorf("untracked file changed: %q", got)
	}
}

func testConflictAndResolve(ctx context.Context, t *testing.T, h *Harness) {
	t.Helper()

	h.Publish("v4", map[string]string{"src/new.go": "package widgets\n\nfunc New() int { return 4 }\n"})

	out := h.MustRun(ctx, exitConflicts, "update")
	if !strings.Contains(out, "conflict: src/new.go") {
		t.Errorf("update output = %q", out)
	}
	if got := h.ReadFile("widgets/src/new.go"); !strings.Contains(got, "patched") {
		t.Errorf("conflicted file overwritten: %q", got)
	}

	out = h.MustRun(ctx, exitConflicts, "diff", "widgets")
	if !strings.Contains(out, "return 4") || !strings.Contains(out, "patched") {
		t.Errorf("diff output = %q", out)
	}

	// Resolving a file that is not conflicted is refused
	h.MustRun(ctx, exitFailure, "resolve", "widgets", "README.md", "--take-upstream")

	h.MustRun(ctx, exitOK, "resolve", "widgets", "src/new.go", "--take-upstream")
	if got := h.ReadFile("widgets/src/new.go"); !strings.Contains(got, "return 4") {
		t.Errorf("take-upstream did not write upstream content: %q", got)
	}

	out = h.MustRun(ctx, exitOK, "list")
	if strings.Contains(out, "pending") {
		t.Errorf("entry still pending after resolve:\n%s", out)
	}
}

func testDryRun(ctx context.Context, t *testing.T, h *Harness) {
	t.Helper()

	h.Publish("v5", map[string]string{"src/widget.go": "package widgets\n\nconst Version = 5\n"})
	before := h.ReadFile("widgets/src/widget.go")

	out := h.MustRun(ctx, exitOK, "--dry-run", "update")
	if !strings.Contains(out, "would be applied") {
		t.Errorf("dry-run output = %q", out)
	}
	if got := h.ReadFile("widgets/src/widget.go"); got != before {
		t.Errorf("dry run modified files: %q", got)
	}

	h.MustRun(ctx, exitOK, "--dry-run", "remove", "widgets")
	if !h.FileExists("widgets/README.md") {
		t.Error("dry run removed files")
	}
}

func testRemove(ctx context.Context, t *testing.T, h *Harness, ledger string) {
	t.Helper()

	h.MustRun(ctx, exitOK, "remove", "widgets")

	if h.FileExists("widgets/README.md") || h.FileExists("widgets/src") {
		t.Error("tracked files still present")
	}
	if got := h.ReadFile("widgets/LOCAL.md"); got != "local only\n" {
		t.Errorf("untracked file removed: %q", got)
	}
	if strings.Contains(h.ReadFile(ledger), h.Upstream) {
		t.Error("ledger still records the subproject")
	}

	out := h.MustRun(ctx, exitOK, "remove", "widgets")
	if !strings.Contains(out, "not-found") {
		t.Errorf("second remove output = %q", out)
	}
}
