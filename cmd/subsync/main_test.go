package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/subsync/internal/detect"
	"github.com/schaermu/subsync/internal/ledger"
	"github.com/schaermu/subsync/internal/sync"
	"github.com/schaermu/subsync/internal/testutil"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		wantInfo  bool
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text", wantInfo: true},
		{name: "info/json", logLevel: "info", logFormat: "json", wantInfo: true},
		{name: "info/pretty", logLevel: "info", logFormat: "pretty", wantInfo: true},
		{name: "warn/text", logLevel: "warn", logFormat: "text", wantInfo: false},
		{name: "error/pretty", logLevel: "error", logFormat: "pretty", wantInfo: false},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text", wantInfo: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			var buf bytes.Buffer
			logger := setupLogger(&buf)
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
			logger.Info("hello", "key", "value")

			if got := strings.Contains(buf.String(), "hello"); got != tc.wantInfo {
				t.Errorf("info record written = %v, want %v (output %q)", got, tc.wantInfo, buf.String())
			}
		})
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	tmpDir := t.TempDir()
	configContent := []byte(`ledger:
  file: "subprojects.toml"
cache:
  dir: "` + filepath.Join(tmpDir, "cache") + `"
git:
  backend: "go-git"
sync:
  parallelism: 2
  stage: false
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfgFile = cfgPath
	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Ledger.File != "subprojects.toml" {
		t.Errorf("Ledger.File = %q", cfg.Ledger.File)
	}
	if cfg.Sync.Parallelism != 2 || cfg.StageEnabled() {
		t.Errorf("sync config = %+v", cfg.Sync)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	_, err := loadConfig(quietLogger())
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPathMissingUsesDefaults(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = ""
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Ledger.File != ".subsync.yaml" {
		t.Errorf("Ledger.File = %q, want default", cfg.Ledger.File)
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"version"}, &out, &errOut); code != sync.ExitOK {
		t.Fatalf("exit code = %d, stderr %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "subsync dev") {
		t.Errorf("unexpected version output %q", out.String())
	}
}

func TestExitWith(t *testing.T) {
	if err := exitWith(sync.ExitOK); err != nil {
		t.Errorf("exitWith(0) = %v", err)
	}
	var exit *exitError
	if err := exitWith(sync.ExitConflicts); !errors.As(err, &exit) || exit.code != sync.ExitConflicts {
		t.Errorf("exitWith(2) = %v", err)
	}
}

// cli runs subsync commands inside a fresh superproject
type cli struct {
	t        *testing.T
	root     string
	upstream string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	testutil.RequireGit(t)

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	upstream := filepath.Join(t.TempDir(), "lib")
	testutil.InitRepo(t, upstream, "main")
	testutil.CommitFiles(t, upstream, "initial", map[string]string{
		"README.md":   "# lib\n",
		"src/lib.go":  "package lib\n",
		"bin/tool.sh": "#!/bin/sh\necho tool\n",
	})

	root := t.TempDir()
	testutil.InitRepo(t, root, "main")
	t.Chdir(root)

	return &cli{t: t, root: root, upstream: upstream}
}

func (c *cli) run(args ...string) (int, string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	code := run(append([]string{"--log-level", "error"}, args...), &out, &errOut)
	return code, out.String() + errOut.String()
}

func (c *cli) mustRun(want int, args ...string) string {
	c.t.Helper()
	code, out := c.run(args...)
	if code != want {
		c.t.Fatalf("subsync %v exited %d, want %d:\n%s", args, code, want, out)
	}
	return out
}

func (c *cli) read(rel string) string {
	c.t.Helper()
	data, err := os.ReadFile(filepath.Join(c.root, filepath.FromSlash(rel)))
	if err != nil {
		c.t.Fatal(err)
	}
	return string(data)
}

func (c *cli) write(rel, content string) {
	c.t.Helper()
	if err := os.WriteFile(filepath.Join(c.root, filepath.FromSlash(rel)), []byte(content), 0o644); err != nil {
		c.t.Fatal(err)
	}
}

func TestCLI_Lifecycle(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun(sync.ExitOK, "add", c.upstream, "vendor/lib")
	if !strings.Contains(out, "vendor/lib") || !strings.Contains(out, "applied") {
		t.Errorf("unexpected add output:\n%s", out)
	}
	if got := c.read("vendor/lib/src/lib.go"); got != "package lib\n" {
		t.Errorf("vendored content = %q", got)
	}
	info, err := os.Stat(filepath.Join(c.root, "vendor", "lib", "bin", "tool.sh"))
	if err != nil || info.Mode()&0o100 == 0 {
		t.Errorf("tool.sh should be executable: %v %v", info, err)
	}

	out = c.mustRun(sync.ExitOK, "list")
	if !strings.Contains(out, "vendor/lib") || !strings.Contains(out, "3 files") {
		t.Errorf("unexpected list output:\n%s", out)
	}
	c.mustRun(sync.ExitOK, "checksum", "--check", "vendor/lib")
	c.mustRun(sync.ExitOK, "update")

	// Both sides edit the README, only upstream edits the source
	c.write("vendor/lib/README.md", "# lib\n\nlocal notes\n")
	testutil.CommitFiles(t, c.upstream, "upstream edits", map[string]string{
		"README.md":  "# lib v2\n",
		"src/lib.go": "package lib\n\nconst Version = 2\n",
	})

	out = c.mustRun(sync.ExitConflicts, "status", "vendor/lib")
	if !strings.Contains(out, string(detect.BothChanged)) {
		t.Errorf("status should report the conflict:\n%s", out)
	}
	out = c.mustRun(sync.ExitConflicts, "diff", "vendor/lib")
	if !strings.Contains(out, "+local notes") || !strings.Contains(out, "+const Version = 2") {
		t.Errorf("diff should show both sides:\n%s", out)
	}

	out = c.mustRun(sync.ExitConflicts, "update", "vendor/lib")
	if !strings.Contains(out, "conflict: README.md") {
		t.Errorf("update should list the conflict:\n%s", out)
	}
	if got := c.read("vendor/lib/README.md"); got != "# lib\n\nlocal notes\n" {
		t.Errorf("conflicted file was overwritten: %q", got)
	}
	if got := c.read("vendor/lib/src/lib.go"); !strings.Contains(got, "Version = 2") {
		t.Errorf("upstream-only change not applied: %q", got)
	}

	c.mustRun(sync.ExitOK, "resolve", "vendor/lib", "README.md", "--keep-local")
	l, err := ledger.Load(filepath.Join(c.root, ".subsync.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := l.Get("vendor/lib")
	if !ok || entry.IsPending() {
		t.Fatalf("entry should be fully synchronized: %+v", entry)
	}

	c.mustRun(sync.ExitOK, "checksum", "--check", "vendor/lib")

	c.mustRun(sync.ExitOK, "remove", "vendor/lib")
	if _, err := os.Stat(filepath.Join(c.root, "vendor")); !os.IsNotExist(err) {
		t.Errorf("vendor directory should be gone: %v", err)
	}
	out = c.mustRun(sync.ExitOK, "list")
	if !strings.Contains(out, "no subprojects tracked") {
		t.Errorf("unexpected list output:\n%s", out)
	}
}

func TestCLI_DryRunAddWritesNothing(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun(sync.ExitOK, "--dry-run", "add", c.upstream)
	if !strings.Contains(out, "would be applied") {
		t.Errorf("unexpected dry-run output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(c.root, "lib")); !os.IsNotExist(err) {
		t.Errorf("dry run created files: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.root, ".subsync.yaml")); !os.IsNotExist(err) {
		t.Errorf("dry run wrote the ledger: %v", err)
	}
}

func TestCLI_Errors(t *testing.T) {
	c := newCLI(t)

	for _, tc := range []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown command", args: []string{"frobnicate"}, want: "unknown command"},
		{name: "resolve needs a choice", args: []string{"resolve", "vendor/lib", "README.md"}, want: "--take-upstream or --keep-local"},
		{name: "overrides need one path", args: []string{"update", "--revision", "v2"}, want: "exactly one path"},
		{name: "update untracked", args: []string{"update", "vendor/missing"}, want: "not a tracked subproject"},
		{name: "missing config", args: []string{"--config", filepath.Join(c.root, "none.yaml"), "list"}, want: "failed to load config"},
		{name: "unreachable remote", args: []string{"add", filepath.Join(c.root, "does-not-exist"), "vendor/x"}, want: "vendor/x"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, out := c.run(tc.args...)
			if code != sync.ExitFailure {
				t.Errorf("exit code = %d, want %d", code, sync.ExitFailure)
			}
			if !strings.Contains(out, tc.want) {
				t.Errorf("output %q does not contain %q", out, tc.want)
			}
		})
	}
}

func TestRenderReport(t *testing.T) {
	report := &sync.Report{
		Results: []sync.Result{
			{
				Path:             "vendor/a",
				Outcome:          sync.OutcomeAppliedWithConflicts,
				PreviousRevision: "1111111111111111111111111111111111111111",
				Revision:         "2222222222222222222222222222222222222222",
				Written:          []string{"src/a.go"},
				Conflicts:        []string{"README.md"},
			},
			{Path: "vendor/b", Outcome: sync.OutcomeFailed, Failed: []string{"x"}, Err: errors.New("boom")},
		},
		Staged: "2 files changed",
	}

	var buf bytes.Buffer
	renderReport(&buf, report)
	out := buf.String()

	for _, want := range []string{
		"vendor/a", "applied-with-conflicts", "111111111111 -> 222222222222",
		"written:", "src/a.go", "conflict:", "README.md",
		"vendor/b", "failed:", "boom", "staged: 2 files changed", "subsync resolve",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderChecksum(t *testing.T) {
	var buf bytes.Buffer
	renderChecksum(&buf, sync.Checksum{Path: "vendor/a", Recorded: "sha256:aa", Actual: "sha256:bb"}, sync.ChecksumCheck)
	if out := buf.String(); !strings.Contains(out, "MISMATCH") || !strings.Contains(out, "sha256:aa") {
		t.Errorf("unexpected mismatch output %q", out)
	}

	buf.Reset()
	renderChecksum(&buf, sync.Checksum{Path: "vendor/a", Recorded: "sha256:aa", Actual: "sha256:aa"}, sync.ChecksumCalc)
	if out := buf.String(); out != "vendor/a sha256:aa\n" {
		t.Errorf("unexpected calc output %q", out)
	}
}

func TestShortRev(t *testing.T) {
	if got := shortRev("abc"); got != "abc" {
		t.Errorf("shortRev(abc) = %q", got)
	}
	if got := shortRev("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortRev = %q", got)
	}
}
