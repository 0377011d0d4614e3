//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/subsync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness runs the subsync binary against a scratch superproject and upstream repository
type Harness struct {
	t        *testing.T
	binary   string
	env      []string
	Root     string
	Upstream string
	Config   string
}

// BuildBinary compiles cmd/subsync into dir
func BuildBinary(t *testing.T, dir string) string {
	t.Helper()
	binary := testutil.BuildBinary(t, "cmd/subsync", dir)
	t.Logf("Binary built at %s", binary)
	return binary
}

// NewHarness creates a git superproject and an upstream repository with one commit.
// Config, when not empty, is written as the subsync configuration file.
func NewHarness(t *testing.T, binary, config string) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	base := t.TempDir()
	h := &Harness{
		t:        t,
		binary:   binary,
		Root:     filepath.Join(base, "super"),
		Upstream: filepath.Join(base, "upstream", "widgets.git"),
		env: append(os.Environ(),
			"XDG_CONFIG_HOME="+filepath.Join(base, "config"),
			"XDG_CACHE_HOME="+filepath.Join(base, "cache"),
			"GIT_CONFIG_NOSYSTEM=1",
			"GIT_TERMINAL_PROMPT=0",
		),
	}

	testutil.InitRepo(t, h.Root, "main")
	testutil.InitRepo(t, h.Upstream, "main")

	if config != "" {
		h.Config = filepath.Join(base, "subsync.yaml")
		config = strings.ReplaceAll(config, "$BASE", base)
		if err := os.WriteFile(h.Config, []byte(config), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return h
}

// Run executes subsync in the superproject root and returns its output and exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()

	if h.Config != "" {
		args = append([]string{"--config", h.Config}, args...)
	}
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.Root
	cmd.Env = h.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("exec failed: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode
}

// MustRun executes subsync and fails the test unless it exits with want
func (h *Harness) MustRun(ctx context.Context, want int, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode := h.Run(ctx, args...)
	if exitCode != want {
		h.t.Fatalf("subsync %v exited %d, want %d\nstdout: %s\nstderr: %s",
			args, exitCode, want, stdout, stderr)
	}
	return stdout
}

// Publish commits files to the upstream repository and returns the commit id
func (h *Harness) Publish(msg string, files map[string]string) string {
	h.t.Helper()
	return testutil.CommitFiles(h.t, h.Upstream, msg, files)
}

// WriteFile writes a file relative to the superproject root
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	p := filepath.Join(h.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		h.t.Fatal(err)
	}
}

// ReadFile reads a file relative to the superproject root
func (h *Harness) ReadFile(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.Root, filepath.FromSlash(rel)))
	if err != nil {
		h.t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

// FileExists checks if a file exists relative to the superproject root
func (h *Harness) FileExists(rel string) bool {
	h.t.Helper()
	_, err := os.Stat(filepath.Join(h.Root, filepath.FromSlash(rel)))
	return err == nil
}

// Staged lists the paths staged in the superproject
func (h *Harness) Staged() []string {
	h.t.Helper()
	out := testutil.Git(h.t, h.Root, "diff", "--cached", "--name-only")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}
