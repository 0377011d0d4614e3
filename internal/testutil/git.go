package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// InitRepo creates a git repository with the given default branch and a test identity
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	Git(t, "", "init", "-q", "-b", branch, dir)
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "commit.gpgsign", "false")
	Git(t, dir, "config", "tag.gpgsign", "false")
}

// CommitFiles writes files (path -> content) into repoDir and commits them.
// An empty content string deletes the file. Paths ending in ".sh" are made executable.
// It returns the new commit id.
func CommitFiles(t *testing.T, repoDir, msg string, files map[string]string) string {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(repoDir, filepath.FromSlash(name))
		if content == "" {
			Git(t, repoDir, "rm", "-q", "--", name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		mode := os.FileMode(0644)
		if strings.HasSuffix(name, ".sh") {
			mode = 0755
		}
		if err := os.WriteFile(p, []byte(content), mode); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(p, mode); err != nil {
			t.Fatal(err)
		}
		Git(t, repoDir, "add", "--", name)
	}
	Git(t, repoDir, "commit", "-q", "--allow-empty", "-m", msg)
	return Git(t, repoDir, "rev-parse", "HEAD")
}

// Tag creates a lightweight tag, or an annotated one when msg is not empty
func Tag(t *testing.T, repoDir, name, msg string) {
	t.Helper()
	if msg == "" {
		Git(t, repoDir, "tag", name)
		return
	}
	Git(t, repoDir, "tag", "-a", name, "-m", msg)
}

// Git runs a git command (in dir when set) and returns its trimmed output
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.Command("git", args...)
	cmd.Env = append(os.Environ(), "GIT_CONFIG_NOSYSTEM=1", "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// RequireGit skips the test when no git binary is available
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}
