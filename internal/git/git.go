package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrSourceUnreachable is returned when the remote cannot be contacted. It is retryable.
	ErrSourceUnreachable = errors.New("source unreachable")
	// ErrRevisionNotFound is returned when a selector names no revision of the source
	ErrRevisionNotFound = errors.New("revision not found")
	// ErrAmbiguousRevision is returned when a selector names more than one revision
	ErrAmbiguousRevision = errors.New("ambiguous revision")
)

// Client is the version control capability used as a content source
type Client interface {
	// ResolveRevision turns a selector (branch, tag, commit id, "latest" or
	// empty for the remote default) into an immutable commit id
	ResolveRevision(ctx context.Context, url, selector string) (string, error)
	// Export writes the tree of commit into destDir without repository metadata
	Export(ctx context.Context, url, commit, destDir string) error
}

// MirrorLocator maps a source URL to the directory of its local mirror
type MirrorLocator func(url string) string

// ShellClient implements Client by shelling out to the git command.
// Each source URL is mirrored locally; exports are cut from the mirror.
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
	mirrors        MirrorLocator

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string, mirrors MirrorLocator) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		mirrors:        mirrors,
		locks:          make(map[string]*sync.Mutex),
	}
}

// ResolveRevision lists the remote refs and matches the selector against them.
// Full and abbreviated commit ids are verified against the local mirror.
func (c *ShellClient) ResolveRevision(ctx context.Context, url, selector string) (string, error) {
	if err := ValidateSelector(selector); err != nil {
		return "", err
	}

	if IsCommitID(selector) {
		return c.lookupObject(ctx, url, strings.ToLower(selector))
	}

	cmd := exec.CommandContext(ctx, "git", "ls-remote", url)
	if err := c.configureAuth(cmd, url); err != nil {
		return "", err
	}
	output, err := c.output(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: git ls-remote failed: %w", ErrSourceUnreachable, err)
	}

	commit, err := pickRef(parseLsRemote(output), selector)
	if errors.Is(err, errNeedsObjectLookup) {
		return c.lookupObject(ctx, url, selector)
	}
	return commit, err
}

// Export checks out commit from the mirror into destDir and strips the .git directory
func (c *ShellClient) Export(ctx context.Context, url, commit, destDir string) error {
	if !IsCommitID(commit) {
		return fmt.Errorf("export requires a full commit id, got %q", commit)
	}

	mirror, err := c.ensureMirror(ctx, url, commit)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--quiet", "--no-checkout", "--shared", "--", mirror, destDir)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}

	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "-c", "advice.detachedHead=false", "checkout", "--quiet", "--detach", commit)
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git checkout failed for commit %s: %w", commit, err)
	}

	if err := os.RemoveAll(filepath.Join(destDir, ".git")); err != nil {
		return fmt.Errorf("failed to remove repository metadata: %w", err)
	}
	return nil
}

// lookupObject resolves a (possibly abbreviated) commit id in the mirror
func (c *ShellClient) lookupObject(ctx context.Context, url, id string) (string, error) {
	want := ""
	if IsCommitID(id) {
		want = id
	}
	mirror, err := c.ensureMirror(ctx, url, want)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "git", "-C", mirror, "rev-parse", "--verify", "--end-of-options", id+"^{commit}")
	output, err := c.output(cmd)
	if err != nil {
		if strings.Contains(err.Error(), "ambiguous") {
			return "", fmt.Errorf("%w: %q matches more than one object", ErrAmbiguousRevision, id)
		}
		return "", fmt.Errorf("%w: %q", ErrRevisionNotFound, id)
	}
	return strings.TrimSpace(output), nil
}

// ensureMirror clones or refreshes the local mirror of url. When want is set
// and already present in the mirror, no network access happens.
func (c *ShellClient) ensureMirror(ctx context.Context, url, want string) (string, error) {
	lock := c.lockFor(url)
	lock.Lock()
	defer lock.Unlock()

	dir := c.mirrors(url)
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return "", fmt.Errorf("failed to create mirror directory: %w", err)
		}
		_ = os.RemoveAll(dir)

		cmd := exec.CommandContext(ctx, "git", "clone", "--quiet", "--mirror", "--", url, dir)
		if err := c.configureAuth(cmd, url); err != nil {
			return "", err
		}
		if err := c.runCommand(cmd); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("%w: git clone failed: %w", ErrSourceUnreachable, err)
		}
		return dir, nil
	}

	if want != "" && c.hasCommit(ctx, dir, want) {
		return dir, nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "fetch", "--quiet", "--prune", "origin")
	if err := c.configureAuth(cmd, url); err != nil {
		return "", err
	}
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("%w: git fetch failed: %w", ErrSourceUnreachable, err)
	}

	if want != "" && !c.hasCommit(ctx, dir, want) {
		return "", fmt.Errorf("%w: commit %s", ErrRevisionNotFound, want)
	}
	return dir, nil
}

func (c *ShellClient) hasCommit(ctx context.Context, dir, commit string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "cat-file", "-e", commit+"^{commit}")
	return cmd.Run() == nil
}

func (c *ShellClient) lockFor(url string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[url]
	if !ok {
		l = &sync.Mutex{}
		c.locks[url] = l
	}
	return l
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if c.sshKeyFile != "" && IsSSHURL(url) {
		// Use GIT_SSH_COMMAND to specify the SSH key.
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && IsHTTPSURL(url) {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "SUBSYNC_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$SUBSYNC_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// IsHTTPSURL returns true if url uses HTTPS
func IsHTTPSURL(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSHURL returns true if url uses SSH
func IsSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// output executes a command and returns its stdout, or an error carrying stderr
func (c *ShellClient) output(cmd *exec.Cmd) (string, error) {
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
