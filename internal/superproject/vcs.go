package superproject

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// VCS records materialized changes in the superproject's version control
type VCS interface {
	// Stage adds the current content of paths, including deletions below them
	Stage(ctx context.Context, paths ...string) error
	// StageRemoval records that everything below path was removed
	StageRemoval(ctx context.Context, path string) error
	// ShortStat summarizes the staged changes
	ShortStat(ctx context.Context) (string, error)
}

// VCS returns the staging helper matching the superproject
func (s *Superproject) VCS() VCS {
	if s.HasGit {
		return NewGitVCS(s.Root)
	}
	return NoVCS{}
}

// GitVCS implements VCS by shelling out to git in the superproject root
type GitVCS struct {
	root string
}

// NewGitVCS creates a staging helper for the git working tree at root
func NewGitVCS(root string) *GitVCS {
	return &GitVCS{root: root}
}

// Stage force-adds paths so that ignore rules never hide vendored files
func (g *GitVCS) Stage(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"-C", g.root, "add", "-A", "-f", "--"}, paths...)
	cmd := exec.CommandContext(ctx, "git", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git add failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// StageRemoval drops path from the index; paths never committed are ignored
func (g *GitVCS) StageRemoval(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", g.root, "rm", "-r", "-q", "--cached", "--ignore-unmatch", "--", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git rm failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ShortStat returns git's one-line summary of staged changes
func (g *GitVCS) ShortStat(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", g.root, "diff", "--staged", "--shortstat")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// NoVCS is used for superprojects without version control; it does nothing
type NoVCS struct{}

func (NoVCS) Stage(context.Context, ...string) error { return nil }

func (NoVCS) StageRemoval(context.Context, string) error { return nil }

func (NoVCS) ShortStat(context.Context) (string, error) { return "", nil }
