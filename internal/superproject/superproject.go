package superproject

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no superproject encloses the start directory
var ErrNotFound = errors.New("no superproject found")

// Superproject is the repository that embeds subprojects
type Superproject struct {
	// Root is the absolute top directory; tracked paths are relative to it.
	Root string
	// LedgerFile is the absolute path of the ledger, which may not exist yet.
	LedgerFile string
	// HasGit is true when Root is the top of a git working tree.
	HasGit bool
}

// Find walks up from start to the nearest directory holding the ledger file
// or a .git entry. A ledger that sits below the top of a git working tree is
// rejected, since tracked paths would be ambiguous.
func Find(start, ledgerName string) (*Superproject, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory: %w", err)
	}

	for {
		hasLedger := exists(filepath.Join(dir, ledgerName))
		hasGit := exists(filepath.Join(dir, ".git"))

		if hasLedger || hasGit {
			sp := &Superproject{
				Root:       dir,
				LedgerFile: filepath.Join(dir, ledgerName),
				HasGit:     hasGit,
			}
			if hasLedger && !hasGit {
				if gitRoot, ok := findUp(filepath.Dir(dir), ".git"); ok {
					return nil, fmt.Errorf("ledger %s is not at the top of the git working tree %s", sp.LedgerFile, gitRoot)
				}
			}
			return sp, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root without finding either
			return nil, ErrNotFound
		}
		dir = parent
	}
}

// Plain returns a superproject rooted at dir without version control
func Plain(dir, ledgerName string) (*Superproject, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory: %w", err)
	}
	return &Superproject{Root: abs, LedgerFile: filepath.Join(abs, ledgerName)}, nil
}

// Rel converts a user supplied path (absolute, or relative to cwd) into a path relative to Root
func (s *Superproject) Rel(cwd, p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	rel, err := filepath.Rel(s.Root, filepath.Clean(p))
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || filepath.IsAbs(rel) || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("path %s is outside the superproject %s", p, s.Root)
	}
	return filepath.ToSlash(rel), nil
}

func findUp(dir, name string) (string, bool) {
	for {
		if exists(filepath.Join(dir, name)) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
