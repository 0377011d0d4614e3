package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrFakeUnknownRevision is returned by FakeGit for selectors never published
var ErrFakeUnknownRevision = errors.New("fake: unknown revision")

// FakeGit is an in-memory content source. Published trees get sequential
// commit ids; selectors behave like branches and move on every publish.
type FakeGit struct {
	mu      sync.Mutex
	next    int
	refs    map[string]map[string]string
	trees   map[string]map[string]string
	failing map[string]error

	ResolveCalls int
	ExportCalls  int
}

// NewFakeGit creates an empty fake source
func NewFakeGit() *FakeGit {
	return &FakeGit{
		refs:    make(map[string]map[string]string),
		trees:   make(map[string]map[string]string),
		failing: make(map[string]error),
	}
}

// Publish records files (path -> content) as a new commit of url reachable by
// selector and returns its id. Paths ending in ".sh" are exported executable.
func (f *FakeGit) Publish(url, selector string, files map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	commit := fmt.Sprintf("%040x", f.next)

	tree := make(map[string]string, len(files))
	for p, c := range files {
		tree[p] = c
	}
	f.trees[commit] = tree

	if f.refs[url] == nil {
		f.refs[url] = make(map[string]string)
	}
	f.refs[url][selector] = commit
	return commit
}

// Fail makes every operation on url return err
func (f *FakeGit) Fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failing, url)
		return
	}
	f.failing[url] = err
}

// ResolveRevision returns the commit published under selector, or the id itself
func (f *FakeGit) ResolveRevision(ctx context.Context, url, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ResolveCalls++

	if err := f.failing[url]; err != nil {
		return "", err
	}
	if commit, ok := f.refs[url][selector]; ok {
		return commit, nil
	}
	if _, ok := f.trees[selector]; ok {
		return selector, nil
	}
	return "", fmt.Errorf("%w: %q", ErrFakeUnknownRevision, selector)
}

// Export writes the tree of commit into destDir
func (f *FakeGit) Export(ctx context.Context, url, commit, destDir string) error {
	f.mu.Lock()
	f.ExportCalls++
	err := f.failing[url]
	tree, ok := f.trees[commit]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrFakeUnknownRevision, commit)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	for p, content := range tree {
		dest := filepath.Join(destDir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		mode := os.FileMode(0644)
		if strings.HasSuffix(p, ".sh") {
			mode = 0755
		}
		if err := os.WriteFile(dest, []byte(content), mode); err != nil {
			return err
		}
	}
	return nil
}
