package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"
)

// GoGitClient implements Client in-process with go-git, without a git binary.
// Repository data is held in memory; only the exported tree touches disk.
type GoGitClient struct {
	sshAuth  transport.AuthMethod
	httpAuth transport.AuthMethod
}

// NewGoGitClient creates a go-git backed client using the given credentials
func NewGoGitClient(sshKeyFile, httpsTokenFile string) (*GoGitClient, error) {
	c := &GoGitClient{}

	if sshKeyFile != "" {
		auth, err := ssh.NewPublicKeysFromFile("git", sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		c.sshAuth = auth
	}

	if httpsTokenFile != "" {
		token, err := os.ReadFile(httpsTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read HTTPS token file: %w", err)
		}
		c.httpAuth = &http.BasicAuth{
			Username: "x-access-token",
			Password: strings.TrimSpace(string(token)),
		}
	}

	return c, nil
}

// ResolveRevision lists the remote refs in memory and matches the selector against them
func (c *GoGitClient) ResolveRevision(ctx context.Context, url, selector string) (string, error) {
	if err := ValidateSelector(selector); err != nil {
		return "", err
	}

	if IsCommitID(selector) {
		return c.lookupObject(ctx, url, strings.ToLower(selector))
	}

	// Use in-memory storage to list remote refs without cloning
	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	list, err := remote.ListContext(ctx, &gogit.ListOptions{
		Auth:          c.authFor(url),
		PeelingOption: gogit.AppendPeeled,
	})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return "", fmt.Errorf("%w: %s has no revisions", ErrRevisionNotFound, url)
		}
		return "", fmt.Errorf("%w: failed to list remote refs: %w", ErrSourceUnreachable, err)
	}

	commit, err := pickRef(refsFromList(list), selector)
	if errors.Is(err, errNeedsObjectLookup) {
		return c.lookupObject(ctx, url, selector)
	}
	return commit, err
}

// Export clones into memory and checks commit out into destDir
func (c *GoGitClient) Export(ctx context.Context, url, commit, destDir string) error {
	if !IsCommitID(commit) {
		return fmt.Errorf("export requires a full commit id, got %q", commit)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	repo, err := gogit.CloneContext(ctx, memory.NewStorage(), osfs.New(destDir), &gogit.CloneOptions{
		URL:        url,
		Auth:       c.authFor(url),
		NoCheckout: true,
		Tags:       gogit.AllTags,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to clone repository: %w", ErrSourceUnreachable, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	err = worktree.Checkout(&gogit.CheckoutOptions{
		Hash:  plumbing.NewHash(commit),
		Force: true,
	})
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return fmt.Errorf("%w: commit %s", ErrRevisionNotFound, commit)
		}
		return fmt.Errorf("failed to checkout: %w", err)
	}
	return nil
}

// lookupObject clones the repository into memory and resolves a (possibly abbreviated) commit id
func (c *GoGitClient) lookupObject(ctx context.Context, url, id string) (string, error) {
	repo, err := gogit.CloneContext(ctx, memory.NewStorage(), nil, &gogit.CloneOptions{
		URL:  url,
		Auth: c.authFor(url),
		Tags: gogit.AllTags,
	})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return "", fmt.Errorf("%w: %s has no revisions", ErrRevisionNotFound, url)
		}
		return "", fmt.Errorf("%w: failed to clone repository: %w", ErrSourceUnreachable, err)
	}

	if IsCommitID(id) {
		if _, err := repo.CommitObject(plumbing.NewHash(id)); err != nil {
			return "", fmt.Errorf("%w: %q", ErrRevisionNotFound, id)
		}
		return id, nil
	}

	iter, err := repo.CommitObjects()
	if err != nil {
		return "", fmt.Errorf("failed to list commits: %w", err)
	}
	defer iter.Close()

	prefix := strings.ToLower(id)
	var matches []string
	err = iter.ForEach(func(commit *object.Commit) error {
		if h := commit.Hash.String(); strings.HasPrefix(h, prefix) {
			matches = append(matches, h)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan commits: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %q", ErrRevisionNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d commits", ErrAmbiguousRevision, id, len(matches))
	}
}

func (c *GoGitClient) authFor(url string) transport.AuthMethod {
	switch {
	case c.sshAuth != nil && IsSSHURL(url):
		return c.sshAuth
	case c.httpAuth != nil && IsHTTPSURL(url):
		return c.httpAuth
	}
	return nil
}

// refsFromList converts go-git references, resolving symbolic ones such as HEAD.
// Peeled tag entries keep their "^{}" suffix so pickRef can prefer them.
func refsFromList(list []*plumbing.Reference) []Ref {
	hashes := make(map[plumbing.ReferenceName]string, len(list))
	refs := make([]Ref, 0, len(list))
	for _, r := range list {
		if r.Type() == plumbing.HashReference {
			hashes[r.Name()] = r.Hash().String()
			refs = append(refs, Ref{Name: r.Name().String(), Hash: r.Hash().String()})
		}
	}
	for _, r := range list {
		if r.Type() != plumbing.SymbolicReference {
			continue
		}
		if hash, ok := hashes[r.Target()]; ok {
			refs = append(refs, Ref{Name: r.Name().String(), Hash: hash})
		}
	}
	return refs
}
