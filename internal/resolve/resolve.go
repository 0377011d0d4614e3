package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/subsync/internal/cache"
	"github.com/schaermu/subsync/internal/git"
	"github.com/schaermu/subsync/internal/ledger"
	"github.com/schaermu/subsync/internal/snapshot"
)

var (
	// ErrUnsupportedSource is returned for source kinds without a content backend
	ErrUnsupportedSource = errors.New("unsupported source kind")
	// ErrNotCached is returned by Cached when the snapshot is not available locally
	ErrNotCached = errors.New("snapshot not cached")
)

// Source identifies the content of a subproject
type Source struct {
	Kind    ledger.Kind
	URL     string
	Subpath string
	Exclude []string
}

// SourceOf returns the source recorded in a ledger entry
func SourceOf(e ledger.Entry) Source {
	return Source{
		Kind:    e.Kind,
		URL:     e.URL,
		Subpath: e.Subpath,
		Exclude: e.Exclude,
	}
}

// Validate checks that the source can be resolved
func (s Source) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("source url is required")
	}
	if strings.HasPrefix(s.URL, "-") {
		return fmt.Errorf("invalid source url %q", s.URL)
	}
	switch s.Kind {
	case "", ledger.KindGit:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedSource, s.Kind)
	}
	return snapshot.ValidatePatterns(s.Exclude)
}

// Resolver turns source declarations into snapshots. Exported trees are kept
// in the content cache when one is configured; results never depend on it.
type Resolver struct {
	git    git.Client
	cache  *cache.Store
	logger *slog.Logger
}

// New creates a resolver. store may be nil to disable caching.
func New(client git.Client, store *cache.Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		git:    client,
		cache:  store,
		logger: logger,
	}
}

// Resolve resolves selector to an immutable revision and loads its snapshot
func (r *Resolver) Resolve(ctx context.Context, src Source, selector string) (*snapshot.Snapshot, string, error) {
	if err := src.Validate(); err != nil {
		return nil, "", err
	}

	r.logger.Debug("resolving revision", "url", src.URL, "revision", selector)
	revision, err := r.git.ResolveRevision(ctx, src.URL, selector)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve revision %q of %s: %w", selector, src.URL, err)
	}
	r.logger.Debug("revision resolved", "url", src.URL, "revision", selector, "resolved", revision)

	snap, err := r.Pinned(ctx, src, revision)
	if err != nil {
		return nil, "", err
	}
	return snap, revision, nil
}

// Pinned loads the snapshot of an already resolved revision
func (r *Resolver) Pinned(ctx context.Context, src Source, revision string) (*snapshot.Snapshot, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	opts := snapshot.Options{Subpath: src.Subpath, Exclude: src.Exclude, Logger: r.logger}

	if r.cache != nil {
		hit := r.cache.Has(src.URL, revision)
		dir, err := r.cache.Put(src.URL, revision, func(dir string) error {
			return r.git.Export(ctx, src.URL, revision, dir)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s at %s: %w", src.URL, revision, err)
		}
		r.logger.Debug("snapshot loaded", "url", src.URL, "resolved", revision, "cache_hit", hit)
		return snapshot.Scan(dir, opts)
	}

	tmp, err := os.MkdirTemp("", "subsync-export-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	dir := filepath.Join(tmp, "tree")
	if err := r.git.Export(ctx, src.URL, revision, dir); err != nil {
		return nil, fmt.Errorf("failed to fetch %s at %s: %w", src.URL, revision, err)
	}
	return snapshot.Scan(dir, opts)
}

// Cached loads the snapshot of revision from the content cache only, without network access
func (r *Resolver) Cached(src Source, revision string) (*snapshot.Snapshot, error) {
	if r.cache == nil || revision == "" || !r.cache.Has(src.URL, revision) {
		return nil, ErrNotCached
	}
	return snapshot.Scan(r.cache.SnapshotDir(src.URL, revision), snapshot.Options{
		Subpath: src.Subpath,
		Exclude: src.Exclude,
		Logger:  r.logger,
	})
}
