package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/registry"
)

// DefaultPackageTTL is how long a fetched package is served without refetching.
const DefaultPackageTTL = 30 * time.Second

// DefaultPackageDir returns ~/.wasix/packages.
func DefaultPackageDir() string {
	return filepath.Join(wasix.DataDir(), "packages")
}

type packageEntry struct {
	pkg      *registry.Package
	cachedAt int64
	timed    bool
}

// PackageCache keeps fetched packages in memory for a TTL.
//
// A stale entry is refreshed on the next Get. If the refresh fails the stale
// entry keeps being served; entries never expire on their own.
type PackageCache struct {
	clock    wasix.Clock
	entries  map[string]*packageEntry
	flight   singleflight.Group
	dir      string
	ttl      time.Duration
	prefetch int
	mu       sync.RWMutex
}

// PackageOption configures a PackageCache.
type PackageOption func(*PackageCache)

// WithTTL overrides DefaultPackageTTL.
func WithTTL(d time.Duration) PackageOption {
	return func(c *PackageCache) { c.ttl = d }
}

// WithPrefetchLimit bounds concurrent fetches in Prefetch. 0 means no limit.
func WithPrefetchLimit(n int) PackageOption {
	return func(c *PackageCache) { c.prefetch = n }
}

// NewPackageCache creates a cache whose sources may use dir as scratch space.
func NewPackageCache(dir string, clock wasix.Clock, opts ...PackageOption) *PackageCache {
	if dir == "" {
		dir = DefaultPackageDir()
	}
	c := &PackageCache{
		clock:   clock,
		entries: make(map[string]*packageEntry),
		dir:     wasix.ExpandHome(dir),
		ttl:     DefaultPackageTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness window.
func (c *PackageCache) TTL() time.Duration {
	return c.ttl
}

// Len returns the number of cached references.
func (c *PackageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Add inserts pkg under ref without a timestamp. Such entries are always fresh.
func (c *PackageCache) Add(ref string, pkg *registry.Package) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = &packageEntry{pkg: pkg}
}

func (c *PackageCache) fresh(e *packageEntry, now int64) bool {
	return !e.timed || now-e.cachedAt <= int64(c.ttl)
}

// Get returns the package for ref, fetching it from source when absent or
// stale. It returns false only when nothing is cached and the fetch failed.
func (c *PackageCache) Get(ctx context.Context, ref string, source registry.Source) (*registry.Package, bool) {
	pkg, err := c.get(ctx, ref, source)
	if err != nil {
		return nil, false
	}
	return pkg, true
}

// Resolve is Get with the fetch error returned when nothing is cached.
func (c *PackageCache) Resolve(ctx context.Context, ref string, source registry.Source) (*registry.Package, error) {
	return c.get(ctx, ref, source)
}

func (c *PackageCache) get(ctx context.Context, ref string, source registry.Source) (*registry.Package, error) {
	c.mu.RLock()
	if e, ok := c.entries[ref]; ok && (!e.timed || c.fresh(e, c.clock.Nanotime())) {
		c.mu.RUnlock()
		return e.pkg, nil
	}
	c.mu.RUnlock()

	// Concurrent misses for one ref share a single fetch. The fetch outlives
	// the caller that started it so other waiters are not failed by its
	// cancellation.
	ch := c.flight.DoChan(ref, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), ref, source)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*registry.Package), nil
	case <-ctx.Done():
		c.mu.RLock()
		e, ok := c.entries[ref]
		c.mu.RUnlock()
		if ok {
			return e.pkg, nil
		}
		return nil, ctx.Err()
	}
}

func (c *PackageCache) refresh(ctx context.Context, ref string, source registry.Source) (*registry.Package, error) {
	c.mu.Lock()
	existing, ok := c.entries[ref]
	if ok && c.fresh(existing, c.clock.Nanotime()) {
		c.mu.Unlock()
		return existing.pkg, nil
	}
	c.mu.Unlock()

	log := Logger().With(zap.String("ref", ref))
	pkg, err := source.Fetch(ctx, registry.FetchName(ref), c.dir)

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok = c.entries[ref]
	if err != nil {
		if ok {
			log.Debug("package refresh failed, serving stale entry", zap.Error(err))
			return existing.pkg, nil
		}
		log.Debug("package fetch failed", zap.Error(err))
		return nil, err
	}

	now := c.clock.Nanotime()
	if ok && existing.pkg.Hash() == pkg.Hash() && existing.pkg.Version == pkg.Version {
		existing.cachedAt = now
		existing.timed = true
		return existing.pkg, nil
	}
	c.entries[ref] = &packageEntry{pkg: pkg, cachedAt: now, timed: true}
	return pkg, nil
}

// Prefetch warms the cache for refs concurrently. Every ref is attempted;
// failures are returned joined and successful fetches stay cached.
func (c *PackageCache) Prefetch(ctx context.Context, refs []string, source registry.Source) error {
	var g errgroup.Group
	if c.prefetch > 0 {
		g.SetLimit(c.prefetch)
	}

	errs := make([]error, len(refs))
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			if _, err := c.get(ctx, ref, source); err != nil {
				errs[i] = fmt.Errorf("prefetch %s: %w", ref, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return stderrors.Join(errs...)
}
