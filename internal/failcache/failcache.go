// Package failcache implements a thin policy wrapper over the metadata
// store's failed-path bucket. It exists so the two goal state machines
// consult one place for "should I even try this path" rather than calling
// the store directly and reimplementing the "cached" log marker at each
// call site.
package failcache

import (
	"context"
	"log"

	"github.com/casbuild/casbuild/internal/store"
)

// Cache advises goals on whether a path is known to fail, without itself
// deciding policy about when entries expire: it is the caller's job to
// clear entries explicitly.
type Cache struct {
	Store   store.MetadataStore
	Log     *log.Logger
	Enabled bool
}

func New(s store.MetadataStore, logger *log.Logger, enabled bool) *Cache {
	return &Cache{Store: s, Log: logger, Enabled: enabled}
}

// Check reports whether p is cached as failed. When it is, the caller must
// short-circuit to failed without invoking substitution or build.
func (c *Cache) Check(ctx context.Context, p store.StorePath) (bool, error) {
	if !c.Enabled {
		return false, nil
	}
	failed, err := c.Store.HasPathFailed(ctx, p)
	if err != nil {
		return false, err
	}
	if failed && c.Log != nil {
		c.Log.Printf("cached: %s previously failed", p)
	}
	return failed, nil
}

// AnyFailed checks every path in ps, short-circuiting on the first hit.
func (c *Cache) AnyFailed(ctx context.Context, ps []store.StorePath) (store.StorePath, bool, error) {
	for _, p := range ps {
		failed, err := c.Check(ctx, p)
		if err != nil {
			return store.StorePath{}, false, err
		}
		if failed {
			return p, true, nil
		}
	}
	return store.StorePath{}, false, nil
}

// Insert records p as a failed output. Called only where the failure
// policy allows it: not a hook failure, not a fixed-output derivation.
func (c *Cache) Insert(ctx context.Context, p store.StorePath) error {
	if !c.Enabled {
		return nil
	}
	return c.Store.RegisterFailedPath(ctx, p)
}

// Clear removes a cached failure, letting users retry a path by hand.
func (c *Cache) Clear(ctx context.Context, p store.StorePath) error {
	return c.Store.ClearFailedPath(ctx, p)
}
