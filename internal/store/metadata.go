package store

import "context"

// MetadataStore is the external interface the engine consumes for all
// persistent store metadata. Every method is expected to be transactional
// at the per-call level; RegisterValidPaths must additionally be atomic
// across the whole slice of infos passed in one call, since the verifier's
// registration step relies on that to satisfy the closure invariant
// without a separate commit phase.
type MetadataStore interface {
	IsValidPath(ctx context.Context, p StorePath) (bool, error)
	QueryPathInfo(ctx context.Context, p StorePath) (*ValidPathInfo, error)
	QueryDeriver(ctx context.Context, p StorePath) (StorePath, bool, error)
	QuerySubstitutablePathInfo(ctx context.Context, sub Substituter, p StorePath) (*SubstitutablePathInfo, error)

	// RegisterValidPaths registers every info in one transaction. A caller
	// must never observe a partial write.
	RegisterValidPaths(ctx context.Context, infos []ValidPathInfo) error

	HasPathFailed(ctx context.Context, p StorePath) (bool, error)
	RegisterFailedPath(ctx context.Context, p StorePath) error
	ClearFailedPath(ctx context.Context, p StorePath) error

	AddTempRoot(ctx context.Context, p StorePath) error

	// CanOptimise reports whether p is eligible for a store-optimisation
	// (hard-link dedup) pass. The engine consults it only to refuse
	// registering a path while an optimise pass holds it (see DESIGN.md);
	// casbuild does not implement optimisation itself, so the default
	// implementation always returns false.
	CanOptimise(ctx context.Context, p StorePath) (bool, error)

	Close() error
}

// SubstitutableCacher is an optional capability a MetadataStore backend
// may implement: caching a substituter's query reply for future
// QuerySubstitutablePathInfo calls against the same (substituter, path)
// pair. BoltStore implements it; SubstitutionGoal type-asserts for it
// rather than requiring every MetadataStore to carry the method, since
// the cache is a backend implementation detail, not part of the engine's
// required contract.
type SubstitutableCacher interface {
	CacheSubstitutablePathInfo(ctx context.Context, sub Substituter, info SubstitutablePathInfo) error
}
