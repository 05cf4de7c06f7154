package engine

import (
	"context"

	"github.com/casbuild/casbuild/internal/store"
	"github.com/casbuild/casbuild/internal/verify"
)

// usable reports whether p is already registered valid and, when repair is
// set, that its on-disk content still matches the hash recorded at
// registration time. Outside repair mode this is just IsValidPath; under
// repair a path whose content has drifted is treated the same as an
// invalid one, so it flows back through the normal substitute-or-build
// path instead of short-circuiting.
func usable(ctx context.Context, s store.MetadataStore, p store.StorePath, repair bool) (bool, error) {
	valid, err := s.IsValidPath(ctx, p)
	if err != nil || !valid {
		return false, err
	}
	if !repair {
		return true, nil
	}
	dirty, err := contentDrifted(ctx, s, p)
	if err != nil {
		return false, err
	}
	return !dirty, nil
}

// contentDrifted re-hashes p's on-disk content the way SubstitutionGoal's
// finished state hashes a freshly-delivered path, and compares it against
// the NarHash QueryPathInfo has on record. A path with no recorded info at
// all is treated as drifted rather than erroring, so --repair's "missing
// info" case folds into the same rebuild path as "hash mismatch".
func contentDrifted(ctx context.Context, s store.MetadataStore, p store.StorePath) (bool, error) {
	info, err := s.QueryPathInfo(ctx, p)
	if err != nil {
		return false, err
	}
	if info == nil {
		return true, nil
	}
	got, err := verify.HashArchiveSerialisation(p.String(), true)
	if err != nil {
		return false, err
	}
	return got != info.NarHash, nil
}
