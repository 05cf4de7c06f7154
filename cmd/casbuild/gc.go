package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/casbuild/casbuild/internal/store"
)

// cmdGC clears the negative (failure) cache for one or more store paths, so
// a later build or substitute attempt retries them instead of short-circuiting
// on a stale failure record.
func cmdGC(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	fs.Parse(args)

	targets := fs.Args()
	if len(targets) == 0 {
		return fmt.Errorf("gc: at least one store path is required")
	}

	s, err := newSetup()
	if err != nil {
		return err
	}
	defer s.Close()

	for _, t := range targets {
		path := store.ParseStorePath(t)
		if err := s.metadata.ClearFailedPath(ctx, path); err != nil {
			return fmt.Errorf("gc: %s: %w", t, err)
		}
	}
	return nil
}
