package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/casbuild/casbuild/internal/engine"
	"github.com/casbuild/casbuild/internal/store"
)

// cmdSubstitute makes one or more store paths valid using substituters only,
// never falling back to a local build, the way "nix-store --realise
// --ignore-unknown" limited to substitution would behave.
func cmdSubstitute(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("substitute", flag.ExitOnError)
	repair := fs.Bool("repair", false, "re-verify already-valid paths' content against their registered hash and resubstitute on mismatch")
	fs.Parse(args)

	targets := fs.Args()
	if len(targets) == 0 {
		return fmt.Errorf("substitute: at least one store path is required")
	}

	s, err := newSetup()
	if err != nil {
		return err
	}
	defer s.Close()
	s.Repair = *repair

	deps := s.subDeps()
	var goals []*engine.SubstitutionGoal
	for _, t := range targets {
		path := store.ParseStorePath(t)
		g := engine.NewSubstitutionGoal(ctx, path, deps)
		goals = append(goals, g)
		s.worker.AddTopGoal(g)
	}

	if err := s.worker.Run(ctx); err != nil {
		return err
	}

	var failed []string
	for i, g := range goals {
		if g.Status() == engine.Failed {
			failed = append(failed, targets[i])
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("substitute: failed: %v", failed)
	}
	return nil
}
