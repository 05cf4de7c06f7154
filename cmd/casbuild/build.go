package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/casbuild/casbuild/internal/engine"
	"github.com/casbuild/casbuild/internal/oninterrupt"
	"github.com/casbuild/casbuild/internal/store"
)

// cmdBuild realises one or more derivations, building or substituting their
// outputs as needed, the way distri's "distri build" verb drives a batch of
// package builds through to completion.
func cmdBuild(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	keepGoing := fs.Bool("keep-going", false, "keep building unrelated derivations after one fails")
	repair := fs.Bool("repair", false, "re-verify already-valid outputs' content against their registered hash and rebuild or resubstitute on mismatch")
	fs.Parse(args)

	targets := fs.Args()
	if len(targets) == 0 {
		return fmt.Errorf("build: at least one .drv path is required")
	}

	s, err := newSetup()
	if err != nil {
		return err
	}
	defer s.Close()
	if *keepGoing {
		s.worker.KeepGoing = true
	}
	s.Repair = *repair

	// A build that's killed mid-flight (second Ctrl-C, or a signal
	// InterruptibleContext's cancellation doesn't stop in time) leaves its
	// per-derivation scratch directories behind; sweep them on interrupt the
	// same way distri's batch/build verbs register a governor-restore
	// cleanup alongside the graceful context-cancellation path.
	oninterrupt.Register(func() { sweepScratchDirs(s.cfg.TempBuildRoot) })
	defer sweepScratchDirs(s.cfg.TempBuildRoot)

	deps := s.drvDeps()
	var goals []*engine.DerivationGoal
	for _, t := range targets {
		path := store.ParseStorePath(t)
		g := engine.NewDerivationGoal(ctx, path, deps)
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
		return fmt.Errorf("build: failed: %v", failed)
	}
	return nil
}

// sweepScratchDirs removes leftover per-derivation scratch directories
// (the "drv-<hash>-*" pattern startLocalBuild creates via os.MkdirTemp)
// that an interrupted build didn't get to clean up itself.
func sweepScratchDirs(tempBuildRoot string) {
	matches, err := filepath.Glob(filepath.Join(tempBuildRoot, "drv-*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		os.RemoveAll(m)
	}
}
