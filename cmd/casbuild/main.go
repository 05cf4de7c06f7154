// Command casbuild drives the goal scheduler of a content-addressed
// package store, the same verb-dispatch shape distr1/distri's own cmd/distri
// binary uses (one flag.FlagSet per verb, a map from verb name to entry
// point, "help" special-cased to print the verb list).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	casbuild "github.com/casbuild/casbuild"
	"github.com/casbuild/casbuild/internal/sandbox"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

type verb struct {
	fn   func(ctx context.Context, args []string) error
	help string
}

func main() {
	flag.Parse()

	// The reexec entry point for sandboxed local builds (internal/sandbox):
	// the outer process starts a copy of itself as "__sandbox-init <specfile>"
	// inside fresh mount/user namespaces, and Init never returns on success.
	if len(os.Args) >= 3 && os.Args[1] == "__sandbox-init" {
		spec, err := sandbox.LoadSpec(os.Args[2])
		if err != nil {
			log.Fatalf("__sandbox-init: %v", err)
		}
		if err := sandbox.Init(spec); err != nil {
			log.Fatalf("__sandbox-init: %v", err)
		}
		return
	}

	if err := run(); err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "casbuild: %+v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "casbuild: %v\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	verbs := map[string]verb{
		"build":        {cmdBuild, "realise a derivation's outputs (building or substituting as needed)"},
		"substitute":   {cmdSubstitute, "make a store path valid via substitution only"},
		"gc":           {cmdGC, "clear the negative (failure) cache for one or more store paths"},
		"verify-store": {cmdVerifyStore, "re-verify a store path's recorded metadata against its on-disk content"},
		"fmt-drv":      {cmdFmtDrv, "canonicalise a .drv.textproto file's formatting"},
	}

	args := flag.Args()
	if len(args) == 0 || args[0] == "help" {
		printUsage(verbs)
		if len(args) == 0 {
			return nil
		}
		os.Exit(2)
	}

	name, rest := args[0], args[1:]
	v, ok := verbs[name]
	if !ok {
		printUsage(verbs)
		return fmt.Errorf("unknown command %q", name)
	}

	ctx, canc := casbuild.InterruptibleContext()
	defer canc()
	return v.fn(ctx, rest)
}
