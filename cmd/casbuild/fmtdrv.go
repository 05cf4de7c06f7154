package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/renameio"
	"github.com/protocolbuffers/txtpbfmt/parser"
)

// cmdFmtDrv canonicalises the textproto formatting of one or more
// .drv.textproto files in place, the same way distri's scaffold verb
// runs generated build.textproto content through txtpbfmt's parser
// before writing it out.
func cmdFmtDrv(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fmt-drv", flag.ExitOnError)
	check := fs.Bool("check", false, "report files that aren't canonically formatted instead of rewriting them")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		return fmt.Errorf("fmt-drv: at least one .drv.textproto path is required")
	}

	var unformatted []string
	for _, p := range paths {
		orig, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		formatted, err := parser.Format(orig)
		if err != nil {
			return fmt.Errorf("fmt-drv: %s: %w", p, err)
		}
		if string(formatted) == string(orig) {
			continue
		}
		if *check {
			unformatted = append(unformatted, p)
			continue
		}
		if err := renameio.WriteFile(p, formatted, 0644); err != nil {
			return fmt.Errorf("fmt-drv: %s: %w", p, err)
		}
	}
	if len(unformatted) > 0 {
		return fmt.Errorf("fmt-drv: not canonically formatted: %v", unformatted)
	}
	return nil
}
