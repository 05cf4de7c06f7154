// Package buildenv assembles the environment handed to builders.
package buildenv

import (
	"fmt"
	"os"

	"github.com/casbuild/casbuild/internal/store"
)

// Build returns the environment slice (in os/exec's KEY=VALUE form) for
// running d's builder with scratch directory tmpDir.
//
// For fixed-output derivations, impureEnvVars named by d are copied in from
// the calling process's environment and NIX_OUTPUT_CHECKED=1 is set.
func Build(d *store.Derivation, storeDir, tmpDir string) []string {
	env := map[string]string{
		"PATH":         "/path-not-set",
		"HOME":         "/homeless-shelter",
		"NIX_STORE":    storeDir,
		"NIX_BUILD_TOP": tmpDir,
		"TMPDIR":       tmpDir,
		"TEMPDIR":      tmpDir,
		"TMP":          tmpDir,
		"TEMP":         tmpDir,
		"PWD":          tmpDir,
	}
	for k, v := range d.Env {
		env[k] = v
	}
	if d.IsFixedOutput() {
		env["NIX_OUTPUT_CHECKED"] = "1"
		for _, name := range d.ImpureEnvVars {
			if v, ok := os.LookupEnv(name); ok {
				env[name] = v
			}
		}
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
