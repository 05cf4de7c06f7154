// Package substituter builds the exec.Cmd for a substituter child, for
// both of its invocation shapes: "<program> --substitute <path>" to
// deliver a path's content, and "<program> --query <path>" to report
// whether (and with what metadata) it could deliver one, so
// SubstitutionGoal can decide whether committing to that substituter is
// worthwhile before it spawns the potentially expensive delivery.
package substituter

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/casbuild/casbuild/internal/store"
)

// Spawn builds the command SubstitutionGoal.tryToRun hands to
// Worker.StartChild. The caller is responsible for wiring Stdout/Stderr
// into the Worker's output-capture pipe; Spawn only fixes argv.
func Spawn(ctx context.Context, sub store.Substituter, targetPath string) *exec.Cmd {
	return exec.CommandContext(ctx, sub.Program, "--substitute", targetPath)
}

// Query asks sub whether it can deliver targetPath, without transferring
// any content. A substituter that doesn't have the path exits non-zero;
// that and an empty reply both report (nil, nil) so the caller just
// advances to the next candidate. A substituter that does have it prints
// a "key: value" stanza on stdout — references, deriver, downloadsize,
// narsize — the same line-based shape internal/hook's reply protocol
// uses for this codebase's other external-process contracts.
func Query(ctx context.Context, sub store.Substituter, targetPath string) (*store.SubstitutablePathInfo, error) {
	cmd := exec.CommandContext(ctx, sub.Program, "--query", targetPath)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return nil, nil
		}
		return nil, err
	}
	return parseQueryReply(targetPath, out.Bytes())
}

func parseQueryReply(targetPath string, reply []byte) (*store.SubstitutablePathInfo, error) {
	info := store.SubstitutablePathInfo{Path: store.ParseStorePath(targetPath)}
	seenField := false
	for _, line := range strings.Split(string(reply), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "references":
			seenField = true
			if value != "" {
				for _, ref := range strings.Fields(value) {
					info.References = append(info.References, store.ParseStorePath(ref))
				}
			}
		case "deriver":
			seenField = true
			if value != "" {
				info.Deriver = store.ParseStorePath(value)
			}
		case "downloadsize":
			seenField = true
			n, _ := strconv.ParseInt(value, 10, 64)
			info.DownloadSize = n
		case "narsize":
			seenField = true
			n, _ := strconv.ParseInt(value, 10, 64)
			info.NarSize = n
		}
	}
	if !seenField {
		return nil, nil
	}
	return &info, nil
}
