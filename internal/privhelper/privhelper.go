// Package privhelper is the client side of a small privileged helper
// invoked with a command name (kill, get-ownership, run-builder) and its
// arguments. It is consulted only when the engine itself is unprivileged
// and so cannot kill another uid's processes, chown paths, or exec as a
// leased uid directly.
package privhelper

import (
	"context"
	"os/exec"
	"strconv"
)

// Client talks to one setuid helper binary.
type Client struct {
	Path string
}

// Kill sends SIGKILL to every process owned by uid, via the helper.
func (c *Client) Kill(ctx context.Context, uid int) error {
	return exec.CommandContext(ctx, c.Path, "kill", strconv.Itoa(uid)).Run()
}

// GetOwnership chowns path to uid:gid via the helper.
func (c *Client) GetOwnership(ctx context.Context, path string, uid, gid int) error {
	return exec.CommandContext(ctx, c.Path, "get-ownership", path, strconv.Itoa(uid), strconv.Itoa(gid)).Run()
}

// RunBuilder returns an *exec.Cmd that invokes the helper to setuid/setgid
// to uid/gid, chdir to dir, and exec builder with args and env. The caller
// wires stdio via Worker.StartChild exactly as it would for a direct
// builder invocation; the helper is a transparent exec wrapper.
func (c *Client) RunBuilder(ctx context.Context, uid, gid int, dir, builder string, args, env []string) *exec.Cmd {
	cmdArgs := append([]string{"run-builder", strconv.Itoa(uid), strconv.Itoa(gid), dir, builder}, args...)
	cmd := exec.CommandContext(ctx, c.Path, cmdArgs...)
	cmd.Env = env
	return cmd
}
