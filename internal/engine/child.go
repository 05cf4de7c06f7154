package engine

import (
	"os"
	"os/exec"
	"time"
)

// Child is the per-child-process record the Worker maintains. It owns no
// semantics of its own; it exists so the Worker's
// readiness loop can multiplex many children's output into their owning
// goals without the goals touching file descriptors directly.
type Child struct {
	Goal        Goal
	Cmd         *exec.Cmd
	R           *os.File // read end of the child's merged stdout/stderr
	InBuildSlot bool
	LastOutput  time.Time
	pid         int
}
