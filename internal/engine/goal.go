package engine

// Goal is the abstract unit of work the Worker schedules. Concrete goals
// (SubstitutionGoal, DerivationGoal) embed Base and implement Work to
// advance their state machine by exactly one step per call.
//
// Go's garbage collector resolves the cyclic-ownership concern a
// goals-owning-waitees, weakly-referencing-waiters design would otherwise
// raise: there is no distinct strong/weak pointer discipline to maintain
// here, waiters and waitees are both plain references, and a goal is
// simply collected once nothing reaches it. The Worker's goal caches
// still enforce the at-most-one-goal-per-target invariant explicitly,
// since that is a scheduling invariant, not a memory-management one.
type Goal interface {
	// Name is a human-readable identifier for logging.
	Name() string

	// Status reports the goal's current terminal state, or Busy.
	Status() ExitStatus

	// Work advances the goal's state machine by invoking its current state
	// handler exactly once. Must never block.
	Work(w *Worker)

	// HandleChildOutput is delivered on a short (non-EOF) read from one of
	// this goal's children.
	HandleChildOutput(w *Worker, c *Child, data []byte)

	// HandleChildEOF is delivered when one of this goal's children closes
	// its output. Implementations typically call w.WakeUp(self) so the
	// goal's Work is invoked again on the next turn.
	HandleChildEOF(w *Worker, c *Child)

	// Cancel is invoked by Worker.Cancel: it must synchronously release
	// any resources the goal holds and leave Status() == Failed.
	Cancel(w *Worker)

	nrFailed() int
	addFailed()
}

// Base provides the bookkeeping every concrete goal needs: name, terminal
// status, and a failure counter incremented by each failed waitee.
type Base struct {
	GoalName string
	status   ExitStatus
	failed   int
}

func (b *Base) Name() string      { return b.GoalName }
func (b *Base) Status() ExitStatus { return b.status }
func (b *Base) nrFailed() int     { return b.failed }
func (b *Base) addFailed()        { b.failed++ }

// finish sets the terminal status. It does not itself notify the Worker;
// callers invoke it from within Work and the Worker's drain loop observes
// the status change after Work returns (see Worker.afterWork).
func (b *Base) finish(s ExitStatus) { b.status = s }

// HandleChildOutput's default implementation does nothing: most goals only
// care about EOF, since a goal does not parse its own child's output for
// control — child stdout/stderr is just forwarded to the log.
func (b *Base) HandleChildOutput(w *Worker, c *Child, data []byte) {}
