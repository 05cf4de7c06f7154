package engine

import (
	"context"
	"log"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// ErrDeadlock is returned by Worker.Run when awake, children, and
// wantingTime are all empty while top-level goals remain: nothing can make
// progress.
var ErrDeadlock = xerrors.New("engine: deadlock: no goal can make progress")

// Worker is the single-threaded cooperative scheduler driving every goal
// to completion. All of its methods are meant to be called from the
// single goroutine running Run; it holds no internal locks.
type Worker struct {
	Log *log.Logger

	MaxBuildJobs  int
	PollInterval  time.Duration
	MaxSilentTime time.Duration
	KeepGoing     bool

	topGoals map[Goal]bool

	awake    []Goal
	awakeSet map[Goal]bool

	wantingBuildSlot []Goal
	wantingAnyGoal   []Goal
	wantingTime      []Goal

	children map[int]*Child

	waiters map[Goal][]Goal // waitee -> goals that addWaitee'd on it

	drvGoals map[string]Goal
	subGoals map[string]Goal

	nrLocalBuilds int
	lastPollWake  time.Time
}

// NewWorker constructs an idle Worker. maxBuildJobs bounds nrLocalBuilds;
// pollInterval spaces wake-ups for goals sleeping on a contended resource;
// maxSilentTime is the silence timeout for child output (0 disables it).
func NewWorker(maxBuildJobs int, pollInterval, maxSilentTime time.Duration, keepGoing bool, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Worker{
		Log:           logger,
		MaxBuildJobs:  maxBuildJobs,
		PollInterval:  pollInterval,
		MaxSilentTime: maxSilentTime,
		KeepGoing:     keepGoing,
		topGoals:      map[Goal]bool{},
		awakeSet:      map[Goal]bool{},
		children:      map[int]*Child{},
		waiters:       map[Goal][]Goal{},
		drvGoals:      map[string]Goal{},
		subGoals:      map[string]Goal{},
		lastPollWake:  time.Now(),
	}
}

// AddTopGoal registers g as an externally requested goal and wakes it.
func (w *Worker) AddTopGoal(g Goal) {
	w.topGoals[g] = true
	w.WakeUp(g)
}

// GetOrCreateDerivationGoal enforces the at-most-one-goal-per-target
// invariant for derivation goals. The returned bool is true
// iff create was actually invoked; callers must wake a freshly created
// goal themselves (and must not re-wake one already in flight, since that
// would yank it out of whatever wait set it earned).
func (w *Worker) GetOrCreateDerivationGoal(path string, create func() Goal) (Goal, bool) {
	if g, ok := w.drvGoals[path]; ok {
		return g, false
	}
	g := create()
	w.drvGoals[path] = g
	return g, true
}

// GetOrCreateSubstitutionGoal is GetOrCreateDerivationGoal's counterpart
// for substitution goals.
func (w *Worker) GetOrCreateSubstitutionGoal(path string, create func() Goal) (Goal, bool) {
	if g, ok := w.subGoals[path]; ok {
		return g, false
	}
	g := create()
	w.subGoals[path] = g
	return g, true
}

// WakeUp moves g into the awake set, removing it from whichever wait set
// it was parked in. A goal that has already terminated is never woken.
func (w *Worker) WakeUp(g Goal) {
	if g.Status() != Busy {
		return
	}
	if w.awakeSet[g] {
		return
	}
	w.awakeSet[g] = true
	w.awake = append(w.awake, g)
	w.wantingBuildSlot = removeGoal(w.wantingBuildSlot, g)
	w.wantingAnyGoal = removeGoal(w.wantingAnyGoal, g)
	w.wantingTime = removeGoal(w.wantingTime, g)
}

// AddWaitee registers waiter as depending on waitee. If waitee has already
// terminated, the effect (failure-counter bump, nothing otherwise) is
// applied immediately rather than via a later wake, since there will be no
// later termination event to deliver it.
func (w *Worker) AddWaitee(waiter, waitee Goal) {
	switch waitee.Status() {
	case Failed:
		waiter.addFailed()
		return
	case Success:
		return
	}
	w.waiters[waitee] = appendGoalUnique(w.waiters[waitee], waiter)
}

// WaitForBuildSlot parks g until a local build slot frees up.
func (w *Worker) WaitForBuildSlot(g Goal) {
	w.wantingBuildSlot = appendGoalUnique(w.wantingBuildSlot, g)
}

// WaitForAnyGoal parks g until some other goal (any goal) terminates, used
// by goals re-checking a resource another in-process goal might release.
func (w *Worker) WaitForAnyGoal(g Goal) {
	w.wantingAnyGoal = appendGoalUnique(w.wantingAnyGoal, g)
}

// WaitForAWhile parks g until the poll timer elapses.
func (w *Worker) WaitForAWhile(g Goal) {
	w.wantingTime = appendGoalUnique(w.wantingTime, g)
}

// HasBuildSlot reports whether nrLocalBuilds has room for one more
// slot-counted child.
func (w *Worker) HasBuildSlot() bool {
	return w.nrLocalBuilds < w.MaxBuildJobs
}

// StartChild forks cmd, wiring its merged stdout/stderr to a pipe the
// Worker polls, and registers it as owned by g. inBuildSlot must be false
// for the build-hook "post-hook" case so the hook's remote work does not
// starve local builds.
func (w *Worker) StartChild(g Goal, cmd *exec.Cmd, inBuildSlot bool) (*Child, error) {
	r, wpipe, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if cmd.Stdin == nil {
		if devnull, err := os.Open(os.DevNull); err == nil {
			cmd.Stdin = devnull
		}
	}
	cmd.Stdout = wpipe
	cmd.Stderr = wpipe
	if err := cmd.Start(); err != nil {
		r.Close()
		wpipe.Close()
		return nil, err
	}
	wpipe.Close()
	c := &Child{Goal: g, Cmd: cmd, R: r, InBuildSlot: inBuildSlot, LastOutput: time.Now(), pid: cmd.Process.Pid}
	w.children[c.pid] = c
	if inBuildSlot {
		w.nrLocalBuilds++
	}
	return c, nil
}

// ChildTerminated reaps c, adjusting nrLocalBuilds and waking any goal
// parked on WaitForBuildSlot. Goals call this from HandleChildEOF once
// they have finished reading whatever they need from the pipe.
func (w *Worker) ChildTerminated(c *Child) error {
	err := c.Cmd.Wait()
	if c.InBuildSlot {
		w.nrLocalBuilds--
		slot := w.wantingBuildSlot
		w.wantingBuildSlot = nil
		for _, g := range slot {
			w.WakeUp(g)
		}
	}
	return err
}

// Cancel synchronously kills any child owned by g, removes it from
// children, and transitions g to failed via its own Cancel method.
func (w *Worker) Cancel(g Goal) {
	for pid, c := range w.children {
		if c.Goal == g {
			if c.Cmd.Process != nil {
				c.Cmd.Process.Kill()
				c.Cmd.Wait()
			}
			c.R.Close()
			delete(w.children, pid)
		}
	}
	g.Cancel(w)
	w.goalDone(g)
}

// cancelAll kills every outstanding child in parallel, bounded by however
// many children are actually running: each child's Kill+Wait+pipe-drain is
// independent of the others, and on a build with many concurrent children
// doing them one at a time needlessly serialises shutdown behind the
// slowest process's exit.
func (w *Worker) cancelAll() {
	var eg errgroup.Group
	for _, c := range w.children {
		c := c
		eg.Go(func() error {
			if c.Cmd.Process != nil {
				c.Cmd.Process.Kill()
				c.Cmd.Wait()
			}
			c.R.Close()
			return nil
		})
	}
	eg.Wait()
	w.children = map[int]*Child{}

	for g := range w.topGoals {
		if g.Status() == Busy {
			g.Cancel(w)
		}
	}
	w.topGoals = map[Goal]bool{}
}

// Run drives the scheduling loop until every top-level goal has
// terminated, the context is cancelled, or the loop deadlocks.
func (w *Worker) Run(ctx context.Context) error {
	for len(w.topGoals) > 0 {
		select {
		case <-ctx.Done():
			w.cancelAll()
			return ctx.Err()
		default:
		}

		if len(w.awake) > 0 {
			batch := w.awake
			w.awake = nil
			w.awakeSet = map[Goal]bool{}
			for _, g := range batch {
				if g.Status() != Busy {
					continue
				}
				g.Work(w)
				w.afterWork(g)
			}
			continue
		}

		if len(w.topGoals) == 0 {
			break
		}

		if len(w.children) == 0 && len(w.wantingTime) == 0 {
			return ErrDeadlock
		}

		if err := w.pollOnce(w.computeTimeout()); err != nil {
			return err
		}
		w.checkSilence()
		w.checkPollWake()
	}
	return nil
}

func (w *Worker) afterWork(g Goal) {
	if g.Status() == Busy {
		return
	}
	w.goalDone(g)
}

// goalDone propagates a termination: it wakes specific waiters (bumping
// their failure counter on a Failed waitee), wakes everyone parked on
// WaitForAnyGoal, and — if g was a top-level goal that failed and the
// keep-going policy is off — discards the rest of the plan.
func (w *Worker) goalDone(g Goal) {
	for _, waiter := range w.waiters[g] {
		if g.Status() == Failed {
			waiter.addFailed()
		}
		w.WakeUp(waiter)
	}
	delete(w.waiters, g)

	if len(w.wantingAnyGoal) > 0 {
		batch := w.wantingAnyGoal
		w.wantingAnyGoal = nil
		for _, waiter := range batch {
			w.WakeUp(waiter)
		}
	}

	_, wasTop := w.topGoals[g]
	if wasTop {
		delete(w.topGoals, g)
	}
	if g.Status() == Failed && wasTop && !w.KeepGoing {
		w.topGoals = map[Goal]bool{}
		w.awake = nil
		w.awakeSet = map[Goal]bool{}
	}
}

func (w *Worker) computeTimeout() time.Duration {
	var deadline time.Time
	if w.MaxSilentTime > 0 {
		for _, c := range w.children {
			d := c.LastOutput.Add(w.MaxSilentTime)
			if deadline.IsZero() || d.Before(deadline) {
				deadline = d
			}
		}
	}
	if len(w.wantingTime) > 0 {
		d := w.lastPollWake.Add(w.PollInterval)
		if deadline.IsZero() || d.Before(deadline) {
			deadline = d
		}
	}
	if deadline.IsZero() {
		return -1
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	return d
}

func (w *Worker) pollOnce(timeout time.Duration) error {
	if len(w.children) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil
	}

	fds := make([]unix.PollFd, 0, len(w.children))
	order := make([]*Child, 0, len(w.children))
	for _, c := range w.children {
		fds = append(fds, unix.PollFd{Fd: int32(c.R.Fd()), Events: unix.POLLIN})
		order = append(order, c)
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return xerrors.Errorf("engine: poll: %w", err)
	}
	if n == 0 {
		return nil
	}

	buf := make([]byte, 65536)
	for i, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		c := order[i]
		nr, rerr := c.R.Read(buf)
		if nr > 0 {
			c.LastOutput = time.Now()
			c.Goal.HandleChildOutput(w, c, buf[:nr])
		}
		if nr == 0 || rerr != nil {
			c.R.Close()
			delete(w.children, c.pid)
			c.Goal.HandleChildEOF(w, c)
		}
	}
	return nil
}

func (w *Worker) checkSilence() {
	if w.MaxSilentTime <= 0 {
		return
	}
	now := time.Now()
	var stale []Goal
	for _, c := range w.children {
		if now.Sub(c.LastOutput) >= w.MaxSilentTime {
			stale = append(stale, c.Goal)
		}
	}
	for _, g := range stale {
		w.Cancel(g)
	}
}

func (w *Worker) checkPollWake() {
	if len(w.wantingTime) == 0 {
		return
	}
	if time.Since(w.lastPollWake) < w.PollInterval {
		return
	}
	batch := w.wantingTime
	w.wantingTime = nil
	w.lastPollWake = time.Now()
	for _, g := range batch {
		w.WakeUp(g)
	}
}

func removeGoal(list []Goal, g Goal) []Goal {
	for i, x := range list {
		if x == g {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func appendGoalUnique(list []Goal, g Goal) []Goal {
	for _, x := range list {
		if x == g {
			return list
		}
	}
	return append(list, g)
}
