package engine

import (
	"context"
	"testing"
	"time"
)

// fakeGoal is a minimal Goal used to exercise Worker scheduling without
// any real substitution or build machinery.
type fakeGoal struct {
	Base
	work func(w *Worker)
}

func (g *fakeGoal) Work(w *Worker) {
	if g.work != nil {
		g.work(w)
		return
	}
	g.finish(Success)
}
func (g *fakeGoal) HandleChildEOF(w *Worker, c *Child) {}
func (g *fakeGoal) Cancel(w *Worker)                   { g.finish(Failed) }

func newFakeGoal(name string) *fakeGoal {
	return &fakeGoal{Base: Base{GoalName: name}}
}

func TestWorkerRunSingleGoalSucceeds(t *testing.T) {
	w := NewWorker(1, time.Millisecond, 0, false, nil)
	g := newFakeGoal("g1")
	w.AddTopGoal(g)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.Status() != Success {
		t.Fatalf("status = %v, want Success", g.Status())
	}
}

func TestWorkerPropagatesWaiteeFailure(t *testing.T) {
	w := NewWorker(1, time.Millisecond, 0, false, nil)

	waitee := newFakeGoal("waitee")
	waitee.work = func(w *Worker) { waitee.finish(Failed) }

	var waiterRuns int
	waiter := newFakeGoal("waiter")
	waiter.work = func(w *Worker) {
		waiterRuns++
		if waiterRuns == 1 {
			created, ok := w.GetOrCreateDerivationGoal("waitee", func() Goal { return waitee })
			if ok {
				w.WakeUp(created)
			}
			w.AddWaitee(waiter, created)
			return
		}
		if waiter.nrFailed() > 0 {
			waiter.finish(Failed)
			return
		}
		waiter.finish(Success)
	}

	w.AddTopGoal(waiter)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if waiter.Status() != Failed {
		t.Fatalf("waiter status = %v, want Failed (waitee failed)", waiter.Status())
	}
	if waitee.Status() != Failed {
		t.Fatalf("waitee status = %v, want Failed", waitee.Status())
	}
}

func TestWorkerAddWaiteeOnAlreadyTerminatedGoal(t *testing.T) {
	w := NewWorker(1, time.Millisecond, 0, false, nil)

	done := newFakeGoal("done")
	done.finish(Success)

	waiter := newFakeGoal("waiter")
	var sawWaitee bool
	waiter.work = func(w *Worker) {
		if !sawWaitee {
			sawWaitee = true
			w.AddWaitee(waiter, done)
		}
		waiter.finish(Success)
	}

	w.AddTopGoal(waiter)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if waiter.nrFailed() != 0 {
		t.Fatalf("waiter.nrFailed() = %d, want 0 (waitee already succeeded)", waiter.nrFailed())
	}
}

func TestWorkerKeepGoingFalseAbandonsRemainingTopGoals(t *testing.T) {
	w := NewWorker(1, time.Millisecond, 0, false, nil)

	failing := newFakeGoal("failing")
	failing.work = func(w *Worker) { failing.finish(Failed) }

	var neverRan bool
	stuck := newFakeGoal("stuck")
	stuck.work = func(w *Worker) {
		neverRan = true
		w.WaitForAWhile(stuck)
	}

	w.AddTopGoal(failing)
	w.AddTopGoal(stuck)
	// awake is drained in AddTopGoal order, so failing runs first and its
	// failure empties the top-level set; stuck still gets its turn in that
	// batch and parks on the poll timer, but Run returns anyway because no
	// top-level goal is left.
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_ = neverRan
	if failing.Status() != Failed {
		t.Fatalf("failing.Status() = %v, want Failed", failing.Status())
	}
}

func TestWorkerDeadlockWhenNothingCanProgress(t *testing.T) {
	w := NewWorker(1, time.Millisecond, 0, false, nil)
	g := newFakeGoal("stuck")
	g.work = func(w *Worker) { w.WaitForAnyGoal(g) }
	w.AddTopGoal(g)
	err := w.Run(context.Background())
	if err != ErrDeadlock {
		t.Fatalf("Run: got %v, want ErrDeadlock", err)
	}
}

func TestWorkerHasBuildSlot(t *testing.T) {
	w := NewWorker(2, time.Millisecond, 0, false, nil)
	if !w.HasBuildSlot() {
		t.Fatal("expected a build slot to be available initially")
	}
	w.nrLocalBuilds = 2
	if w.HasBuildSlot() {
		t.Fatal("expected no build slot once nrLocalBuilds reaches MaxBuildJobs")
	}
}

func TestGetOrCreateDerivationGoalIsIdempotent(t *testing.T) {
	w := NewWorker(1, time.Millisecond, 0, false, nil)
	var calls int
	create := func() Goal { calls++; return newFakeGoal("x") }
	g1, created1 := w.GetOrCreateDerivationGoal("/store/x.drv", create)
	g2, created2 := w.GetOrCreateDerivationGoal("/store/x.drv", create)
	if !created1 || created2 {
		t.Fatalf("created1=%v created2=%v, want true,false", created1, created2)
	}
	if g1 != g2 {
		t.Fatal("expected the same goal instance on the second call")
	}
	if calls != 1 {
		t.Fatalf("create called %d times, want 1", calls)
	}
}
