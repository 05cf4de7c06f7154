package engine

import (
	"context"
	"log"
	"os"

	"golang.org/x/xerrors"

	"github.com/casbuild/casbuild/internal/elog"
	"github.com/casbuild/casbuild/internal/failcache"
	"github.com/casbuild/casbuild/internal/pathlock"
	"github.com/casbuild/casbuild/internal/store"
	"github.com/casbuild/casbuild/internal/substituter"
	"github.com/casbuild/casbuild/internal/verify"
)

// SubstitutionDeps collects a SubstitutionGoal's external collaborators.
// One instance is shared by every substitution goal an engine creates.
type SubstitutionDeps struct {
	Store        store.MetadataStore
	Substituters []store.Substituter
	Locks        *pathlock.Manager
	FailCache    *failcache.Cache
	Log          *log.Logger

	// Repair forces a path whose on-disk content no longer matches its
	// registered hash to be resubstituted instead of treated as already
	// valid (original_source's --repair).
	Repair bool
}

type substitutionState func(g *SubstitutionGoal, w *Worker)

// SubstitutionGoal drives one store path to validity via substitution.
type SubstitutionGoal struct {
	Base

	ctx    context.Context
	deps   SubstitutionDeps
	target store.StorePath

	state substitutionState

	subIdx  int
	current *store.SubstitutablePathInfo
	curSub  store.Substituter

	locks *pathlock.Locks
	child *Child
}

// NewSubstitutionGoal constructs a goal for target, in the init state.
func NewSubstitutionGoal(ctx context.Context, target store.StorePath, deps SubstitutionDeps) *SubstitutionGoal {
	g := &SubstitutionGoal{
		Base:   Base{GoalName: "substitute " + target.String()},
		ctx:    ctx,
		deps:   deps,
		target: target,
	}
	g.state = (*SubstitutionGoal).init
	return g
}

func (g *SubstitutionGoal) Work(w *Worker) { g.state(g, w) }

func (g *SubstitutionGoal) Cancel(w *Worker) {
	g.releaseLocks(false)
	g.finish(Failed)
}

// init registers the temp root and checks the already-valid fast path.
func (g *SubstitutionGoal) init(w *Worker) {
	if err := g.deps.Store.AddTempRoot(g.ctx, g.target); err != nil {
		g.fail(w, err)
		return
	}
	ok, err := usable(g.ctx, g.deps.Store, g.target, g.deps.Repair)
	if err != nil {
		g.fail(w, err)
		return
	}
	if ok {
		g.finish(Success)
		return
	}
	g.state = (*SubstitutionGoal).tryNext
	w.WakeUp(g)
}

// tryNext tries exactly one candidate substituter per call, staying in
// this state across turns until a hit or the list is exhausted.
func (g *SubstitutionGoal) tryNext(w *Worker) {
	if g.subIdx >= len(g.deps.Substituters) {
		g.fail(w, xerrors.New("substitution: no substituter has "+g.target.String()))
		return
	}
	sub := g.deps.Substituters[g.subIdx]
	g.subIdx++

	info, err := g.deps.Store.QuerySubstitutablePathInfo(g.ctx, sub, g.target)
	if err != nil {
		if g.deps.Log != nil {
			g.deps.Log.Printf("substitute %s: query %s: %v", g.target, sub.Program, err)
		}
		w.WakeUp(g)
		return
	}
	if info == nil {
		// No cached answer: actually ask the substituter process, and
		// remember what it said so the next goal that wants this
		// (substituter, path) pair doesn't have to spawn it again.
		info, err = substituter.Query(g.ctx, sub, g.target.String())
		if err != nil {
			if g.deps.Log != nil {
				g.deps.Log.Printf("substitute %s: query %s: %v", g.target, sub.Program, err)
			}
			w.WakeUp(g)
			return
		}
		if info != nil {
			if cacher, ok := g.deps.Store.(store.SubstitutableCacher); ok {
				if err := cacher.CacheSubstitutablePathInfo(g.ctx, sub, *info); err != nil && g.deps.Log != nil {
					g.deps.Log.Printf("substitute %s: cache %s reply: %v", g.target, sub.Program, err)
				}
			}
		}
	}
	if info == nil {
		w.WakeUp(g)
		return
	}
	g.current = info
	g.curSub = sub

	for _, ref := range info.References {
		if ref == g.target {
			continue
		}
		rg, created := w.GetOrCreateSubstitutionGoal(ref.String(), func() Goal {
			return NewSubstitutionGoal(g.ctx, ref, g.deps)
		})
		if created {
			w.WakeUp(rg)
		}
		w.AddWaitee(g, rg)
	}

	g.state = (*SubstitutionGoal).referencesValid
	w.WakeUp(g)
}

func (g *SubstitutionGoal) referencesValid(w *Worker) {
	// Stay parked while any reference goal is still running; goalDone
	// wakes g again as each one terminates.
	for _, waiters := range w.waiters {
		for _, waiter := range waiters {
			if waiter == Goal(g) {
				return
			}
		}
	}
	if g.nrFailed() > 0 {
		g.substituterFailed(w, xerrors.New("a referenced path failed to substitute"))
		return
	}
	g.state = (*SubstitutionGoal).tryToRun
	w.WakeUp(g)
}

// tryToRun acquires a build slot and the path lock before spawning the
// substituter child.
func (g *SubstitutionGoal) tryToRun(w *Worker) {
	if !w.HasBuildSlot() {
		w.WaitForBuildSlot(g)
		return
	}

	path := g.target.String()
	if g.deps.Locks.OwnedByMe(path) {
		w.WaitForAnyGoal(g)
		return
	}
	locks, err := g.deps.Locks.Lock([]string{path}, false)
	if err == pathlock.ErrWouldBlock {
		w.WaitForAWhile(g)
		return
	}
	if err != nil {
		g.fail(w, err)
		return
	}
	g.locks = locks

	ok, err := usable(g.ctx, g.deps.Store, g.target, g.deps.Repair)
	if err != nil {
		g.releaseLocks(false)
		g.fail(w, err)
		return
	}
	if ok {
		// Another process produced it while we waited for the lock.
		g.releaseLocks(false)
		g.finish(Success)
		return
	}

	os.RemoveAll(path)

	elog.Emit(g.deps.Log, elog.EventSubstituterStarted, elog.F("path", path), elog.F("substituter", g.curSub.Program))
	cmd := substituter.Spawn(g.ctx, g.curSub, path)
	child, err := w.StartChild(g, cmd, true)
	if err != nil {
		g.releaseLocks(false)
		g.substituterFailed(w, err)
		return
	}
	g.child = child
	g.state = (*SubstitutionGoal).finished
}

func (g *SubstitutionGoal) HandleChildEOF(w *Worker, c *Child) {
	err := w.ChildTerminated(c)
	g.child = nil
	if err != nil {
		g.releaseLocks(false)
		g.substituterFailed(w, err)
		return
	}
	w.WakeUp(g)
}

// finished runs after the substituter child has exited cleanly: verify,
// canonicalise, hash, and register.
func (g *SubstitutionGoal) finished(w *Worker) {
	path := g.target.String()
	if _, err := os.Lstat(path); err != nil {
		g.releaseLocks(false)
		g.substituterFailed(w, xerrors.Errorf("substituter did not deliver %s: %w", path, err))
		return
	}

	if err := verify.Canonicalise(path, -1); err != nil {
		g.releaseLocks(false)
		g.fail(w, err)
		return
	}
	narHash, err := verify.HashArchiveSerialisation(path, true)
	if err != nil {
		g.releaseLocks(false)
		g.fail(w, err)
		return
	}

	info := store.ValidPathInfo{
		Path:       g.target,
		NarHash:    narHash,
		References: g.current.References,
		Deriver:    g.current.Deriver,
	}
	if err := g.deps.Store.RegisterValidPaths(g.ctx, []store.ValidPathInfo{info}); err != nil {
		g.releaseLocks(false)
		g.fail(w, err)
		return
	}

	elog.Emit(g.deps.Log, elog.EventSubstituterSucceeded, elog.F("path", path), elog.F("substituter", g.curSub.Program))
	g.releaseLocks(true)
	g.finish(Success)
}

// substituterFailed implements the non-fatal-at-this-substituter error
// policy: advance to the next candidate rather than failing the whole
// goal.
func (g *SubstitutionGoal) substituterFailed(w *Worker, err error) {
	elog.Emit(g.deps.Log, elog.EventSubstituterFailed, elog.F("path", g.target.String()), elog.F("substituter", g.curSub.Program), elog.F("reason", err.Error()))
	g.state = (*SubstitutionGoal).tryNext
	w.WakeUp(g)
}

func (g *SubstitutionGoal) fail(w *Worker, err error) {
	if g.deps.Log != nil {
		g.deps.Log.Printf("%s: %v", g.Name(), err)
	}
	g.releaseLocks(false)
	g.finish(Failed)
}

func (g *SubstitutionGoal) releaseLocks(deleteFiles bool) {
	if g.locks != nil {
		g.locks.Unlock(deleteFiles)
		g.locks = nil
	}
}
