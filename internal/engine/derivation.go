package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	casbuild "github.com/casbuild/casbuild"
	"github.com/casbuild/casbuild/internal/buildenv"
	"github.com/casbuild/casbuild/internal/drv"
	"github.com/casbuild/casbuild/internal/elog"
	"github.com/casbuild/casbuild/internal/failcache"
	"github.com/casbuild/casbuild/internal/hook"
	"github.com/casbuild/casbuild/internal/pathlock"
	"github.com/casbuild/casbuild/internal/privhelper"
	"github.com/casbuild/casbuild/internal/sandbox"
	"github.com/casbuild/casbuild/internal/store"
	"github.com/casbuild/casbuild/internal/userpool"
	"github.com/casbuild/casbuild/internal/verify"
)

// HookConfig configures the build hook. A zero value (Program == "")
// disables the hook; every derivation goal then builds locally.
type HookConfig struct {
	Program string
}

// DerivationDeps collects a DerivationGoal's external collaborators.
type DerivationDeps struct {
	Store store.MetadataStore
	Drv   drv.Store

	SubDeps SubstitutionDeps // passed through to per-output/per-input substitution goals

	Locks      *pathlock.Manager
	FailCache  *failcache.Cache
	UserPool   *userpool.Pool
	PrivHelper *privhelper.Client // non-nil when the engine itself is unprivileged
	Log        *log.Logger

	StoreDir      string
	TempBuildRoot string
	LogDir        string
	ThisSystem    string
	MaxSilentTime time.Duration

	Hook       HookConfig
	Sandbox    bool // whether the platform supports the local sandbox
	SelfExe    string
	Privileged bool

	// Repair forces a path whose on-disk content no longer matches its
	// registered hash to be rebuilt or resubstituted instead of treated as
	// already valid (original_source's --repair).
	Repair bool
}

type derivationState func(g *DerivationGoal, w *Worker)

// DerivationGoal drives a derivation's outputs to validity: realising
// its inputs, then either handing the build to a hook or running it
// locally, and finally registering the resulting outputs.
type DerivationGoal struct {
	Base

	ctx    context.Context
	deps   DerivationDeps
	target store.StorePath // the .drv path

	state derivationState

	drv            *store.Derivation
	invalidOutputs []string
	waveMark       int // nrFailed() snapshot before spawning input waitees

	closure     []store.StorePath
	fixedOutput bool

	locks  *pathlock.Locks
	leased *userpool.Lease

	scratchDir      string
	sandboxed       bool
	sandboxSpecFile string

	child       *Child
	buildLog    io.Writer
	buildLogFile *os.File
	buildLogGz   *pgzip.Writer

	usingHook    bool
	hookChild    *Child
	hookStdin    io.WriteCloser
	hookScanner  hook.ReplyScanner
	hookDecided  bool
	hookAccepted bool

	buildErr error
}

// NewDerivationGoal constructs a goal for the derivation at target, in the
// init state.
func NewDerivationGoal(ctx context.Context, target store.StorePath, deps DerivationDeps) *DerivationGoal {
	g := &DerivationGoal{
		Base:   Base{GoalName: "build " + target.String()},
		ctx:    ctx,
		deps:   deps,
		target: target,
	}
	g.state = (*DerivationGoal).init
	return g
}

func (g *DerivationGoal) Work(w *Worker) { g.state(g, w) }

func (g *DerivationGoal) Cancel(w *Worker) {
	g.releaseLocks(false)
	g.releaseLease()
	g.closeBuildLog()
	g.finish(Failed)
}

// init ensures the .drv file itself is valid before anything else.
func (g *DerivationGoal) init(w *Worker) {
	valid, err := g.deps.Store.IsValidPath(g.ctx, g.target)
	if err != nil {
		g.fail(w, err)
		return
	}
	g.state = (*DerivationGoal).haveDerivation
	if valid {
		w.WakeUp(g)
		return
	}
	sg, created := w.GetOrCreateSubstitutionGoal(g.target.String(), func() Goal {
		return NewSubstitutionGoal(g.ctx, g.target, g.deps.SubDeps)
	})
	if created {
		w.WakeUp(sg)
	}
	w.AddWaitee(g, sg)
}

// haveDerivation parses the derivation, registers temp roots, consults the
// failure cache, and spawns per-output substitution goals for whatever is
// invalid.
func (g *DerivationGoal) haveDerivation(w *Worker) {
	if g.nrFailed() > 0 {
		g.fail(w, xerrors.New("derivation file could not be substituted"))
		return
	}

	d, err := g.deps.Drv.DerivationFromPath(g.target)
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := drv.CheckInputDrvOutputs(g.deps.Drv, d); err != nil {
		g.fail(w, &MisconfigurationError{Reason: err.Error()})
		return
	}
	if err := drv.ValidateAcyclic(g.deps.Drv, g.target); err != nil {
		g.fail(w, &MisconfigurationError{Reason: err.Error()})
		return
	}
	g.drv = d

	for _, o := range d.Outputs {
		if err := g.deps.Store.AddTempRoot(g.ctx, o.Path); err != nil {
			g.fail(w, err)
			return
		}
	}

	var invalid []string
	for name, o := range d.Outputs {
		ok, err := usable(g.ctx, g.deps.Store, o.Path, g.deps.Repair)
		if err != nil {
			g.fail(w, err)
			return
		}
		if !ok {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) == 0 {
		g.finish(Success)
		return
	}

	if failedPath, failed, err := g.deps.FailCache.AnyFailed(g.ctx, pathsOf(d, invalid)); err != nil {
		g.fail(w, err)
		return
	} else if failed {
		g.fail(w, xerrors.Errorf("cached failure: %s", failedPath))
		return
	}

	g.invalidOutputs = invalid
	g.state = (*DerivationGoal).outputsSubstituted

	for _, name := range invalid {
		o := d.Outputs[name]
		sg, created := w.GetOrCreateSubstitutionGoal(o.Path.String(), func() Goal {
			return NewSubstitutionGoal(g.ctx, o.Path, g.deps.SubDeps)
		})
		if created {
			w.WakeUp(sg)
		}
		w.AddWaitee(g, sg)
	}
}

// outputsSubstituted re-checks validity after substitution attempts (which
// may individually fail without failing the whole goal: local build is
// still possible) and, for whatever remains invalid, spawns goals to
// realise the derivation's inputs.
func (g *DerivationGoal) outputsSubstituted(w *Worker) {
	var stillInvalid []string
	for _, name := range g.invalidOutputs {
		o := g.drv.Outputs[name]
		ok, err := usable(g.ctx, g.deps.Store, o.Path, g.deps.Repair)
		if err != nil {
			g.fail(w, err)
			return
		}
		if !ok {
			stillInvalid = append(stillInvalid, name)
		}
	}
	g.invalidOutputs = stillInvalid
	if len(stillInvalid) == 0 {
		g.finish(Success)
		return
	}

	g.state = (*DerivationGoal).inputsRealised
	g.waveMark = g.nrFailed()

	for inputDrv := range g.drv.InputDrvs {
		ig, created := w.GetOrCreateDerivationGoal(inputDrv.String(), func() Goal {
			return NewDerivationGoal(g.ctx, inputDrv, g.deps)
		})
		if created {
			w.WakeUp(ig)
		}
		w.AddWaitee(g, ig)
	}
	for _, src := range g.drv.InputSrcs {
		sg, created := w.GetOrCreateSubstitutionGoal(src.String(), func() Goal {
			return NewSubstitutionGoal(g.ctx, src, g.deps.SubDeps)
		})
		if created {
			w.WakeUp(sg)
		}
		w.AddWaitee(g, sg)
	}

	if len(g.drv.InputDrvs) == 0 && len(g.drv.InputSrcs) == 0 {
		w.WakeUp(g)
	}
}

// inputsRealised computes the full input closure and classifies the
// derivation before attempting a build.
func (g *DerivationGoal) inputsRealised(w *Worker) {
	if g.nrFailed() > g.waveMark {
		g.fail(w, xerrors.New("one or more inputs failed to realise"))
		return
	}

	var roots []store.StorePath
	for inputDrv, outs := range g.drv.InputDrvs {
		in, err := g.deps.Drv.DerivationFromPath(inputDrv)
		if err != nil {
			g.fail(w, xerrors.Errorf("resolving input derivation %s: %w", inputDrv, err))
			return
		}
		for _, name := range outs {
			o, ok := in.Outputs[name]
			if !ok {
				g.fail(w, fmt.Errorf("derivation %s: input %s has no output %q", g.target, inputDrv, name))
				return
			}
			roots = append(roots, o.Path)
		}
	}
	roots = append(roots, g.drv.InputSrcs...)

	closure, err := unionClosures(g.ctx, g.deps.Store, roots)
	if err != nil {
		g.fail(w, err)
		return
	}
	g.closure = closure
	g.fixedOutput = g.drv.IsFixedOutput()

	g.state = (*DerivationGoal).tryToBuild
	w.WakeUp(g)
}

// unionClosures computes the full input closure by unioning the referenced
// outputs of each input derivation and the closure of each input source,
// via drv.Closure(root, ...) against s's references.
func unionClosures(ctx context.Context, s store.MetadataStore, roots []store.StorePath) ([]store.StorePath, error) {
	refsOf := func(p store.StorePath) ([]store.StorePath, error) {
		info, err := s.QueryPathInfo(ctx, p)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, nil
		}
		return info.References, nil
	}

	seen := map[store.StorePath]bool{}
	var out []store.StorePath
	for _, root := range roots {
		c, err := drv.Closure(root, refsOf)
		if err != nil {
			return nil, err
		}
		for _, p := range c {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// tryToBuild acquires the output-set lock, re-checks validity, consults
// the build hook, and falls back to a local build.
func (g *DerivationGoal) tryToBuild(w *Worker) {
	if g.deps.Hook.Program == "" && g.deps.ThisSystem != "" && !casbuild.PlatformsCompatible(g.deps.ThisSystem, g.drv.Platform) {
		g.fail(w, &MisconfigurationError{Reason: fmt.Sprintf("derivation wants platform %q, this system is %q and no build hook is configured", g.drv.Platform, g.deps.ThisSystem)})
		return
	}

	outPaths := make([]string, 0, len(g.invalidOutputs))
	for _, name := range g.invalidOutputs {
		outPaths = append(outPaths, g.drv.Outputs[name].Path.String())
	}

	for _, p := range outPaths {
		if g.deps.Locks.OwnedByMe(p) {
			w.WaitForAnyGoal(g)
			return
		}
	}

	locks, err := g.deps.Locks.Lock(outPaths, false)
	if err == pathlock.ErrWouldBlock {
		w.WaitForAWhile(g)
		return
	}
	if err != nil {
		g.fail(w, err)
		return
	}
	g.locks = locks

	var stillInvalid []string
	for _, name := range g.invalidOutputs {
		ok, err := usable(g.ctx, g.deps.Store, g.drv.Outputs[name].Path, g.deps.Repair)
		if err != nil {
			g.releaseLocks(false)
			g.fail(w, err)
			return
		}
		if !ok {
			stillInvalid = append(stillInvalid, name)
		}
	}
	if len(stillInvalid) == 0 {
		g.releaseLocks(false)
		g.finish(Success)
		return
	}
	g.invalidOutputs = stillInvalid

	for _, name := range stillInvalid {
		os.RemoveAll(g.drv.Outputs[name].Path.String())
	}

	if failedPath, failed, err := g.deps.FailCache.AnyFailed(g.ctx, pathsOf(g.drv, stillInvalid)); err != nil {
		g.releaseLocks(false)
		g.fail(w, err)
		return
	} else if failed {
		g.releaseLocks(false)
		g.fail(w, xerrors.Errorf("cached failure: %s", failedPath))
		return
	}

	if g.deps.Hook.Program != "" && !g.fixedOutput {
		if g.tryBuildHook(w) {
			return
		}
	}

	if !w.HasBuildSlot() {
		g.releaseLocks(false)
		w.WaitForBuildSlot(g)
		return
	}

	if err := g.startLocalBuild(w); err != nil {
		g.buildFailed(w, &BuildError{Reason: err.Error()})
		return
	}
	g.state = (*DerivationGoal).buildDone
}

// tryBuildHook spawns the build hook and parks in awaitHookReply; it
// returns false (falling through to a local build attempt) if the hook
// could not even be started.
func (g *DerivationGoal) tryBuildHook(w *Worker) bool {
	held := make([]string, 0, len(g.invalidOutputs))
	for _, name := range g.invalidOutputs {
		held = append(held, g.drv.Outputs[name].Path.String())
	}
	req := hook.Request{
		Program:       g.deps.Hook.Program,
		CanRunMore:    w.HasBuildSlot(),
		ThisSystem:    g.deps.ThisSystem,
		DrvSystem:     g.drv.Platform,
		DrvPath:       g.target.String(),
		MaxSilentTime: g.deps.MaxSilentTime,
		HeldLocks:     held,
	}
	cmd := hook.Command(g.ctx, req)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		if g.deps.Log != nil {
			g.deps.Log.Printf("%s: build hook stdin pipe: %v", g.Name(), err)
		}
		return false
	}
	child, err := w.StartChild(g, cmd, false)
	if err != nil {
		if g.deps.Log != nil {
			g.deps.Log.Printf("%s: build hook start: %v", g.Name(), err)
		}
		return false
	}
	g.hookChild = child
	g.hookStdin = stdin
	g.usingHook = true
	g.hookDecided = false
	g.hookAccepted = false
	g.state = (*DerivationGoal).awaitHookReply
	return true
}

// awaitHookReply is idle: transitions out of it happen from
// HandleChildOutput/HandleChildEOF as the hook speaks the protocol.
func (g *DerivationGoal) awaitHookReply(w *Worker) {}

func (g *DerivationGoal) HandleChildOutput(w *Worker, c *Child, data []byte) {
	if g.buildLog != nil {
		g.buildLog.Write(data)
	}
	if g.usingHook && c == g.hookChild && !g.hookDecided {
		if reply, ok := g.hookScanner.Feed(data); ok {
			g.hookDecided = true
			g.handleHookReply(w, reply)
		}
	}
}

// handleHookReply implements the build hook's three possible replies:
// decline, postpone, accept.
func (g *DerivationGoal) handleHookReply(w *Worker, reply hook.Reply) {
	switch reply {
	case hook.ReplyDecline:
		g.usingHook = false
		g.state = (*DerivationGoal).tryToBuild
		w.WakeUp(g)
	case hook.ReplyPostpone:
		g.usingHook = false
		g.releaseLocks(false)
		g.state = (*DerivationGoal).tryToBuild
		w.WaitForAWhile(g)
	case hook.ReplyAccept:
		g.hookAccepted = true
		inputs := make([]string, 0, len(g.closure))
		for _, p := range g.closure {
			inputs = append(inputs, p.String())
		}
		outputs := make([]string, 0, len(g.invalidOutputs))
		for _, name := range g.invalidOutputs {
			outputs = append(outputs, g.drv.Outputs[name].Path.String())
		}
		dir := g.scratchDir
		if dir == "" {
			dir = os.TempDir()
		}
		validityInfo, err := g.validityInfoForClosure()
		if err != nil {
			g.buildErr = &HookFailure{Reason: err.Error()}
			return
		}
		if _, _, _, err := hook.WriteAcceptFiles(dir, inputs, outputs, validityInfo, g.hookStdin); err != nil {
			g.buildErr = &HookFailure{Reason: err.Error()}
			return
		}
		g.state = (*DerivationGoal).buildDone
	}
}

func (g *DerivationGoal) HandleChildEOF(w *Worker, c *Child) {
	err := w.ChildTerminated(c)
	switch c {
	case g.hookChild:
		g.hookChild = nil
		if g.hookStdin != nil {
			g.hookStdin.Close()
			g.hookStdin = nil
		}
		if !g.hookDecided {
			g.usingHook = false
			g.buildFailed(w, &HookFailure{Reason: "build hook exited before replying"})
			return
		}
		if g.hookAccepted {
			kind := hook.ExitOK
			if err != nil {
				if ee, ok := err.(*exec.ExitError); ok {
					kind = hook.Classify(ee.ExitCode())
				} else {
					kind = hook.ExitHookError
				}
			}
			switch kind {
			case hook.ExitOK:
				g.buildErr = nil
			case hook.ExitRemoteBuildFailed:
				g.buildErr = &RemoteBuildFailure{Status: 100}
			default:
				g.buildErr = &HookFailure{Reason: "build hook exited with a non-protocol status"}
			}
			w.WakeUp(g)
		}
	case g.child:
		g.child = nil
		if err != nil {
			g.buildErr = &BuildError{Reason: err.Error()}
		} else {
			g.buildErr = nil
		}
		w.WakeUp(g)
	}
}

// startLocalBuild leases a build user (if a pool is configured), builds
// the builder environment, and starts the builder either directly or
// inside a sandbox.
func (g *DerivationGoal) startLocalBuild(w *Worker) error {
	if g.deps.UserPool != nil {
		lease, err := g.deps.UserPool.Acquire()
		if err != nil {
			return xerrors.Errorf("user-slot pool: %w", err)
		}
		g.leased = lease
	}

	tmp, err := os.MkdirTemp(g.deps.TempBuildRoot, fmt.Sprintf("drv-%s-", g.target.HashPart()))
	if err != nil {
		g.releaseLease()
		return err
	}
	g.scratchDir = tmp

	if g.deps.LogDir != "" {
		os.MkdirAll(filepath.Join(g.deps.LogDir, "drvs"), 0755)
		name := filepath.Base(strings.TrimSuffix(g.target.String(), ".drv")) + ".log.gz"
		if f, err := os.Create(filepath.Join(g.deps.LogDir, "drvs", name)); err == nil {
			g.buildLogFile = f
			g.buildLogGz = pgzip.NewWriter(f)
			g.buildLog = g.buildLogGz
		}
	}

	env := buildenv.Build(g.drv, g.deps.StoreDir, tmp)

	var cmd *exec.Cmd
	useSandbox := g.deps.Sandbox && !g.fixedOutput && g.deps.SelfExe != "" && g.leased != nil
	if useSandbox {
		spec := sandbox.Spec{
			ChrootDir:    filepath.Join(tmp, "chroot"),
			StoreDir:     g.deps.StoreDir,
			TmpDir:       tmp,
			InputClosure: inputClosureFor(g.closure),
			BuildUID:     g.leased.UID,
			BuildGID:     g.leased.GID,
			BuildName:    g.leased.Name,
			Builder:      g.drv.Builder,
			Args:         g.drv.Args,
			Env:          env,
		}
		sc, specPath, err := sandbox.Command(g.deps.SelfExe, []string{"__sandbox-init"}, spec)
		if err != nil {
			g.releaseLease()
			return err
		}
		g.sandboxed = true
		g.sandboxSpecFile = specPath
		cmd = sc
	} else if g.leased != nil && g.deps.Privileged {
		cmd = exec.Command(g.drv.Builder, g.drv.Args...)
		cmd.Env = env
		cmd.Dir = tmp
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: uint32(g.leased.UID), Gid: uint32(g.leased.GID)},
		}
	} else if g.leased != nil && g.deps.PrivHelper != nil {
		// Unprivileged: dropping to the leased uid requires CAP_SETUID, which
		// this process doesn't have, so the setuid helper does it instead.
		cmd = g.deps.PrivHelper.RunBuilder(g.ctx, g.leased.UID, g.leased.GID, tmp, g.drv.Builder, g.drv.Args, env)
	} else {
		cmd = exec.Command(g.drv.Builder, g.drv.Args...)
		cmd.Env = env
		cmd.Dir = tmp
	}

	child, err := w.StartChild(g, cmd, true)
	if err != nil {
		g.releaseLease()
		return err
	}
	g.child = child
	elog.Emit(g.deps.Log, elog.EventBuildStarted, elog.F("drv", g.target.String()), elog.F("sandboxed", g.sandboxed))
	return nil
}

// validityInfoForClosure builds the "validity" file content a build hook
// needs to register g.closure's paths on the remote side without
// re-deriving their metadata itself, sourced from the same metadata store
// the engine already consults for every other validity check.
func (g *DerivationGoal) validityInfoForClosure() (string, error) {
	entries := make([]hook.ValidityEntry, 0, len(g.closure))
	for _, p := range g.closure {
		info, err := g.deps.Store.QueryPathInfo(g.ctx, p)
		if err != nil {
			return "", xerrors.Errorf("validity info for %s: %w", p, err)
		}
		if info == nil {
			continue
		}
		refs := make([]string, 0, len(info.References))
		for _, r := range info.References {
			refs = append(refs, r.String())
		}
		entries = append(entries, hook.ValidityEntry{
			Path:       info.Path.String(),
			Deriver:    info.Deriver.String(),
			NarHash:    info.NarHash,
			References: refs,
		})
	}
	return hook.FormatValidityInfo(entries), nil
}

func inputClosureFor(closure []store.StorePath) []sandbox.InputPath {
	out := make([]sandbox.InputPath, 0, len(closure))
	for _, p := range closure {
		isDir := false
		if fi, err := os.Stat(p.String()); err == nil {
			isDir = fi.IsDir()
		}
		out = append(out, sandbox.InputPath{HostPath: p.String(), IsDir: isDir})
	}
	return out
}

// buildDone reaps the build, relocates sandboxed outputs, verifies and
// registers them.
func (g *DerivationGoal) buildDone(w *Worker) {
	if g.leased != nil {
		if g.deps.Privileged || g.deps.PrivHelper == nil {
			g.deps.UserPool.KillLeasedProcesses(g.leased)
		} else {
			g.deps.PrivHelper.Kill(g.ctx, g.leased.UID)
		}
	}

	if g.buildErr != nil {
		g.buildFailed(w, g.buildErr)
		return
	}

	allOutputs := make([]store.StorePath, 0, len(g.drv.Outputs))
	for _, o := range g.drv.Outputs {
		allOutputs = append(allOutputs, o.Path)
	}
	candidates := append(append([]store.StorePath(nil), g.closure...), allOutputs...)

	var results []*verify.Result
	for _, name := range g.invalidOutputs {
		o := g.drv.Outputs[name]
		finalPath := o.Path.String()

		if g.sandboxed {
			chrootOut := filepath.Join(g.scratchDir, "chroot", strings.TrimPrefix(finalPath, "/"))
			if err := moveOutput(chrootOut, finalPath); err != nil {
				g.buildFailed(w, &BuildError{Reason: err.Error()})
				return
			}
		}

		// The ownership check must run before PrivHelper.GetOwnership:
		// GetOwnership re-chowns finalPath to the engine's own uid/gid so it
		// can access and move what the leased build user produced, which
		// would otherwise make any owner comparison here vacuous.
		if bad, reason, err := hasBadPermissions(finalPath, g.expectedOwnerUID()); err != nil {
			g.buildFailed(w, &BuildError{Reason: err.Error()})
			return
		} else if bad {
			g.buildFailed(w, &BuildError{Reason: fmt.Sprintf("%s: %s", finalPath, reason)})
			return
		}

		if g.leased != nil && !g.deps.Privileged && g.deps.PrivHelper != nil {
			if err := g.deps.PrivHelper.GetOwnership(g.ctx, finalPath, os.Getuid(), os.Getgid()); err != nil {
				g.buildFailed(w, &BuildError{Reason: err.Error()})
				return
			}
		}

		res, err := verify.Verify(verify.Request{
			Output:      o,
			LocalPath:   finalPath,
			Candidates:  candidates,
			Deriver:     g.target,
			AllowedRefs: g.drv.AllowedReferences,
			RuntimeUID:  g.runtimeUID(),
		})
		if err != nil {
			g.buildFailed(w, &BuildError{Reason: err.Error()})
			return
		}
		results = append(results, res)
	}

	if err := verify.RegisterAll(g.ctx, g.deps.Store, results); err != nil {
		g.fail(w, err)
		return
	}

	elog.Emit(g.deps.Log, elog.EventBuildSucceeded, elog.F("drv", g.target.String()), elog.F("outputs", len(results)))
	g.releaseLocks(true)
	g.releaseLease()
	g.closeBuildLog()
	g.finish(Success)
}

// buildFailed releases locks and the leased build user, and inserts
// outputs into the failure cache unless this was a hook failure or the
// derivation is fixed-output.
func (g *DerivationGoal) buildFailed(w *Worker, err error) {
	g.releaseLocks(false)
	g.releaseLease()
	g.closeBuildLog()

	var hf *HookFailure
	isHookFailure := xerrors.As(err, &hf)
	if !isHookFailure && !g.fixedOutput {
		for _, name := range g.invalidOutputs {
			g.deps.FailCache.Insert(g.ctx, g.drv.Outputs[name].Path)
		}
	}
	event := elog.EventBuildFailed
	if isHookFailure {
		event = elog.EventHookFailed
	}
	elog.Emit(g.deps.Log, event, elog.F("drv", g.target.String()), elog.F("reason", err.Error()))
	g.finish(Failed)
}

func (g *DerivationGoal) fail(w *Worker, err error) {
	if g.deps.Log != nil {
		g.deps.Log.Printf("%s: %v", g.Name(), err)
	}
	g.releaseLocks(false)
	g.releaseLease()
	g.closeBuildLog()
	g.finish(Failed)
}

func (g *DerivationGoal) releaseLocks(deleteFiles bool) {
	if g.locks != nil {
		g.locks.Unlock(deleteFiles)
		g.locks = nil
	}
}

func (g *DerivationGoal) releaseLease() {
	if g.leased != nil && g.deps.UserPool != nil {
		g.deps.UserPool.Release(g.leased)
		g.leased = nil
	}
}

func (g *DerivationGoal) closeBuildLog() {
	if g.buildLogGz != nil {
		g.buildLogGz.Close()
		g.buildLogGz = nil
	}
	if g.buildLogFile != nil {
		g.buildLogFile.Close()
		g.buildLogFile = nil
	}
}

func (g *DerivationGoal) runtimeUID() int {
	if g.deps.Privileged {
		return os.Getuid()
	}
	return -1
}

// expectedOwnerUID is the uid a built output must carry on disk: the
// leased build user's, when one was acquired. A derivation built without a
// user pool has no separate build identity to compare against, so the
// ownership check is skipped for it.
func (g *DerivationGoal) expectedOwnerUID() int {
	if g.leased == nil {
		return -1
	}
	return g.leased.UID
}

func pathsOf(d *store.Derivation, names []string) []store.StorePath {
	out := make([]store.StorePath, 0, len(names))
	for _, n := range names {
		out = append(out, d.Outputs[n].Path)
	}
	return out
}

func moveOutput(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(src, p)
		if rerr != nil {
			return rerr
		}
		target := filepath.Join(dst, rel)
		switch {
		case fi.IsDir():
			return os.MkdirAll(target, fi.Mode().Perm())
		case fi.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
			if err != nil {
				return err
			}
			defer out.Close()
			_, err = io.Copy(out, in)
			return err
		}
	})
}

// hasBadPermissions rejects outputs carrying group- or world-writable bits,
// or (when ownerUID is non-negative) not owned by ownerUID — the same
// st.st_uid != buildUser.getUID() check original_source's buildDone
// equivalent runs, guarding against a build leaving behind a file some
// other uid on the system can still write to or is trusted as.
func hasBadPermissions(root string, ownerUID int) (bool, string, error) {
	bad := false
	reason := ""
	err := filepath.Walk(root, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if fi.Mode().Perm()&0022 != 0 {
			bad = true
			reason = "group- or world-writable"
			return filepath.SkipDir
		}
		if ownerUID >= 0 {
			if st, ok := fi.Sys().(*syscall.Stat_t); ok && int(st.Uid) != ownerUID {
				bad = true
				reason = fmt.Sprintf("owned by uid %d, want %d", st.Uid, ownerUID)
				return filepath.SkipDir
			}
		}
		return nil
	})
	return bad, reason, err
}
