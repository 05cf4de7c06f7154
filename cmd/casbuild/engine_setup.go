package main

import (
	"log"
	"os"

	"github.com/casbuild/casbuild/internal/config"
	"github.com/casbuild/casbuild/internal/drv"
	"github.com/casbuild/casbuild/internal/engine"
	"github.com/casbuild/casbuild/internal/failcache"
	"github.com/casbuild/casbuild/internal/pathlock"
	"github.com/casbuild/casbuild/internal/privhelper"
	"github.com/casbuild/casbuild/internal/store"
	"github.com/casbuild/casbuild/internal/userpool"

	casbuild "github.com/casbuild/casbuild"
)

// setup bundles everything a verb needs to run the Worker against the
// real on-disk store, assembled from config.FromEnv the way distri's verbs
// each derive their paths from internal/env.DistriRoot.
type setup struct {
	cfg      *config.Config
	logger   *log.Logger
	metadata *store.BoltStore
	fileDrv  *drv.FileStore
	locks    *pathlock.Manager
	pool     *userpool.Pool
	fails    *failcache.Cache

	// Repair forces goals to treat an already-valid path whose content has
	// drifted from its registered hash as invalid; set from the calling
	// verb's -repair flag.
	Repair bool

	worker *engine.Worker
}

func newSetup() (*setup, error) {
	cfg := config.FromEnv()
	logger := log.New(os.Stderr, "", log.LstdFlags)

	meta, err := store.OpenBoltStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	pathOf := func(p store.StorePath) string { return p.String() }
	fileDrv := &drv.FileStore{PathOf: pathOf}

	locks := pathlock.NewManager()
	var pool *userpool.Pool // no build-users group configured by default: local unprivileged builds only
	fails := failcache.New(meta, logger, cfg.FailCacheEnabled)

	worker := engine.NewWorker(cfg.MaxBuildJobs, cfg.PollInterval, cfg.MaxSilentTime, cfg.KeepGoing, logger)

	return &setup{
		cfg:      cfg,
		logger:   logger,
		metadata: meta,
		fileDrv:  fileDrv,
		locks:    locks,
		pool:     pool,
		fails:    fails,
		worker:   worker,
	}, nil
}

func (s *setup) Close() { s.metadata.Close() }

func (s *setup) substituters() []store.Substituter {
	subs := make([]store.Substituter, 0, len(s.cfg.SubstituterPrograms))
	for _, p := range s.cfg.SubstituterPrograms {
		subs = append(subs, store.Substituter{Program: p})
	}
	return subs
}

func (s *setup) subDeps() engine.SubstitutionDeps {
	return engine.SubstitutionDeps{
		Store:        s.metadata,
		Substituters: s.substituters(),
		Locks:        s.locks,
		FailCache:    s.fails,
		Log:          s.logger,
		Repair:       s.Repair,
	}
}

func (s *setup) drvDeps() engine.DerivationDeps {
	var ph *privhelper.Client
	if s.cfg.PrivHelperPath != "" {
		ph = &privhelper.Client{Path: s.cfg.PrivHelperPath}
	}
	selfExe, _ := os.Executable()
	return engine.DerivationDeps{
		Store:      s.metadata,
		Drv:        s.fileDrv,
		SubDeps:    s.subDeps(),
		Locks:      s.locks,
		FailCache:  s.fails,
		UserPool:   s.pool,
		PrivHelper: ph,
		Log:        s.logger,

		StoreDir:      s.cfg.StoreDir,
		TempBuildRoot: s.cfg.TempBuildRoot,
		LogDir:        s.cfg.LogDir,
		ThisSystem:    casbuild.ThisSystem(),
		MaxSilentTime: s.cfg.MaxSilentTime,

		Hook:       engine.HookConfig{Program: s.cfg.HookProgram},
		Sandbox:    os.Getenv("CASBUILD_NO_SANDBOX") == "" && ph == nil,
		SelfExe:    selfExe,
		Privileged: os.Getuid() == 0,
		Repair:     s.Repair,
	}
}
