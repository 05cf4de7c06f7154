// Package config captures details about the casbuild environment, the way
// distr1/distri's internal/env package resolves DISTRIROOT: each setting
// has an environment variable plus a sane default, inspectable at runtime.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved set of paths and tunables an engine invocation
// needs. Build with FromEnv; callers may override individual fields
// afterwards for tests.
type Config struct {
	StoreDir      string
	StateDir      string
	TempBuildRoot string
	LogDir        string

	MaxBuildJobs  int
	PollInterval  time.Duration
	MaxSilentTime time.Duration
	KeepGoing     bool

	HookProgram         string
	SubstituterPrograms []string
	PrivHelperPath      string
	FailCacheEnabled    bool
}

func findStoreRoot() string {
	if v := os.Getenv("CASBUILD_STORE"); v != "" {
		return v
	}
	return "/cas/store"
}

func findStateRoot() string {
	if v := os.Getenv("CASBUILD_STATE"); v != "" {
		return v
	}
	return "/cas/var"
}

// FromEnv resolves a Config from the process environment, mirroring
// distr1/distri's DISTRIROOT / env-var-with-default pattern
// (internal/env.DistriRoot) for every setting the engine needs.
func FromEnv() *Config {
	storeDir := findStoreRoot()
	stateDir := findStateRoot()

	c := &Config{
		StoreDir:      storeDir,
		StateDir:      stateDir,
		TempBuildRoot: getenvDefault("CASBUILD_BUILD_TMP", filepath.Join(stateDir, "build-tmp")),
		LogDir:        getenvDefault("CASBUILD_LOG_DIR", filepath.Join(stateDir, "log")),

		MaxBuildJobs:  getenvInt("CASBUILD_MAX_JOBS", 1),
		PollInterval:  getenvDuration("CASBUILD_POLL_INTERVAL", 2*time.Second),
		MaxSilentTime: getenvDuration("CASBUILD_MAX_SILENT_TIME", 0),
		KeepGoing:     getenvBool("CASBUILD_KEEP_GOING", false),

		HookProgram:    os.Getenv("CASBUILD_BUILD_HOOK"),
		PrivHelperPath: os.Getenv("CASBUILD_PRIV_HELPER"),

		FailCacheEnabled: getenvBool("CASBUILD_FAIL_CACHE", true),
	}
	if subs := os.Getenv("CASBUILD_SUBSTITUTERS"); subs != "" {
		c.SubstituterPrograms = strings.Split(subs, ":")
	}
	return c
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
