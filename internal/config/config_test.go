package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{
		"CASBUILD_STORE", "CASBUILD_STATE", "CASBUILD_BUILD_TMP", "CASBUILD_LOG_DIR",
		"CASBUILD_MAX_JOBS", "CASBUILD_POLL_INTERVAL", "CASBUILD_MAX_SILENT_TIME",
		"CASBUILD_KEEP_GOING", "CASBUILD_BUILD_HOOK", "CASBUILD_PRIV_HELPER",
		"CASBUILD_FAIL_CACHE", "CASBUILD_SUBSTITUTERS",
	} {
		t.Setenv(k, "")
	}

	c := FromEnv()
	if c.StoreDir != "/cas/store" {
		t.Errorf("StoreDir = %q, want /cas/store", c.StoreDir)
	}
	if c.MaxBuildJobs != 1 {
		t.Errorf("MaxBuildJobs = %d, want 1", c.MaxBuildJobs)
	}
	if c.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", c.PollInterval)
	}
	if !c.FailCacheEnabled {
		t.Error("FailCacheEnabled should default to true")
	}
	if c.KeepGoing {
		t.Error("KeepGoing should default to false")
	}
	if len(c.SubstituterPrograms) != 0 {
		t.Errorf("SubstituterPrograms = %v, want empty", c.SubstituterPrograms)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CASBUILD_STORE", "/tmp/store")
	t.Setenv("CASBUILD_MAX_JOBS", "4")
	t.Setenv("CASBUILD_KEEP_GOING", "true")
	t.Setenv("CASBUILD_SUBSTITUTERS", "/bin/sub-a:/bin/sub-b")
	t.Setenv("CASBUILD_POLL_INTERVAL", "500ms")

	c := FromEnv()
	if c.StoreDir != "/tmp/store" {
		t.Errorf("StoreDir = %q, want /tmp/store", c.StoreDir)
	}
	if c.MaxBuildJobs != 4 {
		t.Errorf("MaxBuildJobs = %d, want 4", c.MaxBuildJobs)
	}
	if !c.KeepGoing {
		t.Error("KeepGoing should be true")
	}
	if c.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", c.PollInterval)
	}
	if len(c.SubstituterPrograms) != 2 || c.SubstituterPrograms[0] != "/bin/sub-a" || c.SubstituterPrograms[1] != "/bin/sub-b" {
		t.Errorf("SubstituterPrograms = %v", c.SubstituterPrograms)
	}
}

func TestGetenvIntFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CASBUILD_MAX_JOBS", "not-a-number")
	if got := getenvInt("CASBUILD_MAX_JOBS", 7); got != 7 {
		t.Errorf("getenvInt = %d, want 7 (fallback on parse error)", got)
	}
}
