package buildenv

import (
	"testing"

	"github.com/casbuild/casbuild/internal/store"
)

func lookup(env []string, key string) (string, bool) {
	for _, kv := range env {
		if len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '=' {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestBuildSetsScratchDirsAndStore(t *testing.T) {
	d := &store.Derivation{Outputs: map[string]store.Output{
		"out": {Name: "out", Path: store.ParseStorePath("/store/abc-hello")},
	}}

	env := Build(d, "/cas/store", "/cas/build-tmp/abc")

	if v, ok := lookup(env, "NIX_STORE"); !ok || v != "/cas/store" {
		t.Fatalf("NIX_STORE = %q, %v; want /cas/store, true", v, ok)
	}
	if v, ok := lookup(env, "TMPDIR"); !ok || v != "/cas/build-tmp/abc" {
		t.Fatalf("TMPDIR = %q, %v; want /cas/build-tmp/abc, true", v, ok)
	}
	if _, ok := lookup(env, "NIX_OUTPUT_CHECKED"); ok {
		t.Fatal("NIX_OUTPUT_CHECKED should not be set for a non-fixed-output derivation")
	}
}

func TestBuildOverlaysDerivationEnv(t *testing.T) {
	d := &store.Derivation{
		Outputs: map[string]store.Output{"out": {Name: "out", Path: store.ParseStorePath("/store/abc-hello")}},
		Env:     map[string]string{"PATH": "/custom/bin", "FOO": "bar"},
	}
	env := Build(d, "/cas/store", "/tmp/x")

	if v, _ := lookup(env, "PATH"); v != "/custom/bin" {
		t.Fatalf("PATH = %q, want derivation's override to win over the default", v)
	}
	if v, _ := lookup(env, "FOO"); v != "bar" {
		t.Fatalf("FOO = %q, want bar", v)
	}
}

func TestBuildCopiesImpureEnvVarsForFixedOutput(t *testing.T) {
	t.Setenv("CASBUILD_TEST_IMPURE_VAR", "from-host")

	d := &store.Derivation{
		Outputs: map[string]store.Output{
			"out": {Name: "out", Path: store.ParseStorePath("/store/abc-hello"), ExpectedHash: "deadbeef", ExpectedHashAlgo: "sha256"},
		},
		ImpureEnvVars: []string{"CASBUILD_TEST_IMPURE_VAR", "CASBUILD_TEST_UNSET_VAR"},
	}
	env := Build(d, "/cas/store", "/tmp/x")

	if v, ok := lookup(env, "NIX_OUTPUT_CHECKED"); !ok || v != "1" {
		t.Fatalf("NIX_OUTPUT_CHECKED = %q, %v; want 1, true for a fixed-output derivation", v, ok)
	}
	if v, ok := lookup(env, "CASBUILD_TEST_IMPURE_VAR"); !ok || v != "from-host" {
		t.Fatalf("CASBUILD_TEST_IMPURE_VAR = %q, %v; want from-host, true", v, ok)
	}
	if _, ok := lookup(env, "CASBUILD_TEST_UNSET_VAR"); ok {
		t.Fatal("an impure env var absent from the host environment must not appear")
	}
}
