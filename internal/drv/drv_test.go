package drv

import (
	"path/filepath"
	"testing"

	"github.com/casbuild/casbuild/internal/store"
	"github.com/casbuild/casbuild/pb"
)

func TestFileStoreDerivationFromPathRoundTrips(t *testing.T) {
	dir := t.TempDir()
	drvPath := store.ParseStorePath("/store/abc-hello.drv")
	onDisk := filepath.Join(dir, "abc-hello.drv")

	wire := &pb.Derivation{
		Builder:  "/bin/sh",
		Arg:      []string{"-c", "build.sh"},
		Platform: "x86_64-linux",
		Output:   []*pb.Output{{Name: "out", Path: "/store/def-hello"}},
		InputSrc: []string{"/store/ghi-src"},
		Env:      []*pb.EnvVar{{Key: "FOO", Value: "bar"}},
	}
	if err := pb.WriteDerivationFile(onDisk, wire); err != nil {
		t.Fatal(err)
	}

	fs := &FileStore{PathOf: func(p store.StorePath) string { return onDisk }}
	d, err := fs.DerivationFromPath(drvPath)
	if err != nil {
		t.Fatalf("DerivationFromPath: %v", err)
	}
	if d.Builder != "/bin/sh" || d.Platform != "x86_64-linux" {
		t.Fatalf("d = %+v, want Builder=/bin/sh Platform=x86_64-linux", d)
	}
	if out, ok := d.Outputs["out"]; !ok || out.Path.String() != "/store/def-hello" {
		t.Fatalf("Outputs[out] = %+v, want Path=/store/def-hello", out)
	}
	if d.Env["FOO"] != "bar" {
		t.Fatalf("Env[FOO] = %q, want bar", d.Env["FOO"])
	}
	if len(d.InputSrcs) != 1 || d.InputSrcs[0].String() != "/store/ghi-src" {
		t.Fatalf("InputSrcs = %v, want [/store/ghi-src]", d.InputSrcs)
	}
}

func TestFileStoreDerivationFromPathRejectsNonDerivationPath(t *testing.T) {
	fs := &FileStore{PathOf: func(p store.StorePath) string { return "/irrelevant" }}
	_, err := fs.DerivationFromPath(store.ParseStorePath("/store/abc-hello"))
	if err == nil {
		t.Fatal("expected an error for a path without the .drv suffix")
	}
}

type fakeDrvStoreForCheck map[string]*store.Derivation

func (f fakeDrvStoreForCheck) DerivationFromPath(p store.StorePath) (*store.Derivation, error) {
	return f[p.String()], nil
}

func TestCheckInputDrvOutputsAcceptsExistingOutput(t *testing.T) {
	inputPath := store.ParseStorePath("/store/def-input.drv")
	input := &store.Derivation{
		Path:    inputPath,
		Outputs: map[string]store.Output{"out": {Name: "out", Path: store.ParseStorePath("/store/ghi-input")}},
	}
	top := &store.Derivation{
		Path:      store.ParseStorePath("/store/abc-top.drv"),
		InputDrvs: map[store.StorePath][]string{inputPath: {"out"}},
	}
	s := fakeDrvStoreForCheck{inputPath.String(): input}

	if err := CheckInputDrvOutputs(s, top); err != nil {
		t.Fatalf("CheckInputDrvOutputs: %v", err)
	}
}

func TestCheckInputDrvOutputsRejectsMissingOutput(t *testing.T) {
	inputPath := store.ParseStorePath("/store/def-input.drv")
	input := &store.Derivation{
		Path:    inputPath,
		Outputs: map[string]store.Output{"out": {Name: "out", Path: store.ParseStorePath("/store/ghi-input")}},
	}
	top := &store.Derivation{
		Path:      store.ParseStorePath("/store/abc-top.drv"),
		InputDrvs: map[store.StorePath][]string{inputPath: {"missing"}},
	}
	s := fakeDrvStoreForCheck{inputPath.String(): input}

	if err := CheckInputDrvOutputs(s, top); err == nil {
		t.Fatal("expected an error for a reference to a nonexistent output")
	}
}
