package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/casbuild/casbuild/internal/store"
)

type fakeDrvStore map[string]*store.Derivation

func (f fakeDrvStore) DerivationFromPath(p store.StorePath) (*store.Derivation, error) {
	d, ok := f[p.String()]
	if !ok {
		return nil, errDrvNotFound(p.String())
	}
	return d, nil
}

type errDrvNotFound string

func (e errDrvNotFound) Error() string { return "derivation not found: " + string(e) }

func TestDerivationGoalAllOutputsAlreadyValidSucceeds(t *testing.T) {
	drvPath := store.ParseStorePath("/store/abc-hello.drv")
	outPath := store.ParseStorePath("/store/def-hello")

	fs := newFakeMetadataStore()
	fs.valid[drvPath.String()] = true
	fs.valid[outPath.String()] = true

	d := &store.Derivation{
		Path:    drvPath,
		Outputs: map[string]store.Output{"out": {Name: "out", Path: outPath}},
	}
	fds := fakeDrvStore{drvPath.String(): d}

	deps := DerivationDeps{
		Store: fs,
		Drv:   fds,
	}
	g := NewDerivationGoal(context.Background(), drvPath, deps)

	w := NewWorker(1, time.Millisecond, 0, false, nil)
	w.AddTopGoal(g)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.Status() != Success {
		t.Fatalf("status = %v, want Success", g.Status())
	}
}

func TestDerivationGoalRejectsBadInputDrvOutputReference(t *testing.T) {
	drvPath := store.ParseStorePath("/store/abc-top.drv")
	inputDrvPath := store.ParseStorePath("/store/def-input.drv")
	outPath := store.ParseStorePath("/store/ghi-top")

	fs := newFakeMetadataStore()
	fs.valid[drvPath.String()] = true

	top := &store.Derivation{
		Path:    drvPath,
		Outputs: map[string]store.Output{"out": {Name: "out", Path: outPath}},
		InputDrvs: map[store.StorePath][]string{
			inputDrvPath: {"missing-output"},
		},
	}
	input := &store.Derivation{
		Path:    inputDrvPath,
		Outputs: map[string]store.Output{"out": {Name: "out", Path: store.ParseStorePath("/store/jkl-input")}},
	}
	fds := fakeDrvStore{drvPath.String(): top, inputDrvPath.String(): input}

	deps := DerivationDeps{Store: fs, Drv: fds}
	g := NewDerivationGoal(context.Background(), drvPath, deps)

	w := NewWorker(1, time.Millisecond, 0, false, nil)
	w.AddTopGoal(g)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if g.Status() != Failed {
		t.Fatalf("status = %v, want Failed (input derivation has no such output)", g.Status())
	}
}

func TestUnionClosuresDedupes(t *testing.T) {
	a := store.ParseStorePath("/store/a")
	b := store.ParseStorePath("/store/b")
	c := store.ParseStorePath("/store/c")
	fs := newFakeMetadataStore()
	fs.refs[a.String()] = []store.StorePath{b}
	fs.refs[b.String()] = []store.StorePath{c}
	fs.refs[c.String()] = nil

	got, err := unionClosures(context.Background(), fs, []store.StorePath{a, b})
	if err != nil {
		t.Fatalf("unionClosures: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("unionClosures returned %d paths, want 3: %v", len(got), got)
	}
}

func TestHasBadPermissionsRejectsGroupWritable(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0775); err != nil {
		t.Fatal(err)
	}
	bad, _, err := hasBadPermissions(dir, -1)
	if err != nil {
		t.Fatalf("hasBadPermissions: %v", err)
	}
	if !bad {
		t.Fatal("expected group-writable directory to be flagged bad")
	}
}

func TestHasBadPermissionsRejectsWrongOwner(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0755); err != nil {
		t.Fatal(err)
	}
	bad, reason, err := hasBadPermissions(dir, os.Getuid()+1)
	if err != nil {
		t.Fatalf("hasBadPermissions: %v", err)
	}
	if !bad {
		t.Fatal("expected a directory not owned by the requested uid to be flagged bad")
	}
	if reason == "" {
		t.Fatal("expected a non-empty reason for the wrong-owner case")
	}
}

func TestHasBadPermissionsSkipsOwnerCheckWhenUnset(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0755); err != nil {
		t.Fatal(err)
	}
	bad, _, err := hasBadPermissions(dir, -1)
	if err != nil {
		t.Fatalf("hasBadPermissions: %v", err)
	}
	if bad {
		t.Fatal("expected ownerUID=-1 to skip the ownership check")
	}
}
