package drv

import (
	"testing"

	"github.com/casbuild/casbuild/internal/store"
)

type fakeStore map[string]*store.Derivation

func (f fakeStore) DerivationFromPath(p store.StorePath) (*store.Derivation, error) {
	d, ok := f[p.String()]
	if !ok {
		return nil, errNotFound(p.String())
	}
	return d, nil
}

type errNotFound string

func (e errNotFound) Error() string { return "not found: " + string(e) }

func TestValidateAcyclicRejectsCycle(t *testing.T) {
	a := store.ParseStorePath("/store/a.drv")
	b := store.ParseStorePath("/store/b.drv")
	fs := fakeStore{
		a.String(): {Path: a, InputDrvs: map[store.StorePath][]string{b: {"out"}}},
		b.String(): {Path: b, InputDrvs: map[store.StorePath][]string{a: {"out"}}},
	}
	if err := ValidateAcyclic(fs, a); err == nil {
		t.Fatal("expected cycle error, got nil")
	}
}

func TestValidateAcyclicAcceptsDAG(t *testing.T) {
	a := store.ParseStorePath("/store/a.drv")
	b := store.ParseStorePath("/store/b.drv")
	c := store.ParseStorePath("/store/c.drv")
	fs := fakeStore{
		a.String(): {Path: a, InputDrvs: map[store.StorePath][]string{b: {"out"}, c: {"out"}}},
		b.String(): {Path: b, InputDrvs: map[store.StorePath][]string{c: {"out"}}},
		c.String(): {Path: c, InputDrvs: map[store.StorePath][]string{}},
	}
	if err := ValidateAcyclic(fs, a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClosure(t *testing.T) {
	a := store.ParseStorePath("/store/a")
	b := store.ParseStorePath("/store/b")
	c := store.ParseStorePath("/store/c")
	refs := map[string][]store.StorePath{
		a.String(): {b},
		b.String(): {c},
		c.String(): nil,
	}
	got, err := Closure(a, func(p store.StorePath) ([]store.StorePath, error) {
		return refs[p.String()], nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("Closure returned %d paths, want 3: %v", len(got), got)
	}
}
