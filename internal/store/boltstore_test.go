package store

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBoltStoreRegisterAndQuery(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenBoltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	p := ParseStorePath("/store/aaa-hello-1.0")
	ref := ParseStorePath("/store/bbb-libc-1.0")

	if ok, err := db.IsValidPath(ctx, p); err != nil || ok {
		t.Fatalf("IsValidPath before registration = %v, %v; want false, nil", ok, err)
	}

	want := ValidPathInfo{
		Path:       p,
		NarHash:    "sha256:deadbeef",
		References: []StorePath{ref},
		Deriver:    ParseStorePath("/store/ccc-hello-1.0.drv"),
	}
	if err := db.RegisterValidPaths(ctx, []ValidPathInfo{want}); err != nil {
		t.Fatal(err)
	}

	ok, err := db.IsValidPath(ctx, p)
	if err != nil || !ok {
		t.Fatalf("IsValidPath after registration = %v, %v; want true, nil", ok, err)
	}

	got, err := db.QueryPathInfo(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&want, got, cmp.AllowUnexported(StorePath{})); diff != "" {
		t.Errorf("QueryPathInfo mismatch (-want +got):\n%s", diff)
	}
}

func TestBoltStoreFailureCache(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenBoltStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()
	p := ParseStorePath("/store/aaa-broken-1.0")

	if ok, _ := db.HasPathFailed(ctx, p); ok {
		t.Fatal("HasPathFailed = true before RegisterFailedPath")
	}
	if err := db.RegisterFailedPath(ctx, p); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.HasPathFailed(ctx, p); !ok {
		t.Fatal("HasPathFailed = false after RegisterFailedPath")
	}
	if err := db.ClearFailedPath(ctx, p); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.HasPathFailed(ctx, p); ok {
		t.Fatal("HasPathFailed = true after ClearFailedPath")
	}
}
