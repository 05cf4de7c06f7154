package verify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/casbuild/casbuild/internal/store"
)

func TestCanonicaliseClampsPermissionsAndMtime(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bin")
	if err := os.WriteFile(file, []byte("hello"), 0777); err != nil {
		t.Fatal(err)
	}
	if err := Canonicalise(dir, -1); err != nil {
		t.Fatalf("Canonicalise: %v", err)
	}
	fi, err := os.Lstat(file)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0022 != 0 {
		t.Fatalf("file still group/world writable: %v", fi.Mode())
	}
	if !fixedEpoch.Equal(fi.ModTime()) {
		t.Fatalf("mtime = %v, want %v", fi.ModTime(), fixedEpoch)
	}
}

func TestHashArchiveSerialisationDeterministic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	h1, err := HashArchiveSerialisation(dir, true)
	if err != nil {
		t.Fatalf("HashArchiveSerialisation: %v", err)
	}
	h2, err := HashArchiveSerialisation(dir, true)
	if err != nil {
		t.Fatalf("HashArchiveSerialisation: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1, h2)
	}
}

func TestHashArchiveSerialisationFlatFile(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "payload")
	if err := os.WriteFile(f, []byte("payload-bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	h, err := HashArchiveSerialisation(f, false)
	if err != nil {
		t.Fatalf("HashArchiveSerialisation: %v", err)
	}
	if h == "" {
		t.Fatal("expected a non-empty hash")
	}
}

func TestVerifyRejectsFixedOutputHashMismatch(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "out")
	if err := os.WriteFile(f, []byte("actual content"), 0644); err != nil {
		t.Fatal(err)
	}
	req := Request{
		Output: store.Output{
			Name:         "out",
			Path:         store.ParseStorePath("/store/abc-out"),
			ExpectedHash: "deadbeef",
		},
		LocalPath:  f,
		RuntimeUID: -1,
	}
	if _, err := Verify(req); err == nil {
		t.Fatal("expected a content-hash mismatch error")
	}
}

func TestVerifyRejectsDisallowedReference(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	if err := os.Mkdir(out, 0755); err != nil {
		t.Fatal(err)
	}
	dep := store.ParseStorePath("/store/" + "0123456789abcdfg" + "-dep")
	if err := os.WriteFile(filepath.Join(out, "bin"), []byte("references "+dep.HashPart()+" inline"), 0644); err != nil {
		t.Fatal(err)
	}
	req := Request{
		Output:      store.Output{Name: "out", Path: store.ParseStorePath("/store/abc-out")},
		LocalPath:   out,
		Candidates:  []store.StorePath{dep},
		AllowedRefs: []store.StorePath{}, // empty: nothing is allowed
		RuntimeUID:  -1,
	}
	if _, err := Verify(req); err == nil {
		t.Fatal("expected a disallowed-reference error")
	}
}

func TestVerifyAcceptsAllowedReference(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	if err := os.Mkdir(out, 0755); err != nil {
		t.Fatal(err)
	}
	dep := store.ParseStorePath("/store/" + "0123456789abcdfg" + "-dep")
	if err := os.WriteFile(filepath.Join(out, "bin"), []byte("references "+dep.HashPart()+" inline"), 0644); err != nil {
		t.Fatal(err)
	}
	req := Request{
		Output:      store.Output{Name: "out", Path: store.ParseStorePath("/store/abc-out")},
		LocalPath:   out,
		Candidates:  []store.StorePath{dep},
		AllowedRefs: []store.StorePath{dep},
		RuntimeUID:  -1,
	}
	res, err := Verify(req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(res.Info.References) != 1 || res.Info.References[0] != dep {
		t.Fatalf("References = %v, want [%v]", res.Info.References, dep)
	}
}
