// Package verify implements the content verifier and registrar: hashing,
// canonicalisation, reference scanning, and allowedReferences enforcement
// for a build's outputs, prior to one transactional registration against
// the metadata store.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cavaliercoder/go-cpio"
	"golang.org/x/xerrors"

	"github.com/casbuild/casbuild/internal/store"
)

// fixedEpoch is the modification time every canonicalised output is
// stamped with, chosen to match distr1/distri's existing convention of
// zeroing build-varying timestamps.
var fixedEpoch = time.Unix(1, 0)

// Request carries everything the verifier needs for one output.
type Request struct {
	Output      store.Output
	LocalPath   string // on-disk location of the built output, pre-registration
	Candidates  []store.StorePath // inputs ∪ outputs ∪ configured extras
	Deriver     store.StorePath
	AllowedRefs []store.StorePath // nil means unrestricted
	RuntimeUID  int               // -1 when unprivileged; re-own target
}

// Result is what Verify computes for one output, ready to hand to
// MetadataStore.RegisterValidPaths.
type Result struct {
	Info store.ValidPathInfo
}

// Verify canonicalises, hashes, scans references, and enforces
// allowedReferences against one already-built output. It does not itself
// call RegisterValidPaths; DerivationGoal batches every
// output's Result into a single registerValidPaths call so the whole
// build's outputs commit atomically.
func Verify(req Request) (*Result, error) {
	info, err := os.Lstat(req.LocalPath)
	if err != nil {
		return nil, xerrors.Errorf("verify: stat output: %w", err)
	}

	if req.Output.FixedOutput() {
		got, err := hashPath(req.LocalPath, req.Output.Recursive)
		if err != nil {
			return nil, xerrors.Errorf("verify: hashing fixed output: %w", err)
		}
		if !strings.EqualFold(got, req.Output.ExpectedHash) {
			return nil, xerrors.Errorf("verify: %s: content hash mismatch: got %s, want %s",
				req.Output.Path, got, req.Output.ExpectedHash)
		}
	}

	if err := canonicalise(req.LocalPath, info, req.RuntimeUID); err != nil {
		return nil, xerrors.Errorf("verify: canonicalise: %w", err)
	}

	narHash, refs, err := scanReferences(req.LocalPath, req.Candidates)
	if err != nil {
		return nil, xerrors.Errorf("verify: scan references: %w", err)
	}

	if req.AllowedRefs != nil {
		if bad, ok := firstDisallowed(refs, req.AllowedRefs); ok {
			return nil, xerrors.Errorf("verify: %s: disallowed reference %s", req.Output.Path, bad)
		}
	}

	return &Result{Info: store.ValidPathInfo{
		Path:       req.Output.Path,
		NarHash:    narHash,
		References: refs,
		Deriver:    req.Deriver,
	}}, nil
}

// RegisterAll commits every verified output in one transaction, refusing
// to register a path that an in-progress store optimisation pass holds.
func RegisterAll(ctx context.Context, s store.MetadataStore, results []*Result) error {
	infos := make([]store.ValidPathInfo, 0, len(results))
	for _, r := range results {
		optimising, err := s.CanOptimise(ctx, r.Info.Path)
		if err != nil {
			return xerrors.Errorf("register: CanOptimise(%s): %w", r.Info.Path, err)
		}
		if optimising {
			return xerrors.Errorf("register: %s: held by an in-progress store optimisation pass", r.Info.Path)
		}
		infos = append(infos, r.Info)
	}
	return s.RegisterValidPaths(ctx, infos)
}

// Canonicalise exposes step 2 alone, for callers like SubstitutionGoal
// that trust a substituter's declared metadata rather than running the
// full verifier pipeline.
func Canonicalise(path string, runtimeUID int) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	return canonicalise(path, info, runtimeUID)
}

// HashArchiveSerialisation exposes the hashing step alone, for
// SubstitutionGoal's finished state: hash the delivered content and
// register valid with the declared references, without rescanning for
// references since the substituter already declared them.
func HashArchiveSerialisation(path string, recursive bool) (string, error) {
	return hashPath(path, recursive)
}

func hashPath(path string, recursive bool) (string, error) {
	h := sha256.New()
	if !recursive {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	if err := writeArchiveSerialisation(path, h); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeArchiveSerialisation produces the cpio stream scanReferences and
// hashPath both consume, walking path deterministically (lexical order,
// like filepath.Walk already guarantees) so the digest is reproducible.
func writeArchiveSerialisation(root string, w io.Writer) error {
	cw := cpio.NewWriter(w)
	err := filepath.Walk(root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		if name == "." {
			return nil
		}
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := cw.WriteHeader(&cpio.Header{
				Name: name,
				Mode: cpio.ModeSymlink | cpio.FileMode(fi.Mode().Perm()),
				Size: int64(len(target)),
			}); err != nil {
				return err
			}
			_, err = cw.Write([]byte(target))
			return err
		case fi.IsDir():
			return cw.WriteHeader(&cpio.Header{
				Name: name,
				Mode: cpio.ModeDir | cpio.FileMode(fi.Mode().Perm()),
			})
		default:
			if err := cw.WriteHeader(&cpio.Header{
				Name: name,
				Mode: cpio.FileMode(fi.Mode().Perm()),
				Size: fi.Size(),
			}); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(cw, f)
			return err
		}
	})
	if err != nil {
		return err
	}
	return cw.Close()
}

// canonicalise strips setuid/setgid, clamps mode to read-only with
// execute preserved (directories keep owner write), fixes mtime, and
// re-owns when privileged.
func canonicalise(root string, info os.FileInfo, runtimeUID int) error {
	return filepath.Walk(root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		mode := fi.Mode().Perm() &^ (os.ModeSetuid | os.ModeSetgid)
		clamped := os.FileMode(0444)
		if mode&0111 != 0 || fi.IsDir() {
			clamped |= 0111
		}
		if fi.IsDir() {
			clamped |= 0200 // directories stay writable to the owner so later mutation during the walk doesn't fail
		}
		if err := os.Chmod(p, clamped); err != nil {
			return err
		}
		if err := os.Chtimes(p, fixedEpoch, fixedEpoch); err != nil {
			return err
		}
		if runtimeUID >= 0 {
			os.Chown(p, runtimeUID, -1)
		}
		return nil
	})
}

// scanReferences tees the archive serialisation through a SHA-256 hasher
// while scanning the raw bytes for
// occurrences of each candidate's hash part, and returns the hash alongside
// the subset of candidates actually found.
func scanReferences(root string, candidates []store.StorePath) (string, []store.StorePath, error) {
	h := sha256.New()
	var buf strings.Builder
	mw := io.MultiWriter(h, &buf)
	if err := writeArchiveSerialisation(root, mw); err != nil {
		return "", nil, err
	}
	serialised := buf.String()

	var found []store.StorePath
	for _, c := range candidates {
		hp := c.HashPart()
		if hp == "" {
			continue
		}
		if strings.Contains(serialised, hp) {
			found = append(found, c)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].String() < found[j].String() })
	return hex.EncodeToString(h.Sum(nil)), found, nil
}

func firstDisallowed(found, allowed []store.StorePath) (store.StorePath, bool) {
	allowedSet := make(map[store.StorePath]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	for _, f := range found {
		if !allowedSet[f] {
			return f, true
		}
	}
	return store.StorePath{}, false
}
