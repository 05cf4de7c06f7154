// Package store defines the content-addressed store's data model
// (StorePath, Derivation, ValidPathInfo, SubstitutablePathInfo) and the
// MetadataStore interface the engine consumes to persist and query it.
//
// The derivation syntax, the store-path hashing function and the metadata
// store's schema migrations are, per the engine's scope, collaborators: this
// package gives them a concrete (but intentionally minimal) Go shape so the
// rest of the engine has something real to build against.
package store

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
)

// hashEncoding is the lowercase, padding-free base32 alphabet store paths
// are rendered in, matching the terse hash-part convention used throughout
// distr1/distri's package naming (e.g. <hash>-<name>-<version>).
var hashEncoding = base32.NewEncoding("0123456789abcdfghijklmnpqrsvwxyz").WithPadding(base32.NoPadding)

// StorePath is an opaque, printable store path identifier. Two StorePaths
// compare equal iff their printed forms are equal.
type StorePath struct {
	s string
}

// String returns the printable form, e.g. "/store/ak3f...-hello-1.0".
func (p StorePath) String() string { return p.s }

// Valid reports whether p was constructed (as opposed to the zero value).
func (p StorePath) Valid() bool { return p.s != "" }

// IsDerivation reports whether p names a derivation (its content describes
// how to build something) as opposed to an output path (its content *is*
// the thing). The predicate is purely textual, per the data model.
func (p StorePath) IsDerivation() bool {
	return strings.HasSuffix(p.s, ".drv")
}

// HashPart returns the short hash segment embedded in the path's base
// name, used by the reference scanner to find occurrences of this path
// inside another path's serialised content.
func (p StorePath) HashPart() string {
	base := p.s
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.IndexByte(base, '-'); idx >= 0 {
		return base[:idx]
	}
	return base
}

// NewStorePath constructs a StorePath for name, deterministically hashed
// from the supplied content descriptor (e.g. the derivation's serialised
// form, or "fixed:<algo>:<hash>" for fixed-output paths). storeDir is the
// store's root, e.g. "/store".
func NewStorePath(storeDir, name, contentDescriptor string) StorePath {
	sum := sha256.Sum256([]byte(contentDescriptor))
	hash := hashEncoding.EncodeToString(sum[:20]) // truncate to 160 bits
	return StorePath{s: fmt.Sprintf("%s/%s-%s", strings.TrimRight(storeDir, "/"), hash, name)}
}

// DerivationPath returns the StorePath for the ".drv" file describing how
// to build name.
func DerivationPath(storeDir, name, contentDescriptor string) StorePath {
	p := NewStorePath(storeDir, name, contentDescriptor)
	return StorePath{s: p.s + ".drv"}
}

// ParseStorePath wraps an already-printed store path. It does not validate
// that the path exists or is well formed; an empty string yields the zero
// value, which StorePath.Valid reports as false.
func ParseStorePath(s string) StorePath {
	return StorePath{s: s}
}
