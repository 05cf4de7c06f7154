package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	bucketValid        = []byte("valid")
	bucketFailed       = []byte("failed")
	bucketTempRoots    = []byte("temproots")
	bucketSubstitutable = []byte("substitutable")
)

// BoltStore is the concrete, bbolt-backed MetadataStore. The engine only
// ever talks to the MetadataStore interface; BoltStore is the one
// implementation casbuild ships, chosen because bbolt gives per-call ACID
// transactions for free, which is exactly the guarantee RegisterValidPaths
// needs to satisfy the closure invariant atomically.
type BoltStore struct {
	db       *bolt.DB
	dir      string
	markerFn string
}

// OpenBoltStore opens (creating if necessary) the metadata database under
// dir/metadata.db.
func OpenBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "metadata.db"), 0644, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, xerrors.Errorf("bolt.Open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketValid, bucketFailed, bucketTempRoots, bucketSubstitutable} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("initializing buckets: %w", err)
	}
	return &BoltStore{db: db, dir: dir, markerFn: filepath.Join(dir, "last-gc-run")}, nil
}

func (b *BoltStore) Close() error { return b.db.Close() }

func (b *BoltStore) IsValidPath(ctx context.Context, p StorePath) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketValid).Get([]byte(p.String())) != nil
		return nil
	})
	return ok, err
}

func (b *BoltStore) QueryPathInfo(ctx context.Context, p StorePath) (*ValidPathInfo, error) {
	var info *ValidPathInfo
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketValid).Get([]byte(p.String()))
		if raw == nil {
			return nil
		}
		var rec validPathRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		v := rec.toValidPathInfo(p)
		info = &v
		return nil
	})
	return info, err
}

func (b *BoltStore) QueryDeriver(ctx context.Context, p StorePath) (StorePath, bool, error) {
	info, err := b.QueryPathInfo(ctx, p)
	if err != nil || info == nil || !info.Deriver.Valid() {
		return StorePath{}, false, err
	}
	return info.Deriver, true, nil
}

// QuerySubstitutablePathInfo consults a per-substituter cache bucket keyed
// by "<substituter program>\x00<path>". A miss here doesn't mean the
// substituter lacks the path — SubstitutionGoal.tryNext falls back to
// actually spawning the substituter with a query invocation
// (internal/substituter.Query) and calling CacheSubstitutablePathInfo with
// whatever it learns; BoltStore itself never spawns a substituter.
func (b *BoltStore) QuerySubstitutablePathInfo(ctx context.Context, sub Substituter, p StorePath) (*SubstitutablePathInfo, error) {
	key := []byte(sub.Program + "\x00" + p.String())
	var info *SubstitutablePathInfo
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSubstitutable).Get(key)
		if raw == nil {
			return nil
		}
		var rec substitutableRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		v := rec.toInfo(p)
		info = &v
		return nil
	})
	return info, err
}

// CacheSubstitutablePathInfo records info for future QuerySubstitutablePathInfo
// calls. Not part of the MetadataStore interface proper — it satisfies
// SubstitutableCacher, which SubstitutionGoal.tryNext reaches via a type
// assertion on the concrete store after a live query, keeping the cache an
// implementation detail of this backend rather than a required method on
// every MetadataStore.
func (b *BoltStore) CacheSubstitutablePathInfo(ctx context.Context, sub Substituter, info SubstitutablePathInfo) error {
	key := []byte(sub.Program + "\x00" + info.Path.String())
	rec := fromSubstitutableInfo(info)
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubstitutable).Put(key, raw)
	})
}

func (b *BoltStore) RegisterValidPaths(ctx context.Context, infos []ValidPathInfo) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketValid)
		for _, info := range infos {
			rec := fromValidPathInfo(info)
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(info.Path.String()), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) HasPathFailed(ctx context.Context, p StorePath) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketFailed).Get([]byte(p.String())) != nil
		return nil
	})
	return ok, err
}

func (b *BoltStore) RegisterFailedPath(ctx context.Context, p StorePath) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFailed).Put([]byte(p.String()), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

func (b *BoltStore) ClearFailedPath(ctx context.Context, p StorePath) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFailed).Delete([]byte(p.String()))
	})
}

func (b *BoltStore) AddTempRoot(ctx context.Context, p StorePath) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTempRoots).Put([]byte(p.String()), []byte(fmt.Sprintf("%d", os.Getpid())))
	})
}

// CanOptimise always reports false: casbuild does not implement a store
// optimiser, only the interlock point a future one would need (DESIGN.md).
func (b *BoltStore) CanOptimise(ctx context.Context, p StorePath) (bool, error) {
	return false, nil
}

// NoteGCRun crash-safely records the time of the most recent garbage
// collection run, using renameio the same way distr1/distri's build
// artifacts are published atomically.
func (b *BoltStore) NoteGCRun(t time.Time) error {
	return renameio.WriteFile(b.markerFn, []byte(t.UTC().Format(time.RFC3339)), 0644)
}

type validPathRecord struct {
	NarHash    string   `json:"nar_hash"`
	References []string `json:"references"`
	Deriver    string   `json:"deriver,omitempty"`
	Signatures []string `json:"signatures,omitempty"`
}

func fromValidPathInfo(v ValidPathInfo) validPathRecord {
	refs := make([]string, len(v.References))
	for i, r := range v.References {
		refs[i] = r.String()
	}
	return validPathRecord{
		NarHash:    v.NarHash,
		References: refs,
		Deriver:    v.Deriver.String(),
		Signatures: v.Signatures,
	}
}

func (r validPathRecord) toValidPathInfo(p StorePath) ValidPathInfo {
	refs := make([]StorePath, len(r.References))
	for i, s := range r.References {
		refs[i] = ParseStorePath(s)
	}
	return ValidPathInfo{
		Path:       p,
		NarHash:    r.NarHash,
		References: refs,
		Deriver:    ParseStorePath(r.Deriver),
		Signatures: r.Signatures,
	}
}

type substitutableRecord struct {
	References   []string `json:"references"`
	Deriver      string   `json:"deriver,omitempty"`
	DownloadSize int64    `json:"download_size"`
	NarSize      int64    `json:"nar_size"`
}

func fromSubstitutableInfo(v SubstitutablePathInfo) substitutableRecord {
	refs := make([]string, len(v.References))
	for i, r := range v.References {
		refs[i] = r.String()
	}
	return substitutableRecord{
		References:   refs,
		Deriver:      v.Deriver.String(),
		DownloadSize: v.DownloadSize,
		NarSize:      v.NarSize,
	}
}

func (r substitutableRecord) toInfo(p StorePath) SubstitutablePathInfo {
	refs := make([]StorePath, len(r.References))
	for i, s := range r.References {
		refs[i] = ParseStorePath(s)
	}
	return SubstitutablePathInfo{
		Path:         p,
		References:   refs,
		Deriver:      ParseStorePath(r.Deriver),
		DownloadSize: r.DownloadSize,
		NarSize:      r.NarSize,
	}
}
