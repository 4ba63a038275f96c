// Package entrycache implements the two-tier entry cache (spec §4.3): an
// in-memory layer of decoded entries over a content-verified on-disk layer,
// both keyed by SHA-1. The on-disk layout and atomic-write discipline are
// grounded on the teacher's internal/cache/fs.go sharded store.
package entrycache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/nogproject/nog/internal/codec"
	"github.com/nogproject/nog/internal/model"
	"github.com/nogproject/nog/internal/nogerr"
)

// MemCache is an in-process, goroutine-safe cache of decoded entries. Gets
// and puts hand out/accept deep copies via Entry.Clone, so no caller can
// mutate the cached value out from under another caller.
type MemCache struct {
	mu      sync.RWMutex
	entries map[string]model.Entry
}

// NewMemCache creates an empty in-memory cache.
func NewMemCache() *MemCache {
	return &MemCache{entries: map[string]model.Entry{}}
}

// Get returns a clone of the cached entry for sha1, if present.
func (m *MemCache) Get(sha1 string) (model.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sha1]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Put stores a clone of e under sha1.
func (m *MemCache) Put(sha1 string, e model.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sha1] = e.Clone()
}

// DiskCache stores canonical-JSON entry payloads on disk, sharded by the
// first two hex characters of the SHA-1 (the teacher's FSStore.dataPath
// layout, "XX/REST"), with a SHA-1 reverification on every read so a
// corrupted cache file surfaces as nogerr.CacheCorruption instead of a
// silently wrong entry.
type DiskCache struct {
	root string
}

// NewDiskCache roots a disk cache at dir (created on first write).
func NewDiskCache(dir string) *DiskCache {
	return &DiskCache{root: dir}
}

func (d *DiskCache) shardPath(sha1 string) string {
	return filepath.Join(d.root, sha1[:2], sha1[2:]+".json")
}

// Has reports whether an entry payload for sha1 is present on disk.
func (d *DiskCache) Has(sha1 string) bool {
	_, err := os.Stat(d.shardPath(sha1))
	return err == nil
}

// entryPayload is the on-disk envelope: the entry's type tag plus its raw
// canonical content, so Load can reconstruct a concrete model.Entry.
type entryPayload struct {
	Type    model.EntryType `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Put writes content (the entry's canonical-shaped map, as returned by
// Object.content/Tree.Content/Commit.content) under sha1, atomically via a
// temp file in the same shard directory followed by rename, then chmod
// 0444 since cache entries are immutable once written.
func (d *DiskCache) Put(sha1 string, typ model.EntryType, content any) error {
	raw, err := codec.Canonical(content)
	if err != nil {
		return nogerr.New("entrycache.DiskCache.Put", nogerr.Unknown, err)
	}
	payload, err := json.Marshal(entryPayload{Type: typ, Content: raw})
	if err != nil {
		return nogerr.New("entrycache.DiskCache.Put", nogerr.Unknown, err)
	}

	path := d.shardPath(sha1)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nogerr.New("entrycache.DiskCache.Put", nogerr.Unknown, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return nogerr.New("entrycache.DiskCache.Put", nogerr.Unknown, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nogerr.New("entrycache.DiskCache.Put", nogerr.Unknown, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nogerr.New("entrycache.DiskCache.Put", nogerr.Unknown, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nogerr.New("entrycache.DiskCache.Put", nogerr.Unknown, err)
	}
	if err := os.Chmod(path, 0o444); err != nil {
		return nogerr.New("entrycache.DiskCache.Put", nogerr.Unknown, err)
	}
	return nil
}

// RawGet reads the payload for sha1 and reverifies that its canonical
// content hashes back to sha1, returning nogerr.CacheCorruption otherwise.
func (d *DiskCache) RawGet(sha1 string) (model.EntryType, json.RawMessage, error) {
	data, err := os.ReadFile(d.shardPath(sha1))
	if err != nil {
		return "", nil, err
	}
	var payload entryPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", nil, nogerr.New("entrycache.DiskCache.RawGet", nogerr.CacheCorruption, err)
	}

	var generic any
	if err := json.Unmarshal(payload.Content, &generic); err != nil {
		return "", nil, nogerr.New("entrycache.DiskCache.RawGet", nogerr.CacheCorruption, err)
	}
	got, err := codec.ContentID(generic)
	if err != nil {
		return "", nil, nogerr.New("entrycache.DiskCache.RawGet", nogerr.Unknown, err)
	}
	if got != sha1 {
		return "", nil, nogerr.New("entrycache.DiskCache.RawGet", nogerr.CacheCorruption,
			fmt.Errorf("cached payload for %s rehashes to %s", sha1, got))
	}
	return payload.Type, payload.Content, nil
}

// Cache holds a MemCache and a DiskCache side by side: GetEntry/PutEntry
// use only the in-memory tier of decoded entries, GetRaw/PutRaw only the
// disk tier of canonical JSON. A disk hit does not populate memory.
type Cache struct {
	mem  *MemCache
	disk *DiskCache
}

// New composes mem and disk into a Cache.
func New(mem *MemCache, disk *DiskCache) *Cache {
	return &Cache{mem: mem, disk: disk}
}

// GetEntry returns a decoded entry from the in-memory tier, if present.
// This is the fast path for repeated typed access to the same commit/tree/
// object within one process; it sits alongside, not in front of, GetRaw's
// disk tier, since the two store different shapes (decoded vs. canonical
// JSON) for different callers.
func (c *Cache) GetEntry(sha1 string) (model.Entry, bool) {
	return c.mem.Get(sha1)
}

// PutEntry stores a decoded entry in the in-memory tier under sha1.
func (c *Cache) PutEntry(sha1 string, e model.Entry) {
	c.mem.Put(sha1, e)
}

// GetRaw returns the entry type and raw canonical content for sha1 from the
// disk tier, or ok=false if it is absent or fails verification.
func (c *Cache) GetRaw(sha1 string) (typ model.EntryType, content json.RawMessage, ok bool) {
	if !c.disk.Has(sha1) {
		return "", nil, false
	}
	typ, content, err := c.disk.RawGet(sha1)
	if err != nil {
		return "", nil, false
	}
	return typ, content, true
}

// PutRaw writes an entry's canonical content to the disk tier, keyed by
// sha1.
func (c *Cache) PutRaw(sha1 string, typ model.EntryType, content any) error {
	return c.disk.Put(sha1, typ, content)
}

// RepoKnownSet tracks which SHA-1s are known to already exist in a specific
// remote repo, separate from the process-wide content cache (spec §4.3):
// an entry can be cached locally yet still need a Stat/PostBulk against a
// repo it has never been published to. When backed by a bbolt bucket, the
// set survives process restarts, so a re-run of a publish against the same
// repo can skip Stat calls for SHA-1s confirmed in an earlier run.
type RepoKnownSet struct {
	mu     sync.RWMutex
	known  map[string]bool
	db     *bbolt.DB
	bucket []byte
}

// NewRepoKnownSet creates an empty, in-memory-only known-set.
func NewRepoKnownSet() *RepoKnownSet {
	return &RepoKnownSet{known: map[string]bool{}}
}

// NewPersistentRepoKnownSet creates a known-set backed by a bucket in db,
// named after repoFullName, loading any SHA-1s already recorded from a
// prior run.
func NewPersistentRepoKnownSet(db *bbolt.DB, repoFullName string) (*RepoKnownSet, error) {
	bucket := []byte("known/" + repoFullName)
	known := map[string]bool{}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			known[string(k)] = true
			return nil
		})
	})
	if err != nil {
		return nil, nogerr.New("entrycache.NewPersistentRepoKnownSet", nogerr.Unknown, err)
	}
	return &RepoKnownSet{known: known, db: db, bucket: bucket}, nil
}

// Know reports whether sha1 is already known to exist in this repo.
func (r *RepoKnownSet) Know(sha1 string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.known[sha1]
}

// Mark records sha1 as known to exist in this repo.
func (r *RepoKnownSet) Mark(sha1 string) {
	r.mu.Lock()
	r.known[sha1] = true
	r.mu.Unlock()
	r.persist(sha1)
}

// MarkAll records every sha1 in sha1s as known.
func (r *RepoKnownSet) MarkAll(sha1s []string) {
	r.mu.Lock()
	for _, s := range sha1s {
		r.known[s] = true
	}
	r.mu.Unlock()
	r.persistAll(sha1s)
}

func (r *RepoKnownSet) persist(sha1 string) {
	r.persistAll([]string{sha1})
}

func (r *RepoKnownSet) persistAll(sha1s []string) {
	if r.db == nil || len(sha1s) == 0 {
		return
	}
	// Best-effort: a failed persist only costs a redundant Stat call on
	// the next run, never correctness, so the error is dropped.
	_ = r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(r.bucket)
		if b == nil {
			return nil
		}
		for _, s := range sha1s {
			if err := b.Put([]byte(s), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}
