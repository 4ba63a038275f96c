// Package model implements the content-addressed entry/blob data model:
// commits, trees, and objects, plus the blobs they reference. Identity of
// any entry is the hex SHA-1 of its canonical JSON encoding (see
// internal/codec). Entries are either "lazy" (only a known SHA-1, content
// fetched on first access by a higher-level repo/cache) or "loaded"
// (in-memory content, possibly dirty).
package model

import "github.com/nogproject/nog/internal/codec"

// EntryType names one of the three entry kinds, matching the nog REST API's
// collection names.
type EntryType string

const (
	TypeCommit EntryType = "commits"
	TypeTree   EntryType = "trees"
	TypeObject EntryType = "objects"
	// TypeBlob is used only in cross-repo copy references (spec §4.7);
	// a Blob itself does not implement Entry.
	TypeBlob EntryType = "blobs"
)

// EntryRef is the collapsed {type, sha1} wire shape used wherever a
// reference to an entry is transmitted instead of its full content.
type EntryRef struct {
	Type EntryType `json:"type"`
	SHA1 string    `json:"sha1"`
}

// Entry is implemented by Commit, Tree, and Object. An empty cached SHA-1
// means the entry is dirty and must be re-encoded on the next SHA1() call.
type Entry interface {
	Type() EntryType
	// SHA1 forces canonical encoding of the entry's current content and
	// returns its identity. The result is cached until the entry is
	// mutated again.
	SHA1() (string, error)
	// Dirty reports whether the cached SHA-1 (if any) is stale.
	Dirty() bool
	// Clone returns a deep copy of the entry's content. The copy shares
	// no mutable state with the original (spec §4.5: "Deep-copying an
	// entry duplicates its content but not its repo association").
	Clone() Entry
}

// base carries the cached-SHA1 lifecycle shared by all three entry kinds.
type base struct {
	cachedSHA1 string
	dirty      bool
}

func (b *base) Dirty() bool { return b.dirty || b.cachedSHA1 == "" }

func (b *base) markDirty() {
	b.dirty = true
	b.cachedSHA1 = ""
}

// sha1From computes and caches the SHA-1 of content's canonical encoding,
// short-circuiting if the cache is already valid.
func (b *base) sha1From(content any) (string, error) {
	if !b.dirty && b.cachedSHA1 != "" {
		return b.cachedSHA1, nil
	}
	id, err := codec.ContentID(content)
	if err != nil {
		return "", err
	}
	b.cachedSHA1 = id
	b.dirty = false
	return id, nil
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
