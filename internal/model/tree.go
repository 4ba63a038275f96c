package model

import "path/filepath"

// TreeChild is a sum type: either a fully hydrated entry value, or a plain
// {type, sha1} reference. Exactly one of Hydrated/Ref is set.
type TreeChild struct {
	Hydrated Entry
	Ref      EntryRef
}

func childFromEntry(e Entry) TreeChild { return TreeChild{Hydrated: e} }
func childFromRef(ref EntryRef) TreeChild { return TreeChild{Ref: ref} }

// IsHydrated reports whether the child carries full content.
func (c TreeChild) IsHydrated() bool { return c.Hydrated != nil }

// Tree is an interior node: a name, metadata, and an ordered, identity-
// significant sequence of children.
type Tree struct {
	base

	name    string
	meta    map[string]any
	entries []TreeChild
}

// NewTree creates an empty tree.
func NewTree(name string) *Tree {
	return &Tree{name: name, meta: map[string]any{}}
}

func (t *Tree) Type() EntryType { return TypeTree }

func (t *Tree) Name() string { return t.name }

func (t *Tree) SetName(n string) {
	t.name = n
	t.markDirty()
}

func (t *Tree) Meta() map[string]any { return t.meta }

func (t *Tree) SetMeta(m map[string]any) {
	t.meta = m
	t.markDirty()
}

// Append adds a hydrated child entry to the end of the tree.
func (t *Tree) Append(e Entry) {
	t.entries = append(t.entries, childFromEntry(e))
	t.markDirty()
}

// AppendRef adds a {type, sha1}-only child to the end of the tree.
func (t *Tree) AppendRef(ref EntryRef) {
	t.entries = append(t.entries, childFromRef(ref))
	t.markDirty()
}

// Insert inserts a hydrated child at position i.
func (t *Tree) Insert(i int, e Entry) {
	t.entries = append(t.entries, TreeChild{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = childFromEntry(e)
	t.markDirty()
}

// Pop removes and returns the child at the end (or at position i, if given).
func (t *Tree) Pop(i ...int) TreeChild {
	idx := len(t.entries) - 1
	if len(i) > 0 {
		idx = i[0]
	}
	c := t.entries[idx]
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	t.markDirty()
	return c
}

// Children returns the tree's raw child sequence (read-only view).
func (t *Tree) Children() []TreeChild {
	return t.entries
}

// Content returns the collapsed wire shape: hydrated children replaced by
// {type, sha1} pairs (forcing their SHA1() to be computed), refs passed
// through with their sha1 unchanged. Inside a tree's entries list the type
// is the singular "object"/"tree", not the plural collection name. Order is
// preserved.
func (t *Tree) Content() (map[string]any, error) {
	refs := make([]map[string]string, len(t.entries))
	for i, c := range t.entries {
		if c.IsHydrated() {
			sha1, err := c.Hydrated.SHA1()
			if err != nil {
				return nil, err
			}
			refs[i] = map[string]string{"type": treeEntryType(c.Hydrated.Type()), "sha1": sha1}
		} else {
			refs[i] = map[string]string{"type": treeEntryType(c.Ref.Type), "sha1": c.Ref.SHA1}
		}
	}
	return map[string]any{
		"name":    t.name,
		"meta":    cloneMeta(t.meta),
		"entries": refs,
	}, nil
}

// Collapse detaches all hydrated children, replacing them with plain
// {type, sha1} references, to bound memory after publication. It forces
// SHA1() on every hydrated child first.
func (t *Tree) Collapse() error {
	for i, c := range t.entries {
		if !c.IsHydrated() {
			continue
		}
		sha1, err := c.Hydrated.SHA1()
		if err != nil {
			return err
		}
		t.entries[i] = childFromRef(EntryRef{Type: c.Hydrated.Type(), SHA1: sha1})
	}
	return nil
}

// SHA1 computes (and caches) the tree's identity from its collapsed content.
func (t *Tree) SHA1() (string, error) {
	content, err := t.Content()
	if err != nil {
		return "", err
	}
	return t.sha1From(content)
}

// Clone returns a deep copy. Hydrated children are themselves cloned; ref
// children are copied by value.
func (t *Tree) Clone() Entry {
	clone := &Tree{
		base: base{cachedSHA1: t.cachedSHA1, dirty: t.dirty},
		name: t.name,
		meta: cloneMeta(t.meta),
	}
	clone.entries = make([]TreeChild, len(t.entries))
	for i, c := range t.entries {
		if c.IsHydrated() {
			clone.entries[i] = childFromEntry(c.Hydrated.Clone())
		} else {
			clone.entries[i] = childFromRef(c.Ref)
		}
	}
	return clone
}

// Entries returns the tree's children filtered by a glob-style name pattern
// and/or entry type. An empty pattern or empty kind matches everything. It
// does not hydrate anything: ref-only children stay refs (hydrating them is
// done separately via Hydrate), and since a ref has no name, refs pass the
// pattern filter and are only filtered by kind.
func (t *Tree) Entries(pattern string, kind EntryType) []TreeChild {
	var out []TreeChild
	for _, c := range t.entries {
		ty := c.Ref.Type
		name := ""
		if c.IsHydrated() {
			ty = c.Hydrated.Type()
			name = entryName(c.Hydrated)
		}
		if kind != "" && ty != kind {
			continue
		}
		if pattern != "" && name != "" {
			if ok, _ := filepath.Match(pattern, name); !ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// Objects returns the tree's object children matching pattern (empty
// matches all).
func (t *Tree) Objects(pattern string) []TreeChild { return t.Entries(pattern, TypeObject) }

// Trees returns the tree's tree children matching pattern (empty matches
// all).
func (t *Tree) Trees(pattern string) []TreeChild { return t.Entries(pattern, TypeTree) }

// Hydrate replaces the ref-only child at index i with a fully hydrated
// entry fetched by the caller, caching it in place for subsequent
// iteration (spec §4.5).
func (t *Tree) Hydrate(i int, e Entry) {
	t.entries[i] = childFromEntry(e)
}

// treeEntryType maps an EntryType to the singular type name used in a
// tree's entries list.
func treeEntryType(t EntryType) string {
	switch t {
	case TypeObject:
		return "object"
	case TypeTree:
		return "tree"
	default:
		return string(t)
	}
}

func entryName(e Entry) string {
	switch v := e.(type) {
	case *Object:
		return v.Name()
	case *Tree:
		return v.Name()
	default:
		return ""
	}
}
