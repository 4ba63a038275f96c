package model

import "regexp"

// idversion0DatePattern matches the literal idversion-0 date shape
// YYYY-MM-DDTHH:MM:SSZ. Any other ISO-8601 date (e.g. with a numeric
// offset) implies idversion 1 (spec §3).
var idversion0DatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

// Commit is a versioned snapshot: a tree SHA-1, parent commit SHA-1s, and
// authorship metadata.
type Commit struct {
	base

	subject    string
	message    string
	tree       string
	parents    []string
	authors    []string
	authorDate string
	committer  string
	commitDate string
	meta       map[string]any
}

// NewCommit creates a commit pointing at the given tree SHA-1, with the
// given parents (empty for a root commit).
func NewCommit(subject, tree string, parents []string) *Commit {
	return &Commit{
		subject: subject,
		tree:    tree,
		parents: cloneStrings(parents),
		meta:    map[string]any{},
	}
}

func (c *Commit) Type() EntryType { return TypeCommit }

func (c *Commit) Subject() string   { return c.subject }
func (c *Commit) Message() string   { return c.message }
func (c *Commit) Tree() string      { return c.tree }
func (c *Commit) Parents() []string { return c.parents }
func (c *Commit) Authors() []string { return c.authors }
func (c *Commit) AuthorDate() string { return c.authorDate }
func (c *Commit) Committer() string { return c.committer }
func (c *Commit) CommitDate() string { return c.commitDate }
func (c *Commit) Meta() map[string]any { return c.meta }

func (c *Commit) SetMessage(m string)    { c.message = m; c.markDirty() }
func (c *Commit) SetAuthors(a []string)  { c.authors = a; c.markDirty() }
func (c *Commit) SetAuthorDate(d string) { c.authorDate = d; c.markDirty() }
func (c *Commit) SetCommitter(w string)  { c.committer = w; c.markDirty() }
func (c *Commit) SetCommitDate(d string) { c.commitDate = d; c.markDirty() }
func (c *Commit) SetMeta(m map[string]any) { c.meta = m; c.markDirty() }

// IDVersion reports 0 if both dates match the literal idversion-0 pattern,
// else 1 (spec §3).
func (c *Commit) IDVersion() int {
	if idversion0DatePattern.MatchString(c.authorDate) && idversion0DatePattern.MatchString(c.commitDate) {
		return 0
	}
	return 1
}

func (c *Commit) content() map[string]any {
	return map[string]any{
		"subject":    c.subject,
		"message":    c.message,
		"tree":       c.tree,
		"parents":    cloneStrings(c.parents),
		"authors":    cloneStrings(c.authors),
		"authorDate": c.authorDate,
		"committer":  c.committer,
		"commitDate": c.commitDate,
		"meta":       cloneMeta(c.meta),
	}
}

// SHA1 computes (and caches) the commit's identity.
func (c *Commit) SHA1() (string, error) {
	return c.sha1From(c.content())
}

// Content returns the wire-shaped map used both for hashing and for
// transport bodies.
func (c *Commit) Content() map[string]any {
	return c.content()
}

// Clone returns a deep copy of the commit.
func (c *Commit) Clone() Entry {
	return &Commit{
		base:       base{cachedSHA1: c.cachedSHA1, dirty: c.dirty},
		subject:    c.subject,
		message:    c.message,
		tree:       c.tree,
		parents:    cloneStrings(c.parents),
		authors:    cloneStrings(c.authors),
		authorDate: c.authorDate,
		committer:  c.committer,
		commitDate: c.commitDate,
		meta:       cloneMeta(c.meta),
	}
}
