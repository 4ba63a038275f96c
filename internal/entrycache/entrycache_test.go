package entrycache

import (
	"os"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/nogproject/nog/internal/codec"
	"github.com/nogproject/nog/internal/model"
)

func TestMemCacheRoundTripIsIndependentCopy(t *testing.T) {
	m := NewMemCache()
	o := model.NewObject("foo")
	o.SetText("bar")
	sha1, err := o.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	m.Put(sha1, o)

	o.SetName("mutated-after-put")

	got, ok := m.Get(sha1)
	if !ok {
		t.Fatal("expected cache hit")
	}
	gotObj := got.(*model.Object)
	if gotObj.Name() != "foo" {
		t.Fatalf("cache returned a live alias, name changed to %q", gotObj.Name())
	}
}

func TestMemCacheMiss(t *testing.T) {
	m := NewMemCache()
	if _, ok := m.Get("deadbeef"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

// sampleContent is a stand-in canonical-shaped payload; the cache only
// cares that it rehashes to the sha1 it was stored under, not which entry
// kind produced it.
func sampleContent(name string) map[string]any {
	return map[string]any{"name": name, "meta": map[string]any{}, "blob": nil, "text": "bar"}
}

func TestDiskCachePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := NewDiskCache(dir)

	content := sampleContent("foo")
	sha1, err := codec.ContentID(content)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Put(sha1, model.TypeObject, content); err != nil {
		t.Fatal(err)
	}
	if !d.Has(sha1) {
		t.Fatal("expected Has to report true after Put")
	}

	typ, _, err := d.RawGet(sha1)
	if err != nil {
		t.Fatal(err)
	}
	if typ != model.TypeObject {
		t.Fatalf("unexpected type %q", typ)
	}
}

func TestDiskCacheDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	d := NewDiskCache(dir)

	content := sampleContent("foo")
	sha1, err := codec.ContentID(content)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Put(sha1, model.TypeObject, content); err != nil {
		t.Fatal(err)
	}

	path := d.shardPath(sha1)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"type":"objects","content":{"name":"tampered"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := d.RawGet(sha1); err == nil {
		t.Fatal("expected corruption error for tampered payload")
	}
}

func TestRepoKnownSet(t *testing.T) {
	r := NewRepoKnownSet()
	if r.Know("a") {
		t.Fatal("expected unknown before Mark")
	}
	r.Mark("a")
	if !r.Know("a") {
		t.Fatal("expected known after Mark")
	}
	r.MarkAll([]string{"b", "c"})
	if !r.Know("b") || !r.Know("c") {
		t.Fatal("expected MarkAll entries known")
	}
}

func TestCacheGetEntryPutEntryRoundTrip(t *testing.T) {
	c := New(NewMemCache(), NewDiskCache(t.TempDir()))

	o := model.NewObject("foo")
	o.SetText("bar")
	sha1, err := o.SHA1()
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := c.GetEntry(sha1); ok {
		t.Fatal("expected miss before PutEntry")
	}
	c.PutEntry(sha1, o)

	got, ok := c.GetEntry(sha1)
	if !ok {
		t.Fatal("expected hit after PutEntry")
	}
	if got.(*model.Object).Name() != "foo" {
		t.Fatalf("unexpected name %q", got.(*model.Object).Name())
	}
}

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "known.db"), 0o644, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPersistentRepoKnownSetSurvivesReload(t *testing.T) {
	db := openTestDB(t)

	r, err := NewPersistentRepoKnownSet(db, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	r.Mark("sha1a")
	r.MarkAll([]string{"sha1b", "sha1c"})

	r2, err := NewPersistentRepoKnownSet(db, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	for _, sha1 := range []string{"sha1a", "sha1b", "sha1c"} {
		if !r2.Know(sha1) {
			t.Fatalf("expected %s to be known after reload", sha1)
		}
	}
}

func TestPersistentRepoKnownSetIsScopedPerRepo(t *testing.T) {
	db := openTestDB(t)

	r1, err := NewPersistentRepoKnownSet(db, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	r1.Mark("sha1a")

	r2, err := NewPersistentRepoKnownSet(db, "c/d")
	if err != nil {
		t.Fatal(err)
	}
	if r2.Know("sha1a") {
		t.Fatal("expected known-set to be scoped per repo full name")
	}
}
