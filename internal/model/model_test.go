package model

import (
	"testing"

	"github.com/nogproject/nog/internal/codec"
	"github.com/nogproject/nog/internal/nogerr"
)

// Golden SHA-1s from the spec's concrete scenarios (§8): obj.name='foo',
// obj.text='text', v1 and v0, and the tree built from both.
const (
	wantObjectV1SHA1 = "a5c7dadaae838f765f66d3d354617a6e564fdc59"
	wantObjectV0SHA1 = "e306bba8afcead972947bba6627d7f3e3cfeef51"
	wantTreeSHA1     = "909841620c9e56a9b874042ca44a5694b6622e8b"
)

func TestObjectIdentityStable(t *testing.T) {
	o := NewObject("foo")
	o.SetText("text")

	sha1, err := o.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	if sha1 != wantObjectV1SHA1 {
		t.Fatalf("sha1 %q does not match spec golden value %q", sha1, wantObjectV1SHA1)
	}

	sha1Again, err := o.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	if sha1 != sha1Again {
		t.Fatalf("identity not stable across calls: %q != %q", sha1, sha1Again)
	}
}

func TestObjectMutationInvalidatesIdentity(t *testing.T) {
	o := NewObject("foo")
	o.SetText("text")
	sha1, err := o.SHA1()
	if err != nil {
		t.Fatal(err)
	}

	o.SetName("bar")
	sha1After, err := o.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	if sha1 == sha1After {
		t.Fatalf("expected SHA-1 to change after mutation, got same value %q", sha1)
	}
}

func TestObjectIdversionsProduceDifferentIdentity(t *testing.T) {
	o := NewObject("foo")
	o.SetText("text")

	v1, err := o.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	if v1 != wantObjectV1SHA1 {
		t.Fatalf("v1 sha1 %q does not match spec golden value %q", v1, wantObjectV1SHA1)
	}

	if err := o.Format(0); err != nil {
		t.Fatal(err)
	}
	v0, err := o.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	if v0 != wantObjectV0SHA1 {
		t.Fatalf("v0 sha1 %q does not match spec golden value %q", v0, wantObjectV0SHA1)
	}

	if v0 == v1 {
		t.Fatalf("expected different identity across idversions, got %q for both", v0)
	}
}

func TestObjectRejectsMetaContentInIdversion1(t *testing.T) {
	o := NewObject("foo")
	o.Meta()["content"] = "bar"

	_, err := o.SHA1()
	if err == nil {
		t.Fatal("expected INVALID_OBJECT error")
	}
	if !nogerr.Is(err, nogerr.InvalidObject) {
		t.Fatalf("expected InvalidObject kind, got %v", err)
	}
}

func TestObjectFormatRoundTrip(t *testing.T) {
	o := NewObject("foo")
	o.SetText("hello")
	o.SetBlobSHA1("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	if err := o.Format(0); err != nil {
		t.Fatal(err)
	}
	if o.Text() != "hello" {
		t.Fatalf("text lost across format(0): %q", o.Text())
	}

	if err := o.Format(1); err != nil {
		t.Fatal(err)
	}
	if o.Text() != "hello" {
		t.Fatalf("text lost across format(1): %q", o.Text())
	}
	if _, bad := o.Meta()["content"]; bad {
		t.Fatal("meta.content should be cleared after format(1)")
	}
}

func TestObjectNoBlobSentinelsPerIdversion(t *testing.T) {
	o := NewObject("foo")
	o.SetText("x")

	content, err := o.content()
	if err != nil {
		t.Fatal(err)
	}
	if content["blob"] != nil {
		t.Fatalf("expected nil blob in idversion 1, got %v", content["blob"])
	}

	if err := o.Format(0); err != nil {
		t.Fatal(err)
	}
	content, err = o.content()
	if err != nil {
		t.Fatal(err)
	}
	if content["blob"] != codec.NullSHA1 {
		t.Fatalf("expected NULL_SHA1 blob in idversion 0, got %v", content["blob"])
	}
}

func TestTreeCollapsesHydratedChildren(t *testing.T) {
	obj := NewObject("child")
	obj.SetText("hi")

	tree := NewTree("tree")
	tree.Meta()["foo"] = "bar"
	tree.Append(obj)

	content, err := tree.Content()
	if err != nil {
		t.Fatal(err)
	}
	entries, ok := content["entries"].([]map[string]string)
	if !ok || len(entries) != 1 {
		t.Fatalf("expected one collapsed entry, got %#v", content["entries"])
	}
	childSHA1, err := obj.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0]["sha1"] != childSHA1 {
		t.Fatalf("collapsed entry sha1 mismatch: got %q want %q", entries[0]["sha1"], childSHA1)
	}
	if entries[0]["type"] != "object" {
		t.Fatalf("collapsed entry type mismatch: %q", entries[0]["type"])
	}
}

// TestTreeIdentityMatchesSpecScenario pins spec scenario 2 (§8): the tree
// {name:'tree', meta:{foo:'bar'}, entries:[obj_v0, obj_v1]} built from the
// obj.name='foo', obj.text='text' object of scenario 1.
func TestTreeIdentityMatchesSpecScenario(t *testing.T) {
	objV1 := NewObject("foo")
	objV1.SetText("text")
	if sha1, err := objV1.SHA1(); err != nil || sha1 != wantObjectV1SHA1 {
		t.Fatalf("precondition: v1 sha1 = %q, %v; want %q", sha1, err, wantObjectV1SHA1)
	}

	objV0 := NewObject("foo")
	objV0.SetText("text")
	if err := objV0.Format(0); err != nil {
		t.Fatal(err)
	}
	if sha1, err := objV0.SHA1(); err != nil || sha1 != wantObjectV0SHA1 {
		t.Fatalf("precondition: v0 sha1 = %q, %v; want %q", sha1, err, wantObjectV0SHA1)
	}

	tree := NewTree("tree")
	tree.Meta()["foo"] = "bar"
	tree.Append(objV0)
	tree.Append(objV1)

	sha1, err := tree.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	if sha1 != wantTreeSHA1 {
		t.Fatalf("tree sha1 %q does not match spec golden value %q", sha1, wantTreeSHA1)
	}
}

func TestTreeCollapseDetachesChildren(t *testing.T) {
	obj := NewObject("child")
	obj.SetText("hi")
	wantSHA1, err := obj.SHA1()
	if err != nil {
		t.Fatal(err)
	}

	tree := NewTree("tree")
	tree.Append(obj)

	if err := tree.Collapse(); err != nil {
		t.Fatal(err)
	}
	children := tree.Children()
	if len(children) != 1 || children[0].IsHydrated() {
		t.Fatalf("expected detached ref child, got %#v", children)
	}
	if children[0].Ref.SHA1 != wantSHA1 {
		t.Fatalf("detached ref sha1 mismatch: got %q want %q", children[0].Ref.SHA1, wantSHA1)
	}
}

func TestCommitIDVersionFromDatePattern(t *testing.T) {
	c := NewCommit("subj", "0000000000000000000000000000000000000000", nil)
	c.SetAuthorDate("2020-01-02T03:04:05Z")
	c.SetCommitDate("2020-01-02T03:04:05Z")
	if got := c.IDVersion(); got != 0 {
		t.Fatalf("expected idversion 0, got %d", got)
	}

	c.SetAuthorDate("2020-01-02T03:04:05+02:00")
	if got := c.IDVersion(); got != 1 {
		t.Fatalf("expected idversion 1 for offset date, got %d", got)
	}
}

func TestBlobSHA1Stable(t *testing.T) {
	b := NewBlobBuffer([]byte("hello world"), "greeting.txt")
	sha1, err := b.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	if !codec.IsSHA1(sha1) {
		t.Fatalf("not a sha1: %q", sha1)
	}
	sha1Again, err := b.SHA1()
	if err != nil {
		t.Fatal(err)
	}
	if sha1 != sha1Again {
		t.Fatalf("blob identity not stable: %q != %q", sha1, sha1Again)
	}
}

func TestUnicodeNameRoundTrips(t *testing.T) {
	for _, name := range []string{"BlaBlub-üäö", "Wau-Wau-狗"} {
		o := NewObject(name)
		o.SetText("text")
		b, err := codec.Canonical(map[string]any{"name": o.Name()})
		if err != nil {
			t.Fatal(err)
		}
		if containsEscapedUnicode(b) {
			t.Fatalf("canonical encoding escaped unicode: %s", b)
		}
	}
}

func containsEscapedUnicode(b []byte) bool {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\\' && b[i+1] == 'u' {
			return true
		}
	}
	return false
}
