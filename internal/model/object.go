package model

import (
	"fmt"

	"github.com/nogproject/nog/internal/codec"
	"github.com/nogproject/nog/internal/nogerr"
)

// Object is a leaf entry: a name, arbitrary metadata, and an optional blob.
// It has two on-wire shapes (idversion 0 and 1, spec §3): v0 folds text
// into meta["content"] and represents "no blob" as the all-zero SHA-1; v1
// carries an explicit Text field and represents "no blob" as nil. The two
// idversions are NOT just presentation: they hash differently, because
// identity is the SHA-1 of the wire-shaped canonical encoding.
type Object struct {
	base

	name      string
	meta      map[string]any
	text      *string // used only when idversion == 1
	blobSHA1  string  // resolved/posted blob SHA-1, "" if none
	blobLocal *Blob   // local pending blob, overrides blobSHA1 until uploaded
	idversion int      // 0 or 1; defaults to 1
}

// NewObject creates an empty idversion-1 object.
func NewObject(name string) *Object {
	return &Object{name: name, meta: map[string]any{}, idversion: 1}
}

func (o *Object) Type() EntryType { return TypeObject }

func (o *Object) Name() string { return o.name }

func (o *Object) SetName(n string) {
	o.name = n
	o.markDirty()
}

func (o *Object) Meta() map[string]any { return o.meta }

func (o *Object) SetMeta(m map[string]any) {
	o.meta = m
	o.markDirty()
}

// IDVersion reports the object's current wire shape (0 or 1).
func (o *Object) IDVersion() int { return o.idversion }

// Text returns the text payload regardless of idversion.
func (o *Object) Text() string {
	if o.idversion == 0 {
		if v, ok := o.meta["content"].(string); ok {
			return v
		}
		return ""
	}
	if o.text == nil {
		return ""
	}
	return *o.text
}

// SetText sets the text payload in whichever field the current idversion
// uses.
func (o *Object) SetText(t string) {
	if o.idversion == 0 {
		o.meta["content"] = t
	} else {
		o.text = &t
	}
	o.markDirty()
}

// BlobSHA1 returns the posted/known blob SHA-1, or "" if the object has no
// blob or has an unposted local blob.
func (o *Object) BlobSHA1() string { return o.blobSHA1 }

// LocalBlob returns the pending local blob, if the object's blob has not
// yet been posted.
func (o *Object) LocalBlob() *Blob { return o.blobLocal }

// SetBlobSHA1 points the object at an already-known blob.
func (o *Object) SetBlobSHA1(sha1 string) {
	o.blobLocal = nil
	o.blobSHA1 = sha1
	o.markDirty()
}

// SetBlobLocal attaches a local blob pending upload.
func (o *Object) SetBlobLocal(b *Blob) {
	o.blobLocal = b
	o.blobSHA1 = ""
	o.markDirty()
}

// ClearBlob removes the object's blob.
func (o *Object) ClearBlob() {
	o.blobLocal = nil
	o.blobSHA1 = ""
	o.markDirty()
}

// Format converts the object's internal representation to the requested
// idversion (0 or 1), moving text between meta["content"] and the Text
// field and adjusting the blob null-sentinel. A no-op if already at the
// requested idversion.
func (o *Object) Format(idversion int) error {
	if idversion != 0 && idversion != 1 {
		return fmt.Errorf("model: invalid idversion %d", idversion)
	}
	if o.idversion == idversion {
		return nil
	}
	switch idversion {
	case 0:
		text := o.Text()
		delete(o.meta, "content")
		o.meta["content"] = text
		o.text = nil
	case 1:
		if v, ok := o.meta["content"]; ok {
			s, _ := v.(string)
			o.text = &s
			delete(o.meta, "content")
		} else {
			empty := ""
			o.text = &empty
		}
	}
	o.idversion = idversion
	o.markDirty()
	return nil
}

// SetIDVersion pins the object's wire idversion without moving any data
// between meta["content"] and the Text field. Use this instead of Format
// when meta/text are already shaped for the target idversion, e.g. when
// constructing an Object fresh from a decoded wire payload; Format is for
// converting an object that is already holding data in the other shape.
func (o *Object) SetIDVersion(idversion int) {
	o.idversion = idversion
	o.markDirty()
}

// blobWireValue resolves the object's blob field to its wire representation
// for the current idversion: a SHA-1 string, codec.NullSHA1 (v0, no blob),
// or nil (v1, no blob).
func (o *Object) blobWireValue() (any, error) {
	sha1 := o.blobSHA1
	if o.blobLocal != nil {
		var err error
		sha1, err = o.blobLocal.SHA1()
		if err != nil {
			return nil, err
		}
	}
	if sha1 == "" {
		if o.idversion == 0 {
			return codec.NullSHA1, nil
		}
		return nil, nil
	}
	return sha1, nil
}

// content returns the native wire-shaped map used both for hashing and for
// transport bodies. It validates the idversion-1 "no meta.content" rule
// (spec §3: INVALID_OBJECT).
func (o *Object) content() (map[string]any, error) {
	if o.idversion == 1 {
		if _, bad := o.meta["content"]; bad {
			return nil, nogerr.New("model.Object.content", nogerr.InvalidObject,
				fmt.Errorf("object %q: meta.content is forbidden in idversion 1, use Text", o.name))
		}
	}
	blob, err := o.blobWireValue()
	if err != nil {
		return nil, err
	}
	m := map[string]any{
		"name": o.name,
		"meta": cloneMeta(o.meta),
		"blob": blob,
	}
	if o.idversion == 1 {
		m["text"] = o.Text()
	}
	return m, nil
}

// SHA1 computes (and caches) the object's identity under its current
// idversion.
func (o *Object) SHA1() (string, error) {
	content, err := o.content()
	if err != nil {
		return "", err
	}
	return o.sha1From(content)
}

// Content returns the wire-shaped map used both for hashing and for
// transport bodies (exported for callers that post the object's content
// directly, e.g. internal/poststream).
func (o *Object) Content() (map[string]any, error) {
	return o.content()
}

// Clone returns a deep, independent copy of the object.
func (o *Object) Clone() Entry {
	clone := &Object{
		base:      base{cachedSHA1: o.cachedSHA1, dirty: o.dirty},
		name:      o.name,
		meta:      cloneMeta(o.meta),
		blobSHA1:  o.blobSHA1,
		blobLocal: o.blobLocal,
		idversion: o.idversion,
	}
	if o.text != nil {
		t := *o.text
		clone.text = &t
	}
	return clone
}
