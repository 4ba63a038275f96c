package model

import (
	"bytes"
	"io"
	"os"

	"github.com/nogproject/nog/internal/codec"
)

// Blob is an opaque byte sequence pending upload, identified by the SHA-1
// of its bytes. Name is display metadata only; it plays no role in
// identity.
type Blob struct {
	Name string

	path string
	buf  []byte

	sha1 string
}

// NewBlobPath creates a Blob backed by a local file. The SHA-1 is computed
// lazily, streaming the file so large blobs don't need to fit in memory
// just to learn their identity.
func NewBlobPath(path, name string) *Blob {
	return &Blob{Name: name, path: path}
}

// NewBlobBuffer creates a Blob backed by an in-memory buffer.
func NewBlobBuffer(buf []byte, name string) *Blob {
	return &Blob{Name: name, buf: buf}
}

// Open returns a fresh reader over the blob's bytes.
func (b *Blob) Open() (io.ReadCloser, error) {
	if b.path != "" {
		return os.Open(b.path)
	}
	return io.NopCloser(bytes.NewReader(b.buf)), nil
}

// Size returns the blob's byte length, stat-ing the file if necessary.
func (b *Blob) Size() (int64, error) {
	if b.path != "" {
		fi, err := os.Stat(b.path)
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	}
	return int64(len(b.buf)), nil
}

// SHA1 returns the blob's content identity, computing and caching it on
// first call.
func (b *Blob) SHA1() (string, error) {
	if b.sha1 != "" {
		return b.sha1, nil
	}
	r, err := b.Open()
	if err != nil {
		return "", err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.sha1 = codec.SHA1Hex(data)
	return b.sha1, nil
}
