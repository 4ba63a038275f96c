// Package blobcache implements the on-disk blob cache (spec §4.4): a
// content-addressed store of blob bytes, keyed by SHA-1, sharded exactly
// like internal/entrycache's disk tier and the teacher's FSStore.
package blobcache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/nogproject/nog/internal/nogerr"
)

// Cache is a sharded on-disk blob store rooted at dir.
type Cache struct {
	root string
}

// New roots a blob cache at dir.
func New(dir string) *Cache {
	return &Cache{root: dir}
}

func (c *Cache) shardPath(sha1 string) string {
	return filepath.Join(c.root, sha1[:2], sha1[2:])
}

// Has reports whether sha1 is present in the cache.
func (c *Cache) Has(sha1 string) bool {
	_, err := os.Stat(c.shardPath(sha1))
	return err == nil
}

// Open returns a read-only handle to the cached blob for sha1.
func (c *Cache) Open(sha1 string) (*os.File, error) {
	f, err := os.Open(c.shardPath(sha1))
	if err != nil {
		return nil, nogerr.New("blobcache.Open", nogerr.NotFound, err)
	}
	return f, nil
}

// Link makes dst a hardlink to the cached blob for sha1, falling back to a
// byte copy when the destination is on a different filesystem (EXDEV). Any
// other hardlink error is returned as is, without a copy.
func (c *Cache) Link(sha1, dst string) error {
	src := c.shardPath(sha1)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nogerr.New("blobcache.Link", nogerr.Unknown, err)
	}
	err := os.Link(src, dst)
	if err == nil {
		return nil
	}
	if isCrossDevice(err) {
		return c.Copy(sha1, dst)
	}
	return nogerr.New("blobcache.Link", nogerr.Unknown, err)
}

// Copy writes a byte copy of the cached blob for sha1 to dst.
func (c *Cache) Copy(sha1, dst string) error {
	src, err := c.Open(sha1)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nogerr.New("blobcache.Copy", nogerr.Unknown, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return nogerr.New("blobcache.Copy", nogerr.Unknown, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nogerr.New("blobcache.Copy", nogerr.Unknown, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nogerr.New("blobcache.Copy", nogerr.Unknown, err)
	}
	return os.Rename(tmpName, dst)
}

// Receiver is an in-progress write of a new blob into the cache: callers
// stream bytes through Write, and Finish verifies the accumulated SHA-1
// against the expected digest before the atomic rename into place.
type Receiver struct {
	cache    *Cache
	expected string
	tmp      *os.File
	hash     hasher
}

type hasher interface {
	io.Writer
	SumHex() string
}

// NewReceiver begins a streamed write of a blob expected to hash to sha1.
func (c *Cache) NewReceiver(sha1 string) (*Receiver, error) {
	shard := filepath.Join(c.root, sha1[:2])
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return nil, nogerr.New("blobcache.NewReceiver", nogerr.Unknown, err)
	}
	tmp, err := os.CreateTemp(shard, ".tmp-*")
	if err != nil {
		return nil, nogerr.New("blobcache.NewReceiver", nogerr.Unknown, err)
	}
	return &Receiver{cache: c, expected: sha1, tmp: tmp, hash: newSHA1Hasher()}, nil
}

// Write implements io.Writer, hashing while writing to the temp file.
func (r *Receiver) Write(p []byte) (int, error) {
	if _, err := r.hash.Write(p); err != nil {
		return 0, err
	}
	return r.tmp.Write(p)
}

// Finish verifies the streamed content's SHA-1 and, on success, renames the
// temp file into its final shard path. On a mismatch the temp file is
// removed and nogerr.SHA1Mismatch is returned.
func (r *Receiver) Finish() error {
	tmpName := r.tmp.Name()
	if err := r.tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nogerr.New("blobcache.Receiver.Finish", nogerr.Unknown, err)
	}
	got := r.hash.SumHex()
	if got != r.expected {
		os.Remove(tmpName)
		return nogerr.New("blobcache.Receiver.Finish", nogerr.SHA1Mismatch, nil)
	}
	dst := r.cache.shardPath(r.expected)
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return nogerr.New("blobcache.Receiver.Finish", nogerr.Unknown, err)
	}
	return os.Chmod(dst, 0o444)
}

// Abort discards the in-progress receive.
func (r *Receiver) Abort() {
	tmpName := r.tmp.Name()
	r.tmp.Close()
	os.Remove(tmpName)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
