// Package blobstore drives the multi-part presigned-URL blob upload
// protocol (spec §4.8): startUpload, sequential per-part PUT with ETag
// verification, pagination via parts.next, completeUpload. Grounded on the
// teacher's internal/cache/s3.go presigned-URL handling, adapted from a
// GET-redirect model to a client-side multi-part PUT model.
package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nogproject/nog/internal/model"
	"github.com/nogproject/nog/internal/nogerr"
	"github.com/nogproject/nog/internal/remoterepo"
)

// Uploader drives blob uploads against presigned S3 URLs. It uses its own
// plain http.Client (no nog-v1 signing — presigned URLs carry their own
// signature) with the long read timeout S3 PUTs need.
type Uploader struct {
	httpClient *http.Client
}

// New creates an Uploader. readTimeout defaults to 300s (spec §4.8).
func New(readTimeout time.Duration) *Uploader {
	if readTimeout <= 0 {
		readTimeout = 300 * time.Second
	}
	return &Uploader{httpClient: &http.Client{Timeout: readTimeout}}
}

// Upload drives the full multi-part upload protocol for blob, whose bytes
// must hash to sha1. Returns nil immediately if the server reports the
// blob already exists (StartUpload 409 short-circuit).
func (u *Uploader) Upload(ctx context.Context, repo *remoterepo.Repo, blob *model.Blob, sha1 string) error {
	size, err := blob.Size()
	if err != nil {
		return nogerr.New("blobstore.Upload", nogerr.Unknown, err)
	}

	plan, err := repo.StartUpload(ctx, sha1, size, blob.Name)
	if err != nil {
		return err
	}
	if plan.AlreadyExists {
		return nil
	}

	r, err := blob.Open()
	if err != nil {
		return nogerr.New("blobstore.Upload", nogerr.Unknown, err)
	}
	defer r.Close()

	var completed []remoterepo.PartETag
	part := plan.FirstPart
	nextHref := plan.NextHref
	var pos int64

	for part != nil {
		n := part.End - part.Start
		if part.Start != pos {
			return nogerr.New("blobstore.Upload", nogerr.Unknown,
				fmt.Errorf("non-contiguous part: expected start %d, got %d", pos, part.Start))
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nogerr.New("blobstore.Upload", nogerr.Unknown, err)
		}
		pos += n

		etag, err := u.putPart(ctx, part.Href, buf)
		if err != nil {
			return err
		}
		completed = append(completed, remoterepo.PartETag{PartNumber: part.PartNumber, ETag: etag})

		if nextHref == "" {
			break
		}
		part, nextHref, err = repo.NextPart(ctx, nextHref)
		if err != nil {
			return err
		}
	}

	return repo.CompleteUpload(ctx, plan.Handle, completed)
}

// putPart PUTs buf to href and verifies the response ETag against the
// MD5 of buf, per spec §4.8.
func (u *Uploader) putPart(ctx context.Context, href string, buf []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, href, newBytesReader(buf))
	if err != nil {
		return "", nogerr.New("blobstore.putPart", nogerr.Unknown, err)
	}
	req.ContentLength = int64(len(buf))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", nogerr.New("blobstore.putPart", nogerr.Transport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", nogerr.New("blobstore.putPart", nogerr.Transport, fmt.Errorf("PUT part failed: status %d", resp.StatusCode))
	}

	gotETag := resp.Header.Get("ETag")
	sum := md5.Sum(buf)
	wantETag := fmt.Sprintf("%q", hex.EncodeToString(sum[:]))
	if gotETag != wantETag {
		return "", nogerr.New("blobstore.putPart", nogerr.ETagMismatch,
			fmt.Errorf("etag %s does not match expected %s", gotETag, wantETag))
	}
	return gotETag, nil
}

type bytesReader struct {
	b   []byte
	off int
}

func newBytesReader(b []byte) *bytesReader { return &bytesReader{b: b} }

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}
