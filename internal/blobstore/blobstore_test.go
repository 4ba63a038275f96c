package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nogproject/nog/internal/entrycache"
	"github.com/nogproject/nog/internal/httpclient"
	"github.com/nogproject/nog/internal/model"
	"github.com/nogproject/nog/internal/remoterepo"
	"github.com/nogproject/nog/internal/signer"
)

func mustRepo(t *testing.T, baseURL string) *remoterepo.Repo {
	t.Helper()
	client := httpclient.New(httpclient.Config{
		BaseURL:     baseURL,
		Credentials: signer.Credentials{KeyID: "k", SecretKey: "s"},
		MaxRetries:  1,
	})
	cache := entrycache.New(entrycache.NewMemCache(), entrycache.NewDiskCache(t.TempDir()))
	known := entrycache.NewRepoKnownSet()
	return remoterepo.New(client, "a/b", cache, known, remoterepo.ErrataError)
}

func TestUploadCompletesSinglePart(t *testing.T) {
	content := []byte("hello blob")
	var startCalls, putCalls int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/v1/repos/a/b/db/blobs/sha1/uploads", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&startCalls, 1)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"handle": "h1",
				"parts": map[string]any{
					"part": map[string]any{
						"partNumber": 1,
						"start":      0,
						"end":        len(content),
						"href":       srv.URL + "/part",
					},
					"next": "",
				},
			},
		})
	})
	mux.HandleFunc("/v1/repos/a/b/db/blobs/uploads/h1/complete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/part", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&putCalls, 1)
		buf, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatal(err)
		}
		sum := md5.Sum(buf)
		w.Header().Set("ETag", fmt.Sprintf("%q", hex.EncodeToString(sum[:])))
		w.WriteHeader(http.StatusOK)
	})

	repo := mustRepo(t, srv.URL)
	blob := model.NewBlobBuffer(content, "data.bin")
	u := New(0)

	if err := u.Upload(context.Background(), repo, blob, "sha1"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&startCalls) != 1 {
		t.Fatalf("expected 1 StartUpload call, got %d", startCalls)
	}
	if atomic.LoadInt32(&putCalls) != 1 {
		t.Fatalf("expected 1 part PUT, got %d", putCalls)
	}
}

func TestUploadShortCircuitsWhenBlobAlreadyExists(t *testing.T) {
	var startCalls, putCalls int32

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/v1/repos/a/b/db/blobs/sha1/uploads", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&startCalls, 1)
		w.WriteHeader(http.StatusConflict)
	})
	mux.HandleFunc("/part", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&putCalls, 1)
		w.WriteHeader(http.StatusOK)
	})

	repo := mustRepo(t, srv.URL)
	blob := model.NewBlobBuffer([]byte("already uploaded"), "data.bin")
	u := New(0)

	if err := u.Upload(context.Background(), repo, blob, "sha1"); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&startCalls) != 1 {
		t.Fatalf("expected 1 StartUpload call, got %d", startCalls)
	}
	if atomic.LoadInt32(&putCalls) != 0 {
		t.Fatalf("expected no part PUT after a 409 short-circuit, got %d", putCalls)
	}
	if !repo.Known("sha1") {
		t.Fatal("expected sha1 to be marked known after a 409 short-circuit")
	}
}
