package blobfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nogproject/nog/internal/blobcache"
	"github.com/nogproject/nog/internal/codec"
	"github.com/nogproject/nog/internal/entrycache"
	"github.com/nogproject/nog/internal/httpclient"
	"github.com/nogproject/nog/internal/remoterepo"
	"github.com/nogproject/nog/internal/signer"
)

func mustRepo(t *testing.T, fetches *int32, content string) *remoterepo.Repo {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(fetches, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(content))
	}))
	t.Cleanup(srv.Close)

	client := httpclient.New(httpclient.Config{
		BaseURL:     srv.URL,
		Credentials: signer.Credentials{KeyID: "k", SecretKey: "s"},
		MaxRetries:  1,
	})
	cache := entrycache.New(entrycache.NewMemCache(), entrycache.NewDiskCache(t.TempDir()))
	known := entrycache.NewRepoKnownSet()
	return remoterepo.New(client, "a/b", cache, known, remoterepo.ErrataError)
}

func TestPrefetchBlobsFetchesMissingAndSkipsCached(t *testing.T) {
	const content = "hello world"
	sha1 := codec.SHA1Hex([]byte(content))

	var fetches int32
	repo := mustRepo(t, &fetches, content)
	cache := blobcache.New(t.TempDir())

	f := NewFetcher(repo, cache, nil, 4)
	if err := f.PrefetchBlobs(context.Background(), []string{sha1}); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&fetches) != 1 {
		t.Fatalf("expected one control-plane fetch, got %d", fetches)
	}
	if !cache.Has(sha1) {
		t.Fatal("expected blob to be cached after prefetch")
	}

	if err := f.PrefetchBlobs(context.Background(), []string{sha1}); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&fetches) != 1 {
		t.Fatalf("expected no extra fetch for an already-cached blob, got %d", fetches)
	}
}

func TestPrefetchBlobsDedupesWithinOneCall(t *testing.T) {
	const content = "same blob twice"
	sha1 := codec.SHA1Hex([]byte(content))

	var fetches int32
	repo := mustRepo(t, &fetches, content)
	cache := blobcache.New(t.TempDir())

	f := NewFetcher(repo, cache, nil, 4)
	if err := f.PrefetchBlobs(context.Background(), []string{sha1, sha1, sha1}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("expected exactly one fetch for a sha1 listed three times, got %d", got)
	}
	if !cache.Has(sha1) {
		t.Fatal("expected blob to be cached")
	}
}
