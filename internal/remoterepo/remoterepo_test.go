package remoterepo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nogproject/nog/internal/entrycache"
	"github.com/nogproject/nog/internal/httpclient"
	"github.com/nogproject/nog/internal/model"
	"github.com/nogproject/nog/internal/nogerr"
	"github.com/nogproject/nog/internal/signer"
)

func newTestRepo(t *testing.T, handler http.HandlerFunc) (*Repo, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client := httpclient.New(httpclient.Config{
		BaseURL:     srv.URL + "/api",
		Credentials: signer.Credentials{KeyID: "k", SecretKey: "s"},
		MaxRetries:  1,
	})
	cache := entrycache.New(entrycache.NewMemCache(), entrycache.NewDiskCache(t.TempDir()))
	known := entrycache.NewRepoKnownSet()
	return New(client, "alice/repo", cache, known, ErrataError), srv
}

func TestGetRefNotFound(t *testing.T) {
	repo, srv := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	_, err := repo.GetRef(context.Background(), "branches/master")
	if !nogerr.Is(err, nogerr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestGetRefSuccess(t *testing.T) {
	repo, srv := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"entry": map[string]any{"sha1": "a" + zeros(39)}})
	})
	defer srv.Close()

	sha1, err := repo.GetRef(context.Background(), "branches/master")
	if err != nil {
		t.Fatal(err)
	}
	if sha1 != "a"+zeros(39) {
		t.Fatalf("got %q", sha1)
	}
}

func TestUpdateRefCASConflict(t *testing.T) {
	repo, srv := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	defer srv.Close()

	err := repo.UpdateRef(context.Background(), "branches/master", "new", "old")
	if !nogerr.Is(err, nogerr.CASConflict) {
		t.Fatalf("expected CASConflict, got %v", err)
	}
}

func TestStatMarksExistsKnown(t *testing.T) {
	repo, srv := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"entries": []map[string]any{
					{"type": "objects", "sha1": "aaaa", "status": "exists"},
					{"type": "objects", "sha1": "bbbb", "status": "missing"},
				},
			},
		})
	})
	defer srv.Close()

	result, err := repo.Stat(context.Background(), []model.EntryRef{
		{Type: model.TypeObject, SHA1: "aaaa"},
		{Type: model.TypeObject, SHA1: "bbbb"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result["aaaa"] != StatExists || result["bbbb"] != StatMissing {
		t.Fatalf("unexpected stat result: %#v", result)
	}
	if !repo.Known("aaaa") {
		t.Fatal("expected aaaa marked known after exists status")
	}
	if repo.Known("bbbb") {
		t.Fatal("missing status must not be marked known")
	}
}

func TestPostBulkMismatchDetected(t *testing.T) {
	repo, srv := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"entries": []map[string]any{
					{"type": "objects", "sha1": "aaaa"},
				},
			},
		})
	})
	defer srv.Close()

	_, err := repo.PostBulk(context.Background(), []BulkItem{
		{Type: model.TypeObject, Content: map[string]any{"name": "x"}},
		{Type: model.TypeObject, Content: map[string]any{"name": "y"}},
	})
	if !nogerr.Is(err, nogerr.BulkMismatch) {
		t.Fatalf("expected BulkMismatch, got %v", err)
	}
}

// TestGetObjectV0RoundTrip guards against a v0 object's text being
// clobbered on fetch: the server sends no "text" key for a v0 object, the
// real payload lives in meta["content"], and Object starts life at
// idversion 1 with no Text set.
func TestGetObjectV0RoundTrip(t *testing.T) {
	repo, srv := newTestRepo(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"name": "foo",
				"meta": map[string]any{"content": "text"},
				"blob": "0000000000000000000000000000000000000000",
			},
		})
	})
	defer srv.Close()

	o, err := repo.GetObject(context.Background(), "a"+zeros(39))
	if err != nil {
		t.Fatal(err)
	}
	if o.IDVersion() != 0 {
		t.Fatalf("expected idversion 0, got %d", o.IDVersion())
	}
	if o.Text() != "text" {
		t.Fatalf("v0 object text corrupted on fetch: got %q, want %q", o.Text(), "text")
	}
	content, err := o.Content()
	if err != nil {
		t.Fatal(err)
	}
	if content["meta"].(map[string]any)["content"] != "text" {
		t.Fatalf("meta.content corrupted: %#v", content["meta"])
	}
}

func zeros(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}
