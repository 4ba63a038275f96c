package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nogproject/nog/internal/signer"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return New(Config{
		BaseURL:     srv.URL,
		Credentials: signer.Credentials{KeyID: "kid", SecretKey: "secret"},
		MaxRetries:  1,
	})
}

func TestDoSignsEveryRequest(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	status, body, err := c.Do(context.Background(), http.MethodGet, "/v1/ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || string(body) != "ok" {
		t.Fatalf("status=%d body=%q", status, body)
	}
	for _, want := range []string{"authalgorithm=", "authkeyid=kid", "authdate=", "authexpires=600", "authnonce=", "authsignature="} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestDoPostsBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	status, _, err := c.Do(context.Background(), http.MethodPost, "/v1/things", []byte(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusCreated {
		t.Fatalf("status=%d", status)
	}
	if gotBody != `{"a":1}` {
		t.Fatalf("body=%q", gotBody)
	}
}

func TestDoAbsoluteIgnoresBaseURL(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/elsewhere" {
			hit = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL:     "http://example.invalid",
		Credentials: signer.Credentials{KeyID: "kid", SecretKey: "secret"},
		MaxRetries:  1,
	})
	resp, err := c.DoAbsolute(context.Background(), http.MethodGet, srv.URL+"/elsewhere", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !hit {
		t.Fatal("expected request to hit the absolute URL, not BaseURL")
	}
}

