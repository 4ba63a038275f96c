package signer

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func mustRequest(t *testing.T, method, rawurl string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, rawurl, nil)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestSignAppendsParamsInOrder(t *testing.T) {
	req := mustRequest(t, http.MethodGet, "https://example.com/api/v1/repos/a/b/db/refs/branches%2Fmaster")
	creds := Credentials{KeyID: "key1", SecretKey: "s3cr3t"}
	now := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := Sign(req, creds, now); err != nil {
		t.Fatal(err)
	}

	q := req.URL.RawQuery
	wantOrder := []string{"authalgorithm=", "authkeyid=", "authdate=", "authexpires=", "authnonce=", "authsignature="}
	last := -1
	for _, want := range wantOrder {
		idx := strings.Index(q, want)
		if idx < 0 {
			t.Fatalf("missing %q in query %q", want, q)
		}
		if idx <= last {
			t.Fatalf("param %q out of order in query %q", want, q)
		}
		last = idx
	}

	if !strings.Contains(q, "authdate=2020-01-02T030405Z") {
		t.Fatalf("unexpected authdate in query %q", q)
	}
	if !strings.Contains(q, "authalgorithm=nog-v1") {
		t.Fatalf("missing authalgorithm in query %q", q)
	}
}

func TestSignNoncesDifferAcrossCalls(t *testing.T) {
	creds := Credentials{KeyID: "key1", SecretKey: "s3cr3t"}
	now := time.Now()

	req1 := mustRequest(t, http.MethodGet, "https://example.com/x")
	req2 := mustRequest(t, http.MethodGet, "https://example.com/x")

	if err := Sign(req1, creds, now); err != nil {
		t.Fatal(err)
	}
	if err := Sign(req2, creds, now); err != nil {
		t.Fatal(err)
	}

	if req1.URL.RawQuery == req2.URL.RawQuery {
		t.Fatal("expected distinct nonces/signatures across signing calls")
	}
}

func TestSignMissingCredentials(t *testing.T) {
	req := mustRequest(t, http.MethodGet, "https://example.com/x")
	if err := Sign(req, Credentials{}, time.Now()); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestSignPreservesExistingQuery(t *testing.T) {
	req := mustRequest(t, http.MethodGet, "https://example.com/api/v1/repos/a/b/db/trees/deadbeef?expand=2")
	creds := Credentials{KeyID: "key1", SecretKey: "s3cr3t"}

	if err := Sign(req, creds, time.Now()); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(req.URL.RawQuery, "expand=2&authalgorithm=") {
		t.Fatalf("expected original query preserved before auth params, got %q", req.URL.RawQuery)
	}
}
