// Package httpclient provides the signed, retrying HTTP envelope used for
// every call to the control-plane API (spec §4.2, §4.8, §7). Retries are
// driven by hashicorp/go-retryablehttp; the nog-v1 signature is applied by
// a RoundTripper so every retry attempt gets a fresh nonce and timestamp,
// per spec §4.2 ("nonces must differ across closely-spaced retries").
package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nogproject/nog/internal/nogerr"
	"github.com/nogproject/nog/internal/signer"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Credentials signer.Credentials
	MaxRetries  int           // default 5, per spec §6 NOG_MAX_RETRIES
	ConnTimeout time.Duration // default 3s
	ReadTimeout time.Duration // default 27s for control calls
}

// Client is a signed, retrying HTTP client for the nog control-plane API.
type Client struct {
	BaseURL string
	rhc     *retryablehttp.Client
}

// New constructs a Client from cfg, filling in spec-mandated defaults.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 3 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 27 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnTimeout,
		}).DialContext,
	}

	rhc := retryablehttp.NewClient()
	rhc.RetryMax = cfg.MaxRetries
	rhc.Logger = slogAdapter{}
	rhc.HTTPClient = &http.Client{
		Timeout:   cfg.ConnTimeout + cfg.ReadTimeout,
		Transport: &signingTransport{inner: transport, creds: cfg.Credentials},
	}

	return &Client{BaseURL: cfg.BaseURL, rhc: rhc}
}

// Do sends a request with method/path (relative to BaseURL) and an
// optional body, returning the parsed response body as bytes alongside the
// status code. A non-2xx status is not an error here: it is returned as the
// status code with a nil error, and callers inspect it themselves. Only a
// failed request or body read yields a *nogerr.Error of kind Transport.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	resp, err := c.DoRaw(ctx, method, path, body)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, nogerr.New("httpclient.Do", nogerr.Transport, err)
	}
	return resp.StatusCode, data, nil
}

// DoRaw sends a request and returns the raw *http.Response for callers that
// need to stream the body (e.g. blob downloads) or inspect headers.
func (c *Client) DoRaw(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	return c.doURL(ctx, method, c.BaseURL+path, body)
}

// DoAbsolute sends a request against a full URL rather than a BaseURL-
// relative path, for following server-provided pagination/upload links
// (e.g. parts.next) that are not under BaseURL.
func (c *Client) DoAbsolute(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	return c.doURL(ctx, method, url, body)
}

func (c *Client) doURL(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reqBody io.ReadSeeker
	if body != nil {
		reqBody = &bytesReaderCloser{b: body}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, nogerr.New("httpclient.DoRaw", nogerr.Transport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.rhc.Do(req)
	if err != nil {
		return nil, nogerr.New("httpclient.DoRaw", nogerr.Transport, err)
	}
	return resp, nil
}

// signingTransport signs every outgoing request attempt with a fresh nonce
// and timestamp, then delegates to inner.
type signingTransport struct {
	inner http.RoundTripper
	creds signer.Credentials
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	signed := req.Clone(req.Context())
	if err := signer.Sign(signed, t.creds, time.Now()); err != nil {
		return nil, err
	}
	return t.inner.RoundTrip(signed)
}

type bytesReaderCloser struct {
	b   []byte
	off int
}

func (r *bytesReaderCloser) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}

func (r *bytesReaderCloser) Seek(offset int64, whence int) (int64, error) {
	var base int
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.off
	case io.SeekEnd:
		base = len(r.b)
	}
	r.off = base + int(offset)
	return int64(r.off), nil
}

// slogAdapter routes retryablehttp's internal logging through slog.
type slogAdapter struct{}

func (slogAdapter) Printf(format string, args ...any) {
	slog.Debug(fmt.Sprintf(format, args...))
}
