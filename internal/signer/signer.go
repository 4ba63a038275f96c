// Package signer implements the nog-v1 query-string request signature
// (spec §4.2): a HMAC-SHA256 over the method and path+query, with the auth
// parameters themselves appended to the query before signing (all but the
// signature itself).
//
// The auth parameters are appended in a fixed order — authalgorithm,
// authkeyid, authdate, authexpires, authnonce — and that exact order is
// part of the signed string. url.Values.Encode always sorts alphabetically,
// which would reorder authkeyid after authdate, so the query string is
// built by hand instead of going through url.Values.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

const (
	algorithm     = "nog-v1"
	dateLayout    = "2006-01-02T150405Z"
	defaultExpiry = 600
)

// Credentials identifies the signing key pair.
type Credentials struct {
	KeyID     string
	SecretKey string
}

// Sign appends nog-v1 auth query parameters to req.URL and signs it in
// place. now should be the current UTC time; callers must pass a fresh
// value (and thus a fresh nonce) on every attempt, including retries —
// spec §4.2 requires nonces to differ across closely-spaced retries or the
// server rejects the request.
func Sign(req *http.Request, creds Credentials, now time.Time) error {
	if creds.KeyID == "" || creds.SecretKey == "" {
		return fmt.Errorf("signer: missing credentials")
	}

	nonce, err := nonceHex()
	if err != nil {
		return err
	}

	sep := "?"
	path := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		sep = "&"
		path = path + "?" + req.URL.RawQuery
	}

	suffix := fmt.Sprintf("%sauthalgorithm=%s&authkeyid=%s&authdate=%s&authexpires=%d&authnonce=%s",
		sep, algorithm, url.QueryEscape(creds.KeyID), now.UTC().Format(dateLayout), defaultExpiry, nonce)

	stringToSign := req.Method + "\n" + path + suffix + "\n"
	mac := hmac.New(sha256.New, []byte(creds.SecretKey))
	mac.Write([]byte(stringToSign))
	signature := hex.EncodeToString(mac.Sum(nil))

	if req.URL.RawQuery != "" {
		req.URL.RawQuery += "&"
	}
	req.URL.RawQuery += fmt.Sprintf("authalgorithm=%s&authkeyid=%s&authdate=%s&authexpires=%d&authnonce=%s&authsignature=%s",
		algorithm, url.QueryEscape(creds.KeyID), now.UTC().Format(dateLayout), defaultExpiry, nonce, signature)

	return nil
}

// nonceHex returns 40 random bits (5 bytes) as hex, drawn from a fresh
// UUIDv4's random bytes so the nonce source is cryptographically random
// without a second RNG dependency.
func nonceHex() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("signer: generating nonce: %w", err)
	}
	b := id[:5]
	return hex.EncodeToString(b), nil
}
