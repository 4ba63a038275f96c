// Package codec implements the deterministic JSON encoding used for content
// identity (canonical), human-facing logs (pretty), and POST bodies
// (transport). See spec §4.1: canonical encoding is the only one ever used
// for hashing; transport saves client-side CPU on POST bodies because the
// server re-hashes server-side — never use it for hashing.
package codec

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"regexp"
)

// NullSHA1 is the distinguished all-zero SHA-1 meaning "no blob" in the
// idversion-0 object wire format.
const NullSHA1 = "0000000000000000000000000000000000000000"

var sha1Pattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// IsSHA1 reports whether s looks like a 40-char lowercase hex SHA-1.
func IsSHA1(s string) bool {
	return sha1Pattern.MatchString(s)
}

// Canonical encodes v deterministically: UTF-8, no \uXXXX escaping, object
// keys sorted byte-wise ascending, compact separators, no trailing newline.
// v is round-tripped through a generic JSON value first so that map key
// ordering is normalized regardless of how v produces its raw JSON (Go's
// encoding/json already emits map[string]any keys in sorted order; this
// forces that path even for types with a custom, field-order-preserving
// MarshalJSON).
func Canonical(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Pretty encodes v the same way as Canonical but two-space indented with a
// trailing newline, for human-facing logs only. Never hash this form.
func Pretty(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Transport encodes v without forcing key order, for POST bodies: the
// server re-hashes server-side, so paying for a sort here is wasted CPU.
// Never use Transport's output for computing identity.
func Transport(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// SHA1Hex returns the lowercase hex SHA-1 digest of b.
func SHA1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// ContentID returns the SHA-1 identity of v's canonical encoding.
func ContentID(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return SHA1Hex(b), nil
}

// envelopeKeys are transport-only auxiliary fields that must never
// participate in canonical encoding/hashing.
var envelopeKeys = map[string]bool{
	"_id":        true,
	"_idversion": true,
	"errata":     true,
}

// StripEnvelope removes transport-envelope keys from a decoded JSON object
// in place, returning m for convenience.
func StripEnvelope(m map[string]any) map[string]any {
	for k := range envelopeKeys {
		delete(m, k)
	}
	return m
}
