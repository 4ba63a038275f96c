// Package nogerr defines the contractual error kinds exchanged across the
// publication engine, the caches, and the credential manager.
package nogerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the contractual error categories from the nog
// wire/cache protocol. Callers should branch on Kind via Is, not on message
// text.
type Kind int

const (
	Unknown Kind = iota
	AuthMissing
	Transport
	CASConflict
	BulkMismatch
	EntryTooLarge
	ETagMismatch
	CacheCorruption
	SHA1Mismatch
	InvalidObject
	UnsupportedIDVersion
	Errata
	NotFound
	Validation
)

func (k Kind) String() string {
	switch k {
	case AuthMissing:
		return "AUTH_MISSING"
	case Transport:
		return "TRANSPORT"
	case CASConflict:
		return "CAS_CONFLICT"
	case BulkMismatch:
		return "BULK_MISMATCH"
	case EntryTooLarge:
		return "ENTRY_TOO_LARGE"
	case ETagMismatch:
		return "ETAG_MISMATCH"
	case CacheCorruption:
		return "CACHE_CORRUPTION"
	case SHA1Mismatch:
		return "SHA1_MISMATCH"
	case InvalidObject:
		return "INVALID_OBJECT"
	case UnsupportedIDVersion:
		return "UNSUPPORTED_IDVERSION"
	case Errata:
		return "ERRATA"
	case NotFound:
		return "NOT_FOUND"
	case Validation:
		return "VALIDATION"
	default:
		return "UNKNOWN"
	}
}

// Error wraps an underlying error with an operation name and a contractual
// Kind, so callers can errors.As into it and branch on Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error for the given kind, wrapping err (which may be nil).
func New(op string, k Kind, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
