// Package apperr defines the typed error kinds surfaced across the
// admission, session and dashboard layers so the API can map them to
// stable HTTP statuses without string-matching error text.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindCredentialInvalid   Kind = "credential_invalid"
	KindIdentityMismatch    Kind = "identity_mismatch"
	KindSessionNotFound     Kind = "session_not_found"
	KindSessionEnded        Kind = "session_ended"
	KindBatchTooLarge       Kind = "batch_too_large"
	KindRateLimited         Kind = "rate_limited"
	KindTimestampOutOfRange Kind = "timestamp_out_of_range"
	KindDuplicate           Kind = "duplicate"
	KindPayloadInvalid      Kind = "payload_invalid"
	KindInternal            Kind = "internal_error"
)

// Error is an application-level failure carrying a stable Kind clients
// can key their handling off, plus an optional wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// E constructs a typed error. cause may be nil.
func E(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Msg constructs a typed error with a human-readable message and no cause.
func Msg(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// errors that were never tagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
