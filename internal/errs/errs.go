// Package errs defines the error kinds used across Heimdall's ingestion and
// cleaning pipeline. Components classify failures into one of these kinds
// so that logging and propagation policy stay uniform: every error is
// localized to the smallest meaningful unit (record, catalog entry, or
// batch) and never aborts more than that unit, except fatal setup errors.
package errs

import "errors"

// Kind is a coarse classification of a pipeline error, used as a structured
// logging field (error_kind) and to decide retry/propagation behavior.
type Kind string

const (
	KindTransientUpstream Kind = "TransientUpstream"
	KindPermanentUpstream Kind = "PermanentUpstream"
	KindEmptyResultSet    Kind = "EmptyResultSet"
	KindRateLimited       Kind = "RateLimited"
	KindStorageFailure    Kind = "StorageFailure"
	KindExtractionFailure Kind = "ExtractionFailure"
	KindCancelled         Kind = "Cancelled"
	KindValidation        Kind = "Validation"
)

// Error wraps an underlying error with a Kind so callers can classify it
// without relying on type switches across package boundaries.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds a classified error from a plain message.
func Newf(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns an empty Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

var (
	// ErrEmptyResultSet signals an upstream success with zero items.
	ErrEmptyResultSet = New(KindEmptyResultSet, errors.New("empty result set"))
	// ErrCancelled signals a caller-initiated cancellation of an in-flight operation.
	ErrCancelled = New(KindCancelled, errors.New("operation cancelled"))
)
