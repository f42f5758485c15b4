package vault

import (
	"errors"
	"fmt"
)

// Error taxonomy returned by Service operations. Callers test with errors.Is.
var (
	// ErrValidation marks input rejected before any storage side effect.
	ErrValidation = errors.New("validation failed")

	// ErrIO marks a storage or catalog failure. The operation left no
	// partial state behind and may be retried.
	ErrIO = errors.New("storage failure")

	// ErrNotFound marks an unknown file id.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted marks a blob whose stored bytes no longer match its
	// fingerprint. The blob is flagged and never served.
	ErrCorrupted = errors.New("blob corrupted")

	// ErrTooLarge marks an upload over the configured size limit. It is
	// reported as a ValidationError.
	ErrTooLarge = errors.New("upload too large")
)

// ValidationError names the rejected field.
type ValidationError struct {
	Field  string
	Reason string
	Cause  error // optional, more specific sentinel
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Cause}
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func ioError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
