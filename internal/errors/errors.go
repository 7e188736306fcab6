// Package errors defines the coded application errors shared by the
// progression engine, the store and the command shell.
package errors

import (
	"errors"
	"fmt"
)

// Standard error codes for the application.
const (
	CodeUnknown      = "UNKNOWN"
	CodeDatabase     = "DATABASE"
	CodeValidation   = "VALIDATION"
	CodeConflict     = "CONFLICT"
	CodeIntegrity    = "INTEGRITY"
	CodeNotFound     = "NOT_FOUND"
	CodeConfig       = "CONFIG"
	CodeUnauthorized = "UNAUTHORIZED"
)

var (
	// ErrConcurrencyConflict is returned when a versioned ledger write lost
	// a race with another writer. Callers re-read and retry.
	ErrConcurrencyConflict = errors.New("concurrent modification")

	// ErrDataIntegrity marks persisted data that violates an invariant the
	// store is supposed to enforce, such as two tiers at one level.
	ErrDataIntegrity = errors.New("data integrity fault")

	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("not found")
)

// ApplicationError is the interface that all our custom errors implement.
type ApplicationError interface {
	error
	Code() string
	Unwrap() error
}

// Error is the concrete coded error.
type Error struct {
	code    string
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() string { return e.code }

func (e *Error) Unwrap() error { return e.err }

// Code returns the code of the first ApplicationError in err's chain,
// or CodeUnknown if it has none.
func Code(err error) string {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		return CodeConflict
	case errors.Is(err, ErrDataIntegrity):
		return CodeIntegrity
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	}
	return CodeUnknown
}

func newError(code, message string, cause error) error {
	return &Error{code: code, message: message, err: cause}
}

func NewDatabaseError(message string, cause error) error {
	return newError(CodeDatabase, message, cause)
}

func NewValidationError(message string, cause error) error {
	return newError(CodeValidation, message, cause)
}

// NewConflictError wraps cause as a CONFLICT. When cause is nil the error
// still matches ErrConcurrencyConflict.
func NewConflictError(message string, cause error) error {
	if cause == nil {
		cause = ErrConcurrencyConflict
	}
	return newError(CodeConflict, message, cause)
}

// NewIntegrityError wraps cause as an INTEGRITY fault. When cause is nil the
// error still matches ErrDataIntegrity.
func NewIntegrityError(message string, cause error) error {
	if cause == nil {
		cause = ErrDataIntegrity
	}
	return newError(CodeIntegrity, message, cause)
}

func NewNotFoundError(message string) error {
	return newError(CodeNotFound, message, ErrNotFound)
}

func NewConfigError(message string, cause error) error {
	return newError(CodeConfig, message, cause)
}

func NewUnauthorizedError(message string) error {
	return newError(CodeUnauthorized, message, nil)
}

// IsValidation reports whether err carries the VALIDATION code.
func IsValidation(err error) bool { return Code(err) == CodeValidation }
