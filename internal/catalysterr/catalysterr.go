// Package catalysterr gives every fallible Catalyst operation a tagged
// error value instead of exceptions: a stable Code for callers to switch
// on, a human Message, optional Details, and a Retryable flag infra
// callers can trust. Domain/infra classification underneath rides on
// github.com/containerd/errdefs sentinels so errors.Is still works against
// the classification the store and IdP layers already use.
package catalysterr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Error is the tagged-result error value described in spec §7.
type Error struct {
	Code      string
	Message   string
	Details   any
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a domain error (not retryable by default).
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an error around an existing cause, preserving errors.Is/As.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured details and returns the same error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// AsRetryable marks the error as safe to retry and returns the same error.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// NotFound wraps errdefs.ErrNotFound so store layers can return a single
// sentinel-compatible error for "no such record".
func NotFound(what string, cause error) *Error {
	if cause == nil {
		cause = errdefs.ErrNotFound
	} else {
		cause = fmt.Errorf("%s: %w", cause, errdefs.ErrNotFound)
	}
	return Wrap("not_found", what+" not found", cause)
}

// AlreadyExists wraps errdefs.ErrAlreadyExists for uniqueness violations
// (duplicate key id/hash, duplicate org slug, ...).
func AlreadyExists(what string) *Error {
	return Wrap("already_exists", what+" already exists", errdefs.ErrAlreadyExists)
}

// InvalidArgument wraps errdefs.ErrInvalidArgument for validation failures.
func InvalidArgument(message string) *Error {
	return Wrap("invalid_argument", message, errdefs.ErrInvalidArgument)
}

// Unavailable wraps errdefs.ErrUnavailable for transient infra failures
// (network errors, 5xx upstream, timeouts). Always retryable.
func Unavailable(message string, cause error) *Error {
	e := Wrap("unavailable", message, fmt.Errorf("%w: %w", errdefs.ErrUnavailable, cause))
	return e.AsRetryable()
}

// FailedPrecondition wraps errdefs.ErrFailedPrecondition for state-machine
// violations (e.g. claiming a delivery that is no longer pending).
func FailedPrecondition(message string) *Error {
	return Wrap("failed_precondition", message, errdefs.ErrFailedPrecondition)
}

// IsNotFound reports whether err (or its cause chain) is a not-found error.
func IsNotFound(err error) bool { return errdefs.IsNotFound(err) }

// IsAlreadyExists reports whether err (or its cause chain) is a
// uniqueness-violation error.
func IsAlreadyExists(err error) bool { return errdefs.IsAlreadyExists(err) }

// IsInvalidArgument reports whether err is a validation error.
func IsInvalidArgument(err error) bool { return errdefs.IsInvalidArgument(err) }

// Retryable reports whether err carries a Retryable Error, or is otherwise
// classified as retryable infrastructure failure by errdefs.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errdefs.IsUnavailable(err)
}

// CodeOf extracts the Code of a catalysterr.Error, or "" if err is not one.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
