// Package apperr defines the error kinds shared by the records core.
//
// Every failure returned across a package boundary wraps exactly one kind so
// callers can branch with errors.Is and render a structured reason.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrAuditWrite          = errors.New("audit write failed")
)

// Error carries a kind, a caller-facing reason and an optional cause.
type Error struct {
	Kind   error
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newErr(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: cause}
}

func Validation(format string, args ...any) error {
	return newErr(ErrValidation, nil, format, args...)
}

func Denied(reason string) error {
	return newErr(ErrAuthorizationDenied, nil, "%s", reason)
}

func Conflict(format string, args ...any) error {
	return newErr(ErrConflict, nil, format, args...)
}

func NotFound(format string, args ...any) error {
	return newErr(ErrNotFound, nil, format, args...)
}

// Unavailable marks a retryable failure such as pool exhaustion or a timeout.
func Unavailable(cause error, format string, args ...any) error {
	return newErr(ErrResourceUnavailable, cause, format, args...)
}

// AuditWrite marks a failed attached audit append. It is always fatal to the
// enclosing mutation.
func AuditWrite(cause error, format string, args ...any) error {
	return newErr(ErrAuditWrite, cause, format, args...)
}

// Wrap attaches a kind and reason to an existing error.
func Wrap(kind error, cause error, format string, args ...any) error {
	return newErr(kind, cause, format, args...)
}

// Reason returns the caller-facing reason of err, or its message when err
// does not carry one.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return err.Error()
}

// IsRetryable reports whether the caller may retry err with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrResourceUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps an error kind to the status the HTTP layer returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
