// Package errors defines the pipeline's error taxonomy. Every failure that
// crosses a component boundary wraps one of the sentinels below so callers can
// branch with errors.Is, and AppError carries an HTTP status for the API.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient marks network timeouts, resets and upstream 5xx/429.
	// Retried with backoff.
	ErrTransient = errors.New("transient upstream failure")
	// ErrParse marks a malformed page or record. The record is skipped.
	ErrParse = errors.New("parse failure")
	// ErrValidation marks a missing or invalid canonical field.
	ErrValidation = errors.New("validation failure")
	// ErrConflict marks a uniqueness violation or a held lock.
	ErrConflict = errors.New("conflict")
	// ErrFatal aborts a session.
	ErrFatal = errors.New("fatal pipeline failure")

	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("operation timed out")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTerminal          = errors.New("session is in a terminal state")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternal          = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Wrap attaches a sentinel to an underlying cause while keeping both
// reachable through errors.Is.
func Wrap(sentinel error, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%s: %w", msg, sentinel)
	}
	return fmt.Errorf("%s: %w: %w", msg, sentinel, cause)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Classify returns a short stable label for err, used as the error type on
// audit log entries and as a metrics label. A fatal error is labelled fatal
// whatever it wraps.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFatal):
		return "fatal"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminal):
		return "state"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}
