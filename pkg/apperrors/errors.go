// Package apperrors provides the typed error taxonomy shared by every layer
// of the karaoke room system. Errors carry a stable code, a participant-facing
// message and the HTTP status they map to at the API boundary.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a structured application error.
type Error struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	HTTPStatus int         `json:"-"`
	Details    interface{} `json:"details,omitempty"`
	Err        error       `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage returns a copy carrying a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	clone := *e
	clone.Message = msg
	return &clone
}

// WithMessagef is WithMessage with fmt.Sprintf semantics.
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy carrying structured details.
func (e *Error) WithDetails(details interface{}) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// WithError returns a copy wrapping a cause.
func (e *Error) WithError(err error) *Error {
	clone := *e
	clone.Err = err
	return &clone
}

// New creates a new Error.
func New(code, message string, httpStatus int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Error codes.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeInvalidOperation    = "INVALID_OPERATION"
	CodeConflict            = "CONFLICT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
)

var (
	// ErrNotFound covers absent rooms, queue entries and songs.
	ErrNotFound = New(CodeNotFound, "Resource not found", http.StatusNotFound)
	// ErrInvalidArgument covers structurally malformed requests.
	ErrInvalidArgument = New(CodeInvalidArgument, "Invalid request", http.StatusBadRequest)
	// ErrInvalidOperation covers semantically disallowed state transitions,
	// such as reordering the currently playing song.
	ErrInvalidOperation = New(CodeInvalidOperation, "Operation not allowed in current state", http.StatusConflict)
	// ErrConflict covers room-code collisions and concurrent-write conflicts.
	// Callers retry these internally before surfacing anything else.
	ErrConflict = New(CodeConflict, "Write conflict", http.StatusConflict)
	// ErrRateLimited covers exhausted search quota.
	ErrRateLimited = New(CodeRateLimited, "Too many requests, try again shortly", http.StatusTooManyRequests)
	// ErrUpstreamUnavailable covers storage or search provider failures that
	// survived the retry budget.
	ErrUpstreamUnavailable = New(CodeUpstreamUnavailable, "Service temporarily unavailable, try again", http.StatusServiceUnavailable)
)

// Is reports whether err carries the same code as target.
func Is(err error, target *Error) bool {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == target.Code
}

// HTTPStatus returns the status an error maps to; unknown errors are 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	return appErr.HTTPStatus
}

// Code returns the error code; unknown errors report as internal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		return "INTERNAL_ERROR"
	}
	return appErr.Code
}

// Message returns the user-facing message without the code prefix or any
// wrapped cause; unknown errors get a generic message.
func Message(err error) string {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return "Internal server error"
	}
	return appErr.Message
}
