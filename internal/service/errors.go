// Package service provides business logic for the messaging engine.
package service

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeInvalidArgument  = "invalid_argument"
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

// Error is the engine's error type. Code identifies the failure class;
// Transient marks failures a caller may retry.
type Error struct {
	Code      string
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Transient: code == CodeUnavailable,
	}
}

func invalidArgument(format string, args ...any) *Error {
	return newError(CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func permissionDenied(format string, args ...any) *Error {
	return newError(CodePermissionDenied, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) *Error {
	return newError(CodeNotFound, fmt.Sprintf(format, args...))
}

func unavailable(format string, args ...any) *Error {
	return newError(CodeUnavailable, fmt.Sprintf(format, args...))
}

// AsError extracts an *Error from err, or wraps it as internal.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return newError(CodeInternal, err.Error())
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}
