package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the platform taxonomy. Every error that
// crosses a package boundary carries a Kind so callers can decide whether to
// retry, degrade, or surface it.
type Kind string

const (
	KindAuth          Kind = "auth"
	KindPermission    Kind = "permission"
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation"
	KindTimeout       Kind = "timeout"
	KindRateLimit     Kind = "rate_limit"
	KindDependency    Kind = "dependency"
	KindContentFilter Kind = "content_filter"
	KindConflict      Kind = "conflict"
	KindInternal      Kind = "internal"
)

// Error is the classified error type used across service boundaries.
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError // populated for validation errors
	Err     error
}

// FieldError names one offending field in a validation error.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E creates a classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates a classified error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr wraps err with a kind and message, preserving the chain.
func WrapErr(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ValidationError builds a validation error with a structured field list.
func ValidationError(message string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether an error kind is safe to retry.
// Timeouts, rate limits, and transient dependency failures qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRateLimit, KindDependency:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the HTTP status code used by the API surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindDependency:
		return http.StatusBadGateway
	case KindContentFilter:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode constants for the API error envelope.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeDependency    = "DEPENDENCY_ERROR"
	ErrCodeContentFilter = "CONTENT_FILTERED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ErrorCodeFor maps a Kind to its wire-level error code.
func ErrorCodeFor(kind Kind) string {
	switch kind {
	case KindAuth:
		return ErrCodeUnauthorized
	case KindPermission:
		return ErrCodeForbidden
	case KindNotFound:
		return ErrCodeNotFound
	case KindValidation:
		return ErrCodeInvalidInput
	case KindTimeout:
		return ErrCodeTimeout
	case KindRateLimit:
		return ErrCodeRateLimited
	case KindDependency:
		return ErrCodeDependency
	case KindContentFilter:
		return ErrCodeContentFilter
	case KindConflict:
		return ErrCodeConflict
	default:
		return ErrCodeInternalError
	}
}
