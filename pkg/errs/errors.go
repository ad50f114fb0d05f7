package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for API mapping and programmatic checks
type Kind string

const (
	KindAlreadyExists         Kind = "already_exists"
	KindMissingData           Kind = "missing_data"
	KindInvalidTransition     Kind = "invalid_transition"
	KindStaleClaim            Kind = "stale_claim"
	KindAuthenticationFailure Kind = "authentication_failure"
	KindAuthorizationDenied   Kind = "authorization_denied"
	KindMalformedRequest      Kind = "malformed_request"
	KindInternal              Kind = "internal_error"
)

// Error is the common error type for all server components
type Error struct {
	Kind    Kind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewAlreadyExists reports a name or identity collision
func NewAlreadyExists(format string, args ...interface{}) *Error {
	return newError(KindAlreadyExists, format, args...)
}

// NewMissingData reports a target row that was not found
func NewMissingData(format string, args ...interface{}) *Error {
	return newError(KindMissingData, format, args...)
}

// NewInvalidTransition reports a status write rejected by the state machine
func NewInvalidTransition(format string, args ...interface{}) *Error {
	return newError(KindInvalidTransition, format, args...)
}

// NewStaleClaim reports a returned result whose claim token is no longer current
func NewStaleClaim(format string, args ...interface{}) *Error {
	return newError(KindStaleClaim, format, args...)
}

// NewAuthenticationFailure reports invalid or expired credentials
func NewAuthenticationFailure(format string, args ...interface{}) *Error {
	return newError(KindAuthenticationFailure, format, args...)
}

// NewAuthorizationDenied reports a policy rejection
func NewAuthorizationDenied(format string, args ...interface{}) *Error {
	return newError(KindAuthorizationDenied, format, args...)
}

// NewMalformedRequest reports a body or argument that failed validation
func NewMalformedRequest(format string, args ...interface{}) *Error {
	return newError(KindMalformedRequest, format, args...)
}

// NewInternal reports an unexpected condition
func NewInternal(format string, args ...interface{}) *Error {
	return newError(KindInternal, format, args...)
}

// Wrap attaches an underlying cause to the error
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
