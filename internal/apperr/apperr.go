// Package apperr defines the closed error taxonomy surfaced by the control
// API, mapping each kind to the HTTP status it renders as.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error kinds the system can surface to a
// caller.
type Kind string

const (
	MissingField       Kind = "missing_field"
	Unauthenticated    Kind = "unauthenticated"
	Unauthorized       Kind = "unauthorized"
	NotFound           Kind = "not_found"
	RateLimited        Kind = "rate_limited"
	ProvisioningFailed Kind = "provisioning_failed"
	UnhealthyState     Kind = "unhealthy_state"
	Timeout            Kind = "timeout"
	DestroyFailed      Kind = "destroy_failed"
	LedgerError        Kind = "ledger_error"
	UnknownJob         Kind = "unknown_job"
	Internal           Kind = "internal_error"
)

// statusFor maps each Kind to its canonical HTTP status.
var statusFor = map[Kind]int{
	MissingField:       http.StatusBadRequest,
	Unauthenticated:    http.StatusUnauthorized,
	Unauthorized:       http.StatusForbidden,
	NotFound:           http.StatusNotFound,
	RateLimited:        http.StatusTooManyRequests,
	ProvisioningFailed: http.StatusInternalServerError,
	UnhealthyState:     http.StatusInternalServerError,
	Timeout:            http.StatusInternalServerError,
	DestroyFailed:      http.StatusInternalServerError,
	LedgerError:        http.StatusInternalServerError,
	UnknownJob:         http.StatusBadRequest,
	Internal:           http.StatusInternalServerError,
}

// Error is a taxonomy-tagged error. It wraps an underlying cause while
// carrying a Kind that the HTTP layer can map to a status code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the canonical status code for this error's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := statusFor[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusFor returns the HTTP status for err, defaulting to 500 for
// untagged errors.
func StatusFor(err error) int {
	if e, ok := As(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
