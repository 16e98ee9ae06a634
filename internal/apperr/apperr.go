// Package apperr defines the typed failures returned by the broker's core
// services. The HTTP layer maps codes to status codes; everything below it
// only produces and inspects codes.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeForbidden    Code = "forbidden"
	CodeUpstream     Code = "upstream_failure"
	CodeUnauthorized Code = "unauthorized"
	CodeBadRequest   Code = "bad_request"
	CodeInternal     Code = "internal_error"
)

// Reason refines CodeForbidden.
type Reason string

const (
	// ReasonAccessDenied means the user never held a grant for the secret.
	ReasonAccessDenied Reason = "access_denied"
	// ReasonAccessExpired means every grant the user held has lapsed.
	ReasonAccessExpired Reason = "access_expired"
)

// Error is a classified failure with a client-safe message.
type Error struct {
	Code    Code
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error without a cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap classifies err.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Forbidden creates a CodeForbidden error with a reason.
func Forbidden(reason Reason, msg string) *Error {
	return &Error{Code: CodeForbidden, Reason: reason, Message: msg}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err is classified with code.
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
