// Package apperror defines the typed failures returned by the admission
// services. Every failure carries a stable machine-readable kind and a
// message that is safe to show to the registrant.
package apperror

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable failure code.
type Kind string

const (
	KindValidation                 Kind = "VALIDATION"
	KindNotFound                   Kind = "NOT_FOUND"
	KindSoldOut                    Kind = "SOLD_OUT"
	KindNotAvailable               Kind = "NOT_AVAILABLE"
	KindInvalidInvite              Kind = "INVALID_INVITE"
	KindInviteExhausted            Kind = "INVITE_EXHAUSTED"
	KindInviteNotYetValid          Kind = "INVITE_NOT_YET_VALID"
	KindInviteExpired              Kind = "INVITE_EXPIRED"
	KindAlreadyRegistered          Kind = "ALREADY_REGISTERED"
	KindInvalidToken               Kind = "INVALID_TOKEN"
	KindTokenExpired               Kind = "TOKEN_EXPIRED"
	KindRateLimited                Kind = "RATE_LIMITED"
	KindCancellationDeadlinePassed Kind = "CANCELLATION_DEADLINE_PASSED"
	KindInternal                   Kind = "INTERNAL"
)

// Error is a typed admission failure.
type Error struct {
	Kind    Kind                // Machine-readable code
	Message string              // User-facing message
	Fields  map[string][]string // Field-keyed problems, validation only
	Cause   error               // Wrapped underlying error, never shown
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind so callers can write
// errors.Is(err, apperror.SoldOut).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Validation creates a validation error with an optional field map.
func Validation(message string, fields map[string][]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// Field creates a validation error for a single field.
func Field(field, message string) *Error {
	return Validation(message, map[string][]string{field: {message}})
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	NotFound                   = New(KindNotFound, "not found")
	SoldOut                    = New(KindSoldOut, "ticket is sold out")
	NotAvailable               = New(KindNotAvailable, "ticket is not on sale")
	InvalidInvite              = New(KindInvalidInvite, "invitation code is invalid")
	InviteExhausted            = New(KindInviteExhausted, "invitation code has been used up")
	InviteNotYetValid          = New(KindInviteNotYetValid, "invitation code is not valid yet")
	InviteExpired              = New(KindInviteExpired, "invitation code has expired")
	AlreadyRegistered          = New(KindAlreadyRegistered, "already registered for this event")
	InvalidToken               = New(KindInvalidToken, "token is invalid")
	TokenExpired               = New(KindTokenExpired, "token has expired")
	RateLimited                = New(KindRateLimited, "too many requests, try again later")
	CancellationDeadlinePassed = New(KindCancellationDeadlinePassed, "cancellation deadline has passed")
)

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns err as *Error, wrapping untyped errors as internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
