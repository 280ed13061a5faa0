// Package errors defines the error taxonomy shared by the storage backends
// and the services that consume them. Callers classify failures by kind and
// the transport layer maps kinds to HTTP statuses.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a service error.
type Kind int

const (
	// KindOther is an unclassified failure, including storage failures that
	// do not fit a more specific kind.
	KindOther Kind = iota
	// KindNotFound indicates the target entity does not resolve within the
	// caller's scope.
	KindNotFound
	// KindAlreadyExists indicates a uniqueness or state conflict.
	KindAlreadyExists
	// KindMalformed indicates invalid caller input rejected before any
	// side effect.
	KindMalformed
	// KindConnectionFailed indicates the backing store was unreachable.
	KindConnectionFailed
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindMalformed:
		return "malformed"
	case KindConnectionFailed:
		return "connection_failed"
	default:
		return "other"
	}
}

// Error is a classified service error. It wraps an optional cause.
type Error struct {
	Knd   Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Msg == "" {
			return e.Cause.Error()
		}
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Kind reports the classification of the error.
func (e *Error) Kind() Kind { return e.Knd }

// NotFoundf formats a not-found error.
func NotFoundf(format string, args ...interface{}) error {
	return &Error{Knd: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// AlreadyExistsf formats a conflict error.
func AlreadyExistsf(format string, args ...interface{}) error {
	return &Error{Knd: KindAlreadyExists, Msg: fmt.Sprintf(format, args...)}
}

// Malformedf formats an invalid-input error.
func Malformedf(format string, args ...interface{}) error {
	return &Error{Knd: KindMalformed, Msg: fmt.Sprintf(format, args...)}
}

// ConnectionFailed wraps an unreachable-backend failure.
func ConnectionFailed(err error) error {
	return &Error{Knd: KindConnectionFailed, Msg: "storage unreachable", Cause: err}
}

// Otherf formats an unclassified error.
func Otherf(format string, args ...interface{}) error {
	return &Error{Knd: KindOther, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Knd: kind, Msg: msg, Cause: cause}
}

// KindOf reports the kind of err, unwrapping as needed. Unclassified errors
// report KindOther.
func KindOf(err error) Kind {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Knd
	}
	return KindOther
}

// IsNotFound reports whether err is classified as not found.
func IsNotFound(err error) bool { return err != nil && KindOf(err) == KindNotFound }

// IsAlreadyExists reports whether err is classified as a conflict.
func IsAlreadyExists(err error) bool { return err != nil && KindOf(err) == KindAlreadyExists }

// IsMalformed reports whether err is classified as invalid input.
func IsMalformed(err error) bool { return err != nil && KindOf(err) == KindMalformed }
