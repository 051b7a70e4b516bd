// Package apperr defines the failure kinds returned by the reservation and
// payment services. Callers branch on Kind to decide between retry and abort.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindInvalidRange        Kind = "invalid_range"
	KindInvalidInput        Kind = "invalid_input"
	KindNotFound            Kind = "not_found"
	KindUnavailable         Kind = "unavailable"
	KindConflict            Kind = "conflict"
	KindInvalidState        Kind = "invalid_state"
	KindAlreadyPaid         Kind = "already_paid"
	KindProviderRejected    Kind = "provider_rejected"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindTimeout             Kind = "timeout"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindInternal            Kind = "internal"
)

// Error is a classified failure with a human readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the classified message, falling back to err.Error().
func Message(err error) string {
	var target *Error
	if errors.As(err, &target) && target.Message != "" {
		return target.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsRetryable reports whether the same request may succeed if repeated.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindStoreUnavailable, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

func InvalidRange(format string, args ...interface{}) *Error {
	return New(KindInvalidRange, format, args...)
}

func InvalidInput(format string, args ...interface{}) *Error {
	return New(KindInvalidInput, format, args...)
}

func NotFound(resource, id string) *Error {
	return New(KindNotFound, "%s %s not found", resource, id)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func InvalidState(format string, args ...interface{}) *Error {
	return New(KindInvalidState, format, args...)
}
