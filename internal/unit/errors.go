package unit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies unit failures.
type Kind string

// Transient kinds are retried; every other kind is permanent.
const (
	KindTimeout           Kind = "timeout"
	KindRemoteUnavailable Kind = "remote_unavailable"

	KindInvalidInput   Kind = "invalid_input"
	KindClassification Kind = "classification"
	KindInternal       Kind = "internal"
	KindCancelled      Kind = "cancelled"
)

// Transient reports whether a failure of this kind may succeed on retry.
func (k Kind) Transient() bool {
	return k == KindTimeout || k == KindRemoteUnavailable
}

// Error is a classified unit error.
type Error struct {
	Unit ID
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("unit %s: %s: %v", e.Unit, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable remote failure.
func Transient(err error) error {
	return &Error{Kind: KindRemoteUnavailable, Err: err}
}

// Permanent wraps err as a non-retryable failure of the given kind.
func Permanent(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// InvalidInput is shorthand for Permanent(KindInvalidInput, ...).
func InvalidInput(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Err: fmt.Errorf(format, args...)}
}

// Classify maps an error to a failure kind. Unknown errors are treated as
// remote unavailability since every unit ends in an external call.
func Classify(err error) Kind {
	var ue *Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case err == nil:
		return ""
	case errors.As(err, &ue):
		return ue.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindClassification
	default:
		return KindRemoteUnavailable
	}
}
