package run

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// Error kinds surfaced by a run.
var (
	ErrTransientUnit    = errors.New("transient unit failure")
	ErrPermanentUnit    = errors.New("permanent unit failure")
	ErrPhaseValidation  = errors.New("phase validation failure")
	ErrCheckpointWrite  = errors.New("checkpoint write failure")
	ErrRecoveryMismatch = errors.New("recovery mismatch")
)

// Error locates a failure within a run.
type Error struct {
	Kind    error
	Phase   Phase
	Unit    unit.ID
	Message string
}

func (e *Error) Error() string {
	loc := string(e.Phase)
	if e.Unit != "" {
		loc += "/" + string(e.Unit)
	}
	return fmt.Sprintf("%v: %s: %s", e.Kind, loc, e.Message)
}

// Unwrap lets errors.Is match the kind sentinel.
func (e *Error) Unwrap() error {
	return e.Kind
}

// UnitError converts a failed outcome into a run error.
func UnitError(p Phase, out unit.Outcome) *Error {
	if out.Failure == nil {
		return nil
	}
	kind := ErrPermanentUnit
	if out.Failure.Kind.Transient() {
		kind = ErrTransientUnit
	}
	return &Error{Kind: kind, Phase: p, Unit: out.Unit, Message: out.Failure.Message}
}
