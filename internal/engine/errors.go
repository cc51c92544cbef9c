package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/assay/internal/ir"
)

var (
	// ErrUnknownUnit is returned when a unit name is not registered.
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrUnknownConfig is returned when a config id does not resolve for a unit.
	ErrUnknownConfig = errors.New("unknown config")

	// ErrLeaseLost is returned when an outcome cannot be written because the
	// caller no longer owns the task.
	ErrLeaseLost = errors.New("lease lost")

	// ErrInFlight is returned when an operator action targets a QUEUED or
	// RUNNING task, or a prerequisite of a RUNNING task.
	ErrInFlight = errors.New("task in flight")

	// ErrDependencyIncomplete is returned when a claimed task's prerequisite
	// is no longer COMPLETED.
	ErrDependencyIncomplete = errors.New("dependency incomplete")
)

// UnitError is a failure reported by a unit about its own input or
// computation. It is recorded as ERROR; any other error becomes EXCEPTION.
type UnitError struct {
	// Message is a human-readable description.
	Message string

	// Diagnostic carries structured detail kept on the task for inspection.
	Diagnostic ir.Object

	// Err is an optional underlying cause.
	Err error
}

// NewUnitError creates a UnitError with a formatted message.
func NewUnitError(format string, args ...any) *UnitError {
	return &UnitError{Message: fmt.Sprintf(format, args...)}
}

// WithDiagnostic attaches a diagnostic payload and returns the error.
func (e *UnitError) WithDiagnostic(d ir.Object) *UnitError {
	e.Diagnostic = d
	return e
}

// Error implements the error interface.
func (e *UnitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *UnitError) Unwrap() error {
	return e.Err
}

// IsUnitError reports whether err is or wraps a *UnitError.
func IsUnitError(err error) bool {
	var ue *UnitError
	return errors.As(err, &ue)
}
