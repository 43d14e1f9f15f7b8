package errval

import (
	"errors"
)

var (
	ErrInternal          = errors.New("internal server error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTaskType   = errors.New("invalid task type")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("conflict")
	ErrExecutionFailure  = errors.New("execution failed")
)

// Code maps an error onto the taxonomy code returned to clients.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTaskType):
		return "validation"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExecutionFailure):
		return "execution_failure"
	default:
		return "internal"
	}
}

// IsDomain reports whether err belongs to the task taxonomy rather than an infrastructure failure.
func IsDomain(err error) bool {
	return Code(err) != "internal"
}
