package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("invalid request")
	ErrConflict            = errors.New("conflicting request")
	ErrNotFound            = errors.New("unknown work item")
	ErrPrerequisiteMissing = errors.New("backend prerequisites missing")
)

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
