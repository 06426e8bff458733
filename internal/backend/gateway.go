// Package backend defines what the scheduler needs from the policy backend.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"example.com/jit-scheduler/internal/model"
)

// Gateway mutates authorization rules on the policy backend. CreateRule
// succeeds when a rule with the same id already exists for the same
// subjects, and fails permanently when it exists for different ones.
// DeleteRule succeeds when the rule is already gone. Callers may repeat
// either safely.
type Gateway interface {
	CreateRule(ctx context.Context, ruleID string, subjects model.Subjects) error
	DeleteRule(ctx context.Context, ruleID string) error
	RuleExists(ctx context.Context, ruleID string) (bool, error)
	// ListRules returns the names of every rule in the managed policy set.
	ListRules(ctx context.Context) ([]string, error)
	VerifyPrerequisites(ctx context.Context) error
}

// DeviceLookup checks that an address belongs to a registered network device.
type DeviceLookup interface {
	DeviceExists(ctx context.Context, address string) (bool, error)
}

// Error is a failed backend call. Transient errors are worth retrying.
type Error struct {
	Op        string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("backend %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried. Errors that do not
// carry a classification are treated as transient.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	var pe *PrerequisiteError
	if errors.As(err, &pe) {
		return false
	}
	return err != nil
}

// PrerequisiteError lists backend objects a rule depends on that are missing.
type PrerequisiteError struct {
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return "backend prerequisites missing: " + strings.Join(e.Missing, ", ")
}
