package scheduler

import (
	"errors"
	"fmt"

	"example.com/jit-scheduler/internal/model"
)

var ErrInvalidTransition = errors.New("invalid rule transition")

// CanTransition encodes the rule lifecycle. Deletion of a realized rule
// always passes through PendingDelete; PendingCreate may go straight to
// Deleted only when nothing was ever sent to the backend.
func CanTransition(from, to model.Status) bool {
	switch from {
	case model.StatusPendingCreate:
		return to == model.StatusActive || to == model.StatusDeleted || to == model.StatusPendingDelete || to == model.StatusFailed
	case model.StatusActive:
		// PendingCreate: the backend lost the rule and reconcile re-creates it.
		return to == model.StatusPendingDelete || to == model.StatusPendingCreate
	case model.StatusPendingDelete:
		return to == model.StatusDeleted || to == model.StatusFailed
	case model.StatusFailed:
		return to == model.StatusPendingCreate || to == model.StatusPendingDelete
	default:
		return false
	}
}

func Transition(from, to model.Status) (model.Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
