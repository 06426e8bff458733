// Package registry persists rule records, the single source of truth for
// whether a rule exists or is pending for a work item.
package registry

import (
	"context"
	"errors"
	"time"

	"example.com/jit-scheduler/internal/model"
)

var (
	ErrNotFound = errors.New("rule record not found")
	ErrConflict = errors.New("rule record already exists")
)

type Mode int

const (
	// Overwrite inserts or replaces the record for the key.
	Overwrite Mode = iota
	// ExpectAbsent fails with ErrConflict when any record exists for the key.
	ExpectAbsent
)

type Filter struct {
	Statuses      []model.Status
	UpdatedBefore time.Time
	Limit         int
}

type Registry interface {
	Upsert(ctx context.Context, rec *model.RuleRecord, mode Mode) error
	Get(ctx context.Context, workItemKey string) (*model.RuleRecord, error)
	// ListDue returns records the sweep has to act on at now.
	ListDue(ctx context.Context, now time.Time) ([]model.RuleRecord, error)
	List(ctx context.Context, f Filter) ([]model.RuleRecord, error)
	Delete(ctx context.Context, workItemKey string) error
	AppendAudit(ctx context.Context, a *model.RuleAudit) error
}

// Due reports whether the sweep should act on rec at now.
func Due(rec *model.RuleRecord, now time.Time) bool {
	retryDue := rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(now)
	switch rec.Status {
	case model.StatusPendingCreate:
		started := rec.ScheduledStart == nil || !rec.ScheduledStart.After(now)
		return started && retryDue
	case model.StatusActive:
		return rec.ScheduledEnd != nil && !rec.ScheduledEnd.After(now)
	case model.StatusPendingDelete:
		return retryDue
	default:
		return false
	}
}
