package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/jit-scheduler/internal/model"
	"example.com/jit-scheduler/internal/registry"
)

type ReconcileReport struct {
	Checked  int
	Repaired int
	// Orphans are managed backend rules with no live record. They are
	// reported, never deleted.
	Orphans []string
}

// Start verifies backend prerequisites and reconciles the registry against
// the backend. Grants are refused until Start has succeeded once.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.gw.VerifyPrerequisites(ctx); err != nil {
		s.ready.Store(false)
		return fmt.Errorf("%w: %w", ErrPrerequisiteMissing, err)
	}
	s.ready.Store(true)
	s.log.Info("backend prerequisites verified")

	report, err := s.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	s.log.Info("reconcile finished", "checked", report.Checked, "repaired", report.Repaired, "orphans", len(report.Orphans))
	return nil
}

// StartWithRetry calls Start until prerequisites are verified or ctx ends.
// An incomplete reconcile after verification is repeated with the retry
// policy's backoff until every record has been checked.
func (s *Scheduler) StartWithRetry(ctx context.Context, every time.Duration) {
	err := s.Start(ctx)
	for err != nil && !s.ready.Load() {
		s.log.Error("backend not ready, grants are refused", "error", err, "retry_in", every)
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
		}
		err = s.Start(ctx)
	}
	for failures := 1; err != nil; failures++ {
		wait := s.retry.Delay(failures)
		s.log.Error("startup reconcile incomplete", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		var report ReconcileReport
		report, err = s.Reconcile(ctx)
		if err == nil {
			s.log.Info("reconcile finished", "checked", report.Checked, "repaired", report.Repaired, "orphans", len(report.Orphans))
		}
	}
}

// Reconcile repairs records whose state disagrees with the backend, which
// happens when the process died between a backend call and the registry
// write that follows it. A record that cannot be checked does not stop the
// others; their errors are joined.
func (s *Scheduler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.Reconcile")
	defer span.End()

	recs, err := s.reg.List(ctx, registry.Filter{Statuses: []model.Status{
		model.StatusPendingCreate, model.StatusActive, model.StatusPendingDelete,
	}})
	if err != nil {
		return ReconcileReport{}, err
	}

	var report ReconcileReport
	var errs []error
	live := make(map[string]bool, len(recs))
	for _, r := range recs {
		live[r.RuleID] = true
		repaired, err := s.reconcileOne(ctx, r.WorkItemKey)
		if err != nil {
			s.log.Warn("reconcile record failed", "work_item", r.WorkItemKey, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.WorkItemKey, err))
			continue
		}
		report.Checked++
		if repaired {
			report.Repaired++
		}
	}

	names, err := s.gw.ListRules(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list backend rules: %w", err))
	}
	for _, name := range names {
		if s.names.Managed(name) && !live[name] {
			report.Orphans = append(report.Orphans, name)
			key, _ := s.names.WorkItemKey(name)
			s.log.Warn("orphan backend rule", "rule_id", name, "work_item", key)
		}
	}
	return report, errors.Join(errs...)
}

func (s *Scheduler) reconcileOne(ctx context.Context, key string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := s.reg.Get(ctx, key)
	if errors.Is(err, registry.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status.Terminal() {
		return false, nil
	}
	exists, err := s.gw.RuleExists(ctx, rec.RuleID)
	if err != nil {
		return false, err
	}

	switch {
	case rec.Status == model.StatusPendingCreate && exists:
		rec.Attempts = 0
		rec.NextAttemptAt = nil
		return true, s.transition(ctx, rec, model.StatusActive, "reconcile.found", nil)
	case rec.Status == model.StatusPendingDelete && !exists:
		rec.Attempts = 0
		rec.NextAttemptAt = nil
		return true, s.transition(ctx, rec, model.StatusDeleted, "reconcile.absent", nil)
	case rec.Status == model.StatusActive && !exists:
		if rec.ScheduledEnd != nil && !rec.ScheduledEnd.After(s.now()) {
			if err := s.transition(ctx, rec, model.StatusPendingDelete, "reconcile.expired", nil); err != nil {
				return true, err
			}
			return true, s.transition(ctx, rec, model.StatusDeleted, "reconcile.absent", nil)
		}
		// The sweep re-creates it on its next pass.
		return true, s.transition(ctx, rec, model.StatusPendingCreate, "reconcile.missing", nil)
	}
	return false, nil
}
