package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"example.com/jit-scheduler/internal/model"
	"example.com/jit-scheduler/internal/registry"
)

const purgeBatch = 500

type SweepReport struct {
	Due       int
	Processed int
	// Busy counts due records skipped because a request held their key.
	Busy   int
	Failed int
	Purged int
	// Overlapped is set when another sweep was still running and this one
	// did nothing.
	Overlapped bool
}

// Sweep advances every due record once: scheduled grants are created,
// expired ones revoked and pending retries attempted. Records whose key is
// busy are left for the next sweep.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	if !s.sweeping.CompareAndSwap(false, true) {
		return SweepReport{Overlapped: true}, nil
	}
	defer s.sweeping.Store(false)

	ctx, span := s.tracer.Start(ctx, "scheduler.Sweep")
	defer span.End()

	now := s.now().UTC()
	due, err := s.reg.ListDue(ctx, now)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{Due: len(due)}

	var processed, busy, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, rec := range due {
		key := rec.WorkItemKey
		g.Go(func() error {
			handled, err := s.advance(ctx, key)
			switch {
			case !handled:
				busy.Add(1)
			case err != nil:
				failed.Add(1)
			default:
				processed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Processed = int(processed.Load())
	report.Busy = int(busy.Load())
	report.Failed = int(failed.Load())

	purged, err := s.purge(ctx, now)
	report.Purged = purged
	if err != nil {
		s.log.Warn("purge deleted records failed", "error", err)
	}

	span.SetAttributes(
		attribute.Int("sweep.due", report.Due),
		attribute.Int("sweep.processed", report.Processed),
		attribute.Int("sweep.busy", report.Busy),
	)
	if report.Due > 0 || report.Purged > 0 {
		s.log.Info("sweep finished", "due", report.Due, "processed", report.Processed, "busy", report.Busy, "failed", report.Failed, "purged", report.Purged)
	}
	return report, nil
}

// advance re-reads the record under its key lock and acts on it if it is
// still due. It returns false when the key was busy.
func (s *Scheduler) advance(ctx context.Context, key string) (bool, error) {
	unlock, ok, err := s.locks.TryLock(ctx, key)
	if err != nil {
		s.log.Warn("sweep lock failed", "work_item", key, "error", err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	rec, err := s.reg.Get(ctx, key)
	if errors.Is(err, registry.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	if !registry.Due(rec, s.now().UTC()) {
		return true, nil
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.advance", trace.WithAttributes(
		attribute.String("work_item.key", key),
		attribute.String("rule.status", string(rec.Status)),
	))
	defer span.End()

	switch rec.Status {
	case model.StatusPendingCreate:
		if !s.ready.Load() {
			// Creating without verified prerequisites would fail permanently.
			return true, nil
		}
		err = s.execute(ctx, rec, model.OpCreate)
	case model.StatusActive:
		if err := s.transition(ctx, rec, model.StatusPendingDelete, "rule.expired", nil); err != nil {
			return true, err
		}
		err = s.execute(ctx, rec, model.OpDelete)
	case model.StatusPendingDelete:
		err = s.execute(ctx, rec, model.OpDelete)
	}
	if err != nil {
		s.log.Warn("sweep step failed", "work_item", key, "status", rec.Status, "error", err)
	}
	return true, err
}

// purge drops Deleted records older than the retention window. Until then
// they answer repeated revokes as no-ops.
func (s *Scheduler) purge(ctx context.Context, now time.Time) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	old, err := s.reg.List(ctx, registry.Filter{
		Statuses:      []model.Status{model.StatusDeleted},
		UpdatedBefore: now.Add(-s.retention),
		Limit:         purgeBatch,
	})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, rec := range old {
		unlock, ok, err := s.locks.TryLock(ctx, rec.WorkItemKey)
		if err != nil || !ok {
			continue
		}
		cur, err := s.reg.Get(ctx, rec.WorkItemKey)
		if err == nil && cur.Status == model.StatusDeleted && cur.UpdatedAt.Equal(rec.UpdatedAt) {
			if err := s.reg.Delete(ctx, rec.WorkItemKey); err == nil {
				purged++
			}
		}
		unlock()
	}
	return purged, nil
}

// Run sweeps every interval until ctx is cancelled. A sweep that runs past
// the interval delays the next one instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("sweeper started", "interval", s.interval, "workers", s.workers)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
