// Package scheduler drives authorization rules through their lifecycle:
// it accepts grant and revoke requests, realizes them against the backend
// when due, and keeps the registry as the record of what exists.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"example.com/jit-scheduler/internal/backend"
	"example.com/jit-scheduler/internal/events"
	"example.com/jit-scheduler/internal/keylock"
	"example.com/jit-scheduler/internal/model"
	"example.com/jit-scheduler/internal/naming"
	"example.com/jit-scheduler/internal/policy"
	"example.com/jit-scheduler/internal/registry"
)

const maxKeyLength = 255

type Options struct {
	Registry  registry.Registry
	Gateway   backend.Gateway
	Naming    *naming.Policy
	Locks     keylock.Locker
	Admission *policy.Admission
	Events    events.Publisher
	Logger    *slog.Logger

	Retry            RetryPolicy
	SweepInterval    time.Duration
	SweepWorkers     int
	DeletedRetention time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

type Scheduler struct {
	reg       registry.Registry
	gw        backend.Gateway
	names     *naming.Policy
	locks     keylock.Locker
	admission *policy.Admission
	events    events.Publisher
	log       *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	retry     RetryPolicy
	interval  time.Duration
	workers   int
	retention time.Duration

	ready    atomic.Bool
	sweeping atomic.Bool
}

func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if opts.Gateway == nil {
		return nil, errors.New("scheduler: gateway is required")
	}
	s := &Scheduler{
		reg:       opts.Registry,
		gw:        opts.Gateway,
		names:     opts.Naming,
		locks:     opts.Locks,
		admission: opts.Admission,
		events:    opts.Events,
		log:       opts.Logger,
		tracer:    otel.Tracer("example.com/jit-scheduler/internal/scheduler"),
		now:       opts.Now,
		retry:     opts.Retry.normalized(),
		interval:  opts.SweepInterval,
		workers:   opts.SweepWorkers,
		retention: opts.DeletedRetention,
	}
	if s.names == nil {
		s.names = naming.New("")
	}
	if s.locks == nil {
		s.locks = keylock.NewLocal()
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	return s, nil
}

// Ready reports whether backend prerequisites were verified. Grants are
// refused until they are.
func (s *Scheduler) Ready() bool { return s.ready.Load() }

func (s *Scheduler) Naming() *naming.Policy { return s.names }

type GrantRequest struct {
	WorkItemKey    string
	Subjects       model.Subjects
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
}

type Result struct {
	Record model.RuleRecord
	// Noop is set when the request matched the current state and nothing
	// was changed.
	Noop bool
}

// RequestGrant registers a rule for the work item. An immediate grant is
// realized before returning; a future one is left for the sweep. A transient
// backend failure is not an error: the record stays PendingCreate with a
// retry scheduled.
func (s *Scheduler) RequestGrant(ctx context.Context, req GrantRequest) (Result, error) {
	if !s.ready.Load() {
		return Result{}, ErrPrerequisiteMissing
	}
	now := s.now().UTC()
	req, err := s.normalizeGrant(req, now)
	if err != nil {
		return Result{}, err
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.RequestGrant", trace.WithAttributes(attribute.String("work_item.key", req.WorkItemKey)))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, req.WorkItemKey)
	if err != nil {
		return Result{}, fmt.Errorf("lock %s: %w", req.WorkItemKey, err)
	}
	defer unlock()
	// Once the lock is held the operation runs to completion.
	ctx = context.WithoutCancel(ctx)

	existing, err := s.reg.Get(ctx, req.WorkItemKey)
	switch {
	case errors.Is(err, registry.ErrNotFound):
	case err != nil:
		return Result{}, err
	case !existing.Status.Terminal():
		if sameGrant(existing, req) {
			return Result{Record: existing.Clone(), Noop: true}, nil
		}
		return Result{Record: existing.Clone()}, fmt.Errorf("%w: %s is %s with different parameters", ErrConflict, req.WorkItemKey, existing.Status)
	case existing.Status == model.StatusFailed:
		// The backend may still hold the rule of the failed operation, so an
		// operator has to retry or forget the record first.
		return Result{Record: existing.Clone()}, fmt.Errorf("%w: %s failed to %s; retry or forget it first", ErrConflict, req.WorkItemKey, existing.FailedOp)
	default:
		if err := s.reg.Delete(ctx, req.WorkItemKey); err != nil && !errors.Is(err, registry.ErrNotFound) {
			return Result{}, err
		}
		s.log.Info("work item key reused", "work_item", req.WorkItemKey, "previous_status", existing.Status)
	}

	rec := &model.RuleRecord{
		WorkItemKey:    req.WorkItemKey,
		RuleID:         s.names.DeriveRuleID(req.WorkItemKey),
		Status:         model.StatusPendingCreate,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	}
	rec.SetSubjects(req.Subjects)
	if err := s.reg.Upsert(ctx, rec, registry.ExpectAbsent); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			return Result{}, fmt.Errorf("%w: %s", ErrConflict, req.WorkItemKey)
		}
		return Result{}, err
	}
	s.record(ctx, rec, "", "grant.accepted", nil)

	if rec.ScheduledStart != nil && rec.ScheduledStart.After(now) {
		return Result{Record: rec.Clone()}, nil
	}
	err = s.execute(ctx, rec, model.OpCreate)
	return Result{Record: rec.Clone()}, err
}

// RequestRevoke removes the rule for the work item, or cancels it when it
// was never sent to the backend. Revoking twice is a no-op.
func (s *Scheduler) RequestRevoke(ctx context.Context, workItemKey string) (Result, error) {
	key := strings.TrimSpace(workItemKey)
	if key == "" {
		return Result{}, invalid("work_item_key", "must not be empty")
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.RequestRevoke", trace.WithAttributes(attribute.String("work_item.key", key)))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	rec, err := s.reg.Get(ctx, key)
	if errors.Is(err, registry.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Result{}, err
	}

	switch rec.Status {
	case model.StatusPendingDelete, model.StatusDeleted:
		return Result{Record: rec.Clone(), Noop: true}, nil
	case model.StatusPendingCreate:
		if rec.Attempts == 0 {
			rec.NextAttemptAt = nil
			if err := s.transition(ctx, rec, model.StatusDeleted, "grant.cancelled", nil); err != nil {
				return Result{}, err
			}
			return Result{Record: rec.Clone()}, nil
		}
	}

	// A create may have reached the backend before failing, so anything
	// else is deleted there too.
	rec.Attempts = 0
	rec.NextAttemptAt = nil
	if err := s.transition(ctx, rec, model.StatusPendingDelete, "revoke.accepted", nil); err != nil {
		return Result{}, err
	}
	err = s.execute(ctx, rec, model.OpDelete)
	return Result{Record: rec.Clone()}, err
}

// Retry moves a Failed record back to the pending state of the operation
// that failed and attempts it again.
func (s *Scheduler) Retry(ctx context.Context, workItemKey string) (Result, error) {
	unlock, err := s.locks.Lock(ctx, workItemKey)
	if err != nil {
		return Result{}, fmt.Errorf("lock %s: %w", workItemKey, err)
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	rec, err := s.reg.Get(ctx, workItemKey)
	if errors.Is(err, registry.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, workItemKey)
	}
	if err != nil {
		return Result{}, err
	}
	if rec.Status != model.StatusFailed {
		return Result{Record: rec.Clone()}, fmt.Errorf("%w: %s is %s, only Failed records can be retried", ErrConflict, workItemKey, rec.Status)
	}

	op := rec.FailedOp
	if op == "" {
		op = model.OpCreate
	}
	if op == model.OpCreate && !s.ready.Load() {
		return Result{Record: rec.Clone()}, ErrPrerequisiteMissing
	}
	target := model.StatusPendingCreate
	if op == model.OpDelete {
		target = model.StatusPendingDelete
	}
	rec.Attempts = 0
	rec.NextAttemptAt = nil
	if err := s.transition(ctx, rec, target, "operator.retry", nil); err != nil {
		return Result{}, err
	}
	if target == model.StatusPendingCreate && !registry.Due(rec, s.now()) {
		return Result{Record: rec.Clone()}, nil
	}
	err = s.execute(ctx, rec, op)
	return Result{Record: rec.Clone()}, err
}

// Forget drops a terminal record so the registry no longer remembers the key.
func (s *Scheduler) Forget(ctx context.Context, workItemKey string) error {
	unlock, err := s.locks.Lock(ctx, workItemKey)
	if err != nil {
		return fmt.Errorf("lock %s: %w", workItemKey, err)
	}
	defer unlock()

	rec, err := s.reg.Get(ctx, workItemKey)
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, workItemKey)
	}
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s; revoke it first", ErrConflict, workItemKey, rec.Status)
	}
	if err := s.reg.Delete(ctx, workItemKey); err != nil {
		return err
	}
	s.audit(ctx, rec, rec.Status, "record.forgotten", nil)
	s.log.Info("record forgotten", "work_item", workItemKey, "status", rec.Status)
	return nil
}

func (s *Scheduler) Get(ctx context.Context, workItemKey string) (model.RuleRecord, error) {
	rec, err := s.reg.Get(ctx, workItemKey)
	if errors.Is(err, registry.ErrNotFound) {
		return model.RuleRecord{}, fmt.Errorf("%w: %s", ErrNotFound, workItemKey)
	}
	if err != nil {
		return model.RuleRecord{}, err
	}
	return *rec, nil
}

func (s *Scheduler) List(ctx context.Context, statuses ...model.Status) ([]model.RuleRecord, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, invalid("status", "unknown status %q", st)
		}
	}
	return s.reg.List(ctx, registry.Filter{Statuses: statuses})
}

func (s *Scheduler) normalizeGrant(req GrantRequest, now time.Time) (GrantRequest, error) {
	req.WorkItemKey = strings.TrimSpace(req.WorkItemKey)
	if req.WorkItemKey == "" {
		return req, invalid("work_item_key", "must not be empty")
	}
	if len(req.WorkItemKey) > maxKeyLength {
		return req, invalid("work_item_key", "longer than %d characters", maxKeyLength)
	}

	addrs := make([]string, 0, len(req.Subjects.Addresses))
	seen := map[string]bool{}
	for _, raw := range req.Subjects.Addresses {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return req, invalid("addresses", "%q is not an IP address", raw)
		}
		canon := addr.Unmap().String()
		if seen[canon] {
			continue
		}
		seen[canon] = true
		addrs = append(addrs, canon)
	}
	if len(addrs) == 0 {
		return req, invalid("addresses", "at least one device address is required")
	}
	req.Subjects.Addresses = addrs

	id := req.Subjects.Identity
	id.Name = strings.TrimSpace(id.Name)
	id.FirstName = strings.TrimSpace(id.FirstName)
	id.LastName = strings.TrimSpace(id.LastName)
	if id.FirstName == "" && id.LastName == "" && id.Name != "" {
		id.FirstName, id.LastName = SplitName(id.Name)
	}
	if id.Name == "" {
		id.Name = strings.TrimSpace(id.FirstName + " " + id.LastName)
	}
	if id.FirstName == "" || id.LastName == "" {
		return req, invalid("identity", "first and last name are required, got %q", id.Name)
	}
	req.Subjects.Identity = id

	req.ScheduledStart = utc(req.ScheduledStart)
	req.ScheduledEnd = utc(req.ScheduledEnd)
	if req.ScheduledEnd != nil {
		ref := now
		if req.ScheduledStart != nil && req.ScheduledStart.After(now) {
			ref = *req.ScheduledStart
		}
		if req.ScheduledEnd.Before(ref) {
			return req, invalid("scheduled_end", "must not be before %s", ref.Format(time.RFC3339))
		}
	}

	allowed, err := s.admission.Allow(policy.Input{
		WorkItem:  req.WorkItemKey,
		Identity:  id.Name,
		Addresses: addrs,
		Start:     req.ScheduledStart,
		End:       req.ScheduledEnd,
		Now:       now,
	})
	if err != nil {
		return req, invalid("request", "admission check failed: %v", err)
	}
	if !allowed {
		return req, invalid("request", "rejected by admission rule %q", s.admission.Expr())
	}
	return req, nil
}

// SplitName splits a display name into first and last name on the first
// space.
func SplitName(name string) (first, last string) {
	first, last, _ = strings.Cut(strings.TrimSpace(name), " ")
	return first, strings.TrimSpace(last)
}

func sameGrant(rec *model.RuleRecord, req GrantRequest) bool {
	return rec.Subjects().Equal(req.Subjects) &&
		sameTime(rec.ScheduledStart, req.ScheduledStart) &&
		sameTime(rec.ScheduledEnd, req.ScheduledEnd)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// execute performs op against the backend and records the outcome. The
// caller holds the key lock.
func (s *Scheduler) execute(ctx context.Context, rec *model.RuleRecord, op string) error {
	ctx, span := s.tracer.Start(ctx, "backend."+op, trace.WithAttributes(
		attribute.String("rule.id", rec.RuleID),
		attribute.Int("rule.attempt", rec.Attempts+1),
	))
	defer span.End()

	var err error
	switch op {
	case model.OpCreate:
		err = s.gw.CreateRule(ctx, rec.RuleID, rec.Subjects())
	case model.OpDelete:
		err = s.gw.DeleteRule(ctx, rec.RuleID)
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.fail(ctx, rec, op, err)
	}

	rec.Attempts = 0
	rec.NextAttemptAt = nil
	if op == model.OpCreate {
		return s.transition(ctx, rec, model.StatusActive, "rule.created", nil)
	}
	return s.transition(ctx, rec, model.StatusDeleted, "rule.deleted", nil)
}

// fail counts a failed attempt. Transient failures under the attempt bound
// schedule a retry and return nil; everything else parks the record in
// Failed and returns the cause.
func (s *Scheduler) fail(ctx context.Context, rec *model.RuleRecord, op string, cause error) error {
	rec.Attempts++
	if backend.IsTransient(cause) && rec.Attempts < s.retry.MaxAttempts {
		next := s.now().UTC().Add(s.retry.Delay(rec.Attempts))
		rec.NextAttemptAt = &next
		return s.transition(ctx, rec, rec.Status, op+".retry_scheduled", cause)
	}
	rec.NextAttemptAt = nil
	rec.FailedOp = op
	rec.LastError = cause.Error()
	if err := s.transition(ctx, rec, model.StatusFailed, op+".failed", cause); err != nil {
		return err
	}
	return cause
}

// transition persists rec in state to. Staying in the same state is allowed
// for bookkeeping updates such as a scheduled retry.
func (s *Scheduler) transition(ctx context.Context, rec *model.RuleRecord, to model.Status, event string, cause error) error {
	from := rec.Status
	if from != to {
		if _, err := Transition(from, to); err != nil {
			return err
		}
	}
	rec.Status = to
	if to != model.StatusFailed {
		rec.FailedOp = ""
		rec.LastError = ""
	}
	if err := s.reg.Upsert(ctx, rec, registry.Overwrite); err != nil {
		rec.Status = from
		return fmt.Errorf("persist %s -> %s: %w", from, to, err)
	}
	s.record(ctx, rec, from, event, cause)
	return nil
}

// record writes the audit row, publishes the event and logs the change.
// Audit and event failures are logged, never returned: the registry write
// already happened.
func (s *Scheduler) record(ctx context.Context, rec *model.RuleRecord, from model.Status, event string, cause error) {
	s.audit(ctx, rec, from, event, cause)

	evt := events.Event{
		Type:        event,
		At:          s.now().UTC(),
		WorkItemKey: rec.WorkItemKey,
		RuleID:      rec.RuleID,
		From:        from,
		To:          rec.Status,
	}
	if cause != nil {
		evt.Error = cause.Error()
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		s.log.Warn("publish event failed", "work_item", rec.WorkItemKey, "event", event, "error", err)
	}

	attrs := []any{"work_item", rec.WorkItemKey, "rule_id", rec.RuleID, "from", from, "to", rec.Status, "event", event}
	switch {
	case rec.Status == model.StatusFailed:
		s.log.Error("rule failed", append(attrs, "error", cause)...)
	case cause != nil:
		s.log.Warn("rule retry scheduled", append(attrs, "attempts", rec.Attempts, "next_attempt_at", rec.NextAttemptAt, "error", cause)...)
	default:
		s.log.Info("rule transition", attrs...)
	}
}

func (s *Scheduler) audit(ctx context.Context, rec *model.RuleRecord, from model.Status, event string, cause error) {
	detail := map[string]any{"attempts": rec.Attempts}
	if cause != nil {
		detail["error"] = cause.Error()
	}
	if rec.NextAttemptAt != nil {
		detail["next_attempt_at"] = rec.NextAttemptAt
	}
	raw, _ := json.Marshal(detail)
	a := &model.RuleAudit{
		WorkItemKey: rec.WorkItemKey,
		RuleID:      rec.RuleID,
		FromStatus:  from,
		ToStatus:    rec.Status,
		Event:       event,
		Detail:      datatypes.JSON(raw),
	}
	if err := s.reg.AppendAudit(ctx, a); err != nil {
		s.log.Warn("append audit failed", "work_item", rec.WorkItemKey, "event", event, "error", err)
	}
}
