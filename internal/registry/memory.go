package registry

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/jit-scheduler/internal/model"
)

// Memory keeps records in process memory. It is not durable and is meant for
// tests and local runs without a database.
type Memory struct {
	mu      sync.RWMutex
	records map[string]model.RuleRecord
	audits  []model.RuleAudit
	now     func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock stamps CreatedAt and UpdatedAt from now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{records: map[string]model.RuleRecord{}, now: now}
}

func (m *Memory) Upsert(ctx context.Context, rec *model.RuleRecord, mode Mode) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[rec.WorkItemKey]
	if ok && mode == ExpectAbsent {
		return ErrConflict
	}
	now := m.now().UTC()
	if ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.records[rec.WorkItemKey] = rec.Clone()
	return nil
}

func (m *Memory) Get(ctx context.Context, workItemKey string) (*model.RuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[workItemKey]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec.Clone()
	return &out, nil
}

func (m *Memory) ListDue(ctx context.Context, now time.Time) ([]model.RuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RuleRecord
	for _, rec := range m.records {
		if Due(&rec, now) {
			out = append(out, rec.Clone())
		}
	}
	sortByUpdated(out)
	return out, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]model.RuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RuleRecord
	for _, rec := range m.records {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !rec.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sortByUpdated(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, workItemKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[workItemKey]; !ok {
		return ErrNotFound
	}
	delete(m.records, workItemKey)
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, a *model.RuleAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.audits = append(m.audits, *a)
	return nil
}

// Audits returns the audit trail for a key in append order.
func (m *Memory) Audits(workItemKey string) []model.RuleAudit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RuleAudit
	for _, a := range m.audits {
		if a.WorkItemKey == workItemKey {
			out = append(out, a)
		}
	}
	return out
}

func sortByUpdated(recs []model.RuleRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
		}
		return recs[i].WorkItemKey < recs[j].WorkItemKey
	})
}
