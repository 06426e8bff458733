package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPendingCreate Status = "PendingCreate"
	StatusActive        Status = "Active"
	StatusPendingDelete Status = "PendingDelete"
	StatusDeleted       Status = "Deleted"
	StatusFailed        Status = "Failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPendingCreate, StatusActive, StatusPendingDelete, StatusDeleted, StatusFailed:
		return true
	}
	return false
}

// Terminal states are never advanced by the sweep.
func (s Status) Terminal() bool {
	return s == StatusDeleted || s == StatusFailed
}

const (
	OpCreate = "create"
	OpDelete = "delete"
)

// Identity is the directory identity the rule is matched against.
type Identity struct {
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Subjects are the match criteria of one rule.
type Subjects struct {
	Addresses []string `json:"addresses"`
	Identity  Identity `json:"identity"`
}

func (s Subjects) Equal(o Subjects) bool {
	return s.Identity == o.Identity && slices.Equal(s.Addresses, o.Addresses)
}

type RuleRecord struct {
	WorkItemKey    string                       `gorm:"primaryKey;size:255" json:"work_item_key"`
	RuleID         string                       `gorm:"not null;uniqueIndex" json:"rule_id"`
	Addresses      pq.StringArray               `gorm:"type:text[];not null" json:"addresses"`
	Identity       datatypes.JSONType[Identity] `gorm:"type:jsonb" json:"identity"`
	Status         Status                       `gorm:"type:text;not null;index" json:"status"`
	ScheduledStart *time.Time                   `gorm:"index" json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time                   `gorm:"index" json:"scheduled_end,omitempty"`
	Attempts       int                          `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  *time.Time                   `gorm:"index" json:"next_attempt_at,omitempty"`
	FailedOp       string                       `gorm:"type:text" json:"failed_op,omitempty"`
	LastError      string                       `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time                    `json:"created_at"`
	UpdatedAt      time.Time                    `json:"updated_at"`
}

func (r *RuleRecord) Subjects() Subjects {
	return Subjects{Addresses: slices.Clone([]string(r.Addresses)), Identity: r.Identity.Data()}
}

func (r *RuleRecord) SetSubjects(s Subjects) {
	r.Addresses = pq.StringArray(slices.Clone(s.Addresses))
	r.Identity = datatypes.NewJSONType(s.Identity)
}

// Clone returns a deep copy safe to hand across goroutines.
func (r RuleRecord) Clone() RuleRecord {
	out := r
	out.Addresses = pq.StringArray(slices.Clone([]string(r.Addresses)))
	out.ScheduledStart = cloneTime(r.ScheduledStart)
	out.ScheduledEnd = cloneTime(r.ScheduledEnd)
	out.NextAttemptAt = cloneTime(r.NextAttemptAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type RuleAudit struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	WorkItemKey string         `gorm:"size:255;not null;index" json:"work_item_key"`
	RuleID      string         `gorm:"not null" json:"rule_id"`
	FromStatus  Status         `gorm:"type:text" json:"from_status,omitempty"`
	ToStatus    Status         `gorm:"type:text;not null" json:"to_status"`
	Event       string         `gorm:"not null" json:"event"`
	Detail      datatypes.JSON `gorm:"type:jsonb" json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
