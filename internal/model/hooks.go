package model

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var ErrInvalidRecord = errors.New("invalid rule record")

func (r *RuleRecord) BeforeSave(tx *gorm.DB) (err error) {
	return r.Validate()
}

// Validate checks the invariants every persisted record must satisfy.
func (r *RuleRecord) Validate() error {
	if strings.TrimSpace(r.WorkItemKey) == "" {
		return fmt.Errorf("%w: work item key is empty", ErrInvalidRecord)
	}
	if r.RuleID == "" || !strings.HasSuffix(r.RuleID, r.WorkItemKey) {
		return fmt.Errorf("%w: rule id %q is not derived from %q", ErrInvalidRecord, r.RuleID, r.WorkItemKey)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	if len(r.Addresses) == 0 {
		return fmt.Errorf("%w: no subject addresses", ErrInvalidRecord)
	}
	if r.ScheduledStart != nil && r.ScheduledEnd != nil && r.ScheduledEnd.Before(*r.ScheduledStart) {
		return fmt.Errorf("%w: scheduled end precedes scheduled start", ErrInvalidRecord)
	}
	if r.Status != StatusFailed && (r.LastError != "" || r.FailedOp != "") {
		return fmt.Errorf("%w: failure details on a %s record", ErrInvalidRecord, r.Status)
	}
	return nil
}

func (a *RuleAudit) BeforeCreate(tx *gorm.DB) (err error) {
	if a.WorkItemKey == "" || a.Event == "" {
		return fmt.Errorf("%w: audit entry needs a key and an event", ErrInvalidRecord)
	}
	return nil
}
