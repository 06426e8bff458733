// Package events publishes rule lifecycle transitions for downstream
// consumers such as audit pipelines or ticket comment bots.
package events

import (
	"context"
	"encoding/json"
	"time"

	"example.com/jit-scheduler/internal/model"
)

type Event struct {
	Type        string       `json:"type"`
	At          time.Time    `json:"at"`
	WorkItemKey string       `json:"work_item_key"`
	RuleID      string       `json:"rule_id"`
	From        model.Status `json:"from,omitempty"`
	To          model.Status `json:"to"`
	Error       string       `json:"error,omitempty"`
}

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
