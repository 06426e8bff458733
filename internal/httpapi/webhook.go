package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"example.com/jit-scheduler/internal/backend"
	"example.com/jit-scheduler/internal/model"
	"example.com/jit-scheduler/internal/scheduler"
)

// WebhookHandler receives issue tracker transitions. Start and end times in
// the payload are only honored when the matching switch is on.
type WebhookHandler struct {
	Scheduler     Lifecycle
	Devices       backend.DeviceLookup
	ScheduleStart bool
	ScheduleEnd   bool
	Logger        *slog.Logger
}

type createPayload struct {
	IssueKey    string   `json:"issue_key"`
	Assignee    string   `json:"assignee"`
	IPAddress   string   `json:"ip_address"`
	IPAddresses []string `json:"ip_addresses"`
	ActualStart string   `json:"actual_start"`
	ActualEnd   string   `json:"actual_end"`
}

type deletePayload struct {
	IssueKey string `json:"issue_key"`
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p createPayload
	if err := decode(r, &p); err != nil {
		writeError(w, &scheduler.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	h.logger().Info("creation webhook received", "issue_key", p.IssueKey, "assignee", p.Assignee)

	req, err := h.grantRequest(r.Context(), p)
	if err != nil {
		h.logger().Warn("creation webhook rejected", "issue_key", p.IssueKey, "error", err)
		writeError(w, err)
		return
	}
	res, err := h.Scheduler.RequestGrant(r.Context(), req)
	if err != nil {
		h.logger().Error("creation webhook failed", "issue_key", p.IssueKey, "error", err)
		writeError(w, err)
		return
	}
	msg := "authorization rule created"
	switch {
	case res.Noop:
		msg = "authorization rule already requested"
	case res.Record.Status == model.StatusPendingCreate && res.Record.Attempts > 0:
		msg = "backend unavailable, creation will be retried"
	case res.Record.Status == model.StatusPendingCreate:
		msg = "authorization rule scheduled"
	}
	writeJSON(w, resultStatus(res), response{Message: msg, Rule: &res.Record})
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var p deletePayload
	if err := decode(r, &p); err != nil {
		writeError(w, &scheduler.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	h.logger().Info("deletion webhook received", "issue_key", p.IssueKey)

	res, err := h.Scheduler.RequestRevoke(r.Context(), p.IssueKey)
	if err != nil {
		h.logger().Error("deletion webhook failed", "issue_key", p.IssueKey, "error", err)
		writeError(w, err)
		return
	}
	msg := "authorization rule deleted"
	switch {
	case res.Noop:
		msg = "authorization rule already revoked"
	case res.Record.Status == model.StatusPendingDelete:
		msg = "backend unavailable, deletion will be retried"
	}
	writeJSON(w, resultStatus(res), response{Message: msg, Rule: &res.Record})
}

func (h *WebhookHandler) grantRequest(ctx context.Context, p createPayload) (scheduler.GrantRequest, error) {
	addrs := p.IPAddresses
	if strings.TrimSpace(p.IPAddress) != "" {
		addrs = append([]string{p.IPAddress}, addrs...)
	}
	req := scheduler.GrantRequest{
		WorkItemKey: p.IssueKey,
		Subjects: model.Subjects{
			Addresses: addrs,
			Identity:  model.Identity{Name: p.Assignee},
		},
	}

	if h.ScheduleStart {
		start, err := parseField("actual_start", p.ActualStart)
		if err != nil {
			return req, err
		}
		req.ScheduledStart = &start
	}
	if h.ScheduleEnd {
		end, err := parseField("actual_end", p.ActualEnd)
		if err != nil {
			return req, err
		}
		req.ScheduledEnd = &end
	}

	if h.Devices != nil {
		for _, raw := range addrs {
			addr, err := netip.ParseAddr(strings.TrimSpace(raw))
			if err != nil {
				// Malformed addresses are rejected by the scheduler.
				continue
			}
			ok, err := h.Devices.DeviceExists(ctx, addr.Unmap().String())
			if err != nil {
				return req, fmt.Errorf("look up network device %s: %w", addr, err)
			}
			if !ok {
				return req, &scheduler.ValidationError{Field: "ip_address", Reason: fmt.Sprintf("no network device registered for %s", addr)}
			}
		}
	}
	return req, nil
}

func (h *WebhookHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func parseField(field, raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, &scheduler.ValidationError{Field: field, Reason: "scheduling is enabled but no timestamp was provided"}
	}
	t, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, &scheduler.ValidationError{Field: field, Reason: err.Error()}
	}
	return t, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339, the issue tracker's millisecond format
// with a numeric zone, and zone-less forms which are read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
