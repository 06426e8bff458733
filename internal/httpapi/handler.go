// Package httpapi exposes the webhook receiver and operator endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"example.com/jit-scheduler/internal/backend"
	"example.com/jit-scheduler/internal/model"
	"example.com/jit-scheduler/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// Lifecycle is the scheduler surface the handlers drive.
type Lifecycle interface {
	Ready() bool
	RequestGrant(ctx context.Context, req scheduler.GrantRequest) (scheduler.Result, error)
	RequestRevoke(ctx context.Context, workItemKey string) (scheduler.Result, error)
	Retry(ctx context.Context, workItemKey string) (scheduler.Result, error)
	Forget(ctx context.Context, workItemKey string) error
	Get(ctx context.Context, workItemKey string) (model.RuleRecord, error)
	List(ctx context.Context, statuses ...model.Status) ([]model.RuleRecord, error)
}

type response struct {
	Message string            `json:"message"`
	Rule    *model.RuleRecord `json:"rule,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var be *backend.Error
	var pe *backend.PrerequisiteError
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrPrerequisiteMissing):
		return http.StatusServiceUnavailable
	case errors.As(err, &be), errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// resultStatus is 202 while the backend change is still pending and 200
// once it is done or nothing had to change.
func resultStatus(res scheduler.Result) int {
	if res.Noop {
		return http.StatusOK
	}
	switch res.Record.Status {
	case model.StatusPendingCreate, model.StatusPendingDelete:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
