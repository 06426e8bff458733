package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"example.com/jit-scheduler/internal/model"
)

// RuleHandler serves operator endpoints over the rule registry.
type RuleHandler struct {
	Scheduler Lifecycle
}

func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	var statuses []model.Status
	if v := r.URL.Query().Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, model.Status(s))
			}
		}
	}
	recs, err := h.Scheduler.List(r.Context(), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []model.RuleRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Scheduler.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Retry re-attempts the operation a Failed record stopped at.
func (h *RuleHandler) Retry(w http.ResponseWriter, r *http.Request) {
	res, err := h.Scheduler.Retry(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resultStatus(res), response{Message: "retry accepted", Rule: &res.Record})
}

func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Forget(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
