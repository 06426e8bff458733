package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"example.com/jit-scheduler/internal/telemetry"
)

type RouterConfig struct {
	ServiceName string
	Webhooks    *WebhookHandler
	Rules       *RuleHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(cfg.ServiceName))
	r.Use(limitBody)

	lc := cfg.Webhooks.Scheduler
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"message": "server is running", "ready": lc.Ready()})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !lc.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	r.Post("/webhook/create", cfg.Webhooks.Create)
	r.Delete("/webhook/delete", cfg.Webhooks.Delete)
	r.Post("/webhook/delete", cfg.Webhooks.Delete)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", cfg.Rules.List)
		r.Get("/{key}", cfg.Rules.Get)
		r.Post("/{key}/retry", cfg.Rules.Retry)
		r.Delete("/{key}", cfg.Rules.Delete)
	})
	return r
}
