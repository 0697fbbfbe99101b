package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davidahmann/surmed/internal/metrics"
)

// NewRouter mounts the reviewer API under /v1. Health and metrics stay
// outside authentication.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/submissions", h.ListSubmissions)
		r.Post("/submissions", h.CreateSubmission)
		r.Route("/submissions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSubmission)
			r.Get("/assessment", h.Assessment)
			r.Get("/decisions", h.History)
			r.Post("/decisions", h.Decide)
		})
		r.Get("/reason-codes", h.ReasonCodes)
		r.Get("/activity", h.Activity)

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/verify", h.Verify)
			r.Get("/summary", h.Summary)
			r.Get("/export", h.Export)
		})
	})
	return r
}
