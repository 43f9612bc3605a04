package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the batch run routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/batch/runs", func(r chi.Router) {
		r.Get("/", h.HandleListRuns)
		r.Post("/", h.HandleStartRun)
		r.Get("/{runID}", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetRun(w, r, chi.URLParam(r, "runID"))
		})
	})
	r.Get("/portfolios/{id}/sets", func(w http.ResponseWriter, r *http.Request) {
		h.HandleListSets(w, r, chi.URLParam(r, "id"))
	})
}
