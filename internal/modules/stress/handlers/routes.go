package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the stress routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/portfolios/{id}/stress", func(w http.ResponseWriter, r *http.Request) {
		h.HandleGetResults(w, r, chi.URLParam(r, "id"))
	})
	r.Route("/stress/scenarios", func(r chi.Router) {
		r.Get("/", h.HandleListScenarios)
		r.Get("/{scenarioID}", h.HandleGetScenario)
	})
}
