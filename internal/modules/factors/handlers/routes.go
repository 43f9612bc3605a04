package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the factor exposure routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolios/{id}/exposures", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetExposures(w, r, chi.URLParam(r, "id"))
		})
		r.Get("/positions", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetPositionExposures(w, r, chi.URLParam(r, "id"))
		})
	})
}
