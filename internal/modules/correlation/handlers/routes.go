package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the correlation routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolios/{id}/correlation", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetCorrelation(w, r, chi.URLParam(r, "id"))
		})
		r.Get("/high", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetHighCorrelations(w, r, chi.URLParam(r, "id"))
		})
	})
}
