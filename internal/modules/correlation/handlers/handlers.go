// Package handlers provides HTTP handlers for correlation matrices.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/correlation"
	"github.com/rs/zerolog"
)

// ResultStore reads committed correlation matrices
type ResultStore interface {
	LatestResult(ctx context.Context, portfolioID int64, onOrBefore time.Time) (*correlation.Result, error)
}

// Handler handles correlation HTTP requests
type Handler struct {
	store ResultStore
	now   func() time.Time
	log   zerolog.Logger
}

// NewHandler creates a new correlation handler
func NewHandler(store ResultStore, log zerolog.Logger) *Handler {
	return &Handler{
		store: store,
		now:   time.Now,
		log:   log.With().Str("handler", "correlation").Logger(),
	}
}

// HandleGetCorrelation handles GET /api/portfolios/{id}/correlation
func (h *Handler) HandleGetCorrelation(w http.ResponseWriter, r *http.Request, portfolioID string) {
	res, ok := h.latest(w, r, portfolioID)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": res,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetHighCorrelations handles GET /api/portfolios/{id}/correlation/high
func (h *Handler) HandleGetHighCorrelations(w http.ResponseWriter, r *http.Request, portfolioID string) {
	res, ok := h.latest(w, r, portfolioID)
	if !ok {
		return
	}

	pairs := res.HighCorrelationPairs()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"portfolio_id":     res.PortfolioID,
			"calculation_date": domain.DateKey(res.CalculationDate),
			"pairs":            pairs,
			"count":            len(pairs),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request, rawID string) (*correlation.Result, bool) {
	portfolioID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || portfolioID <= 0 {
		http.Error(w, "invalid portfolio id", http.StatusBadRequest)
		return nil, false
	}
	asOf := h.now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		if asOf, err = domain.ParseDateKey(raw); err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return nil, false
		}
	}

	res, err := h.store.LatestResult(r.Context(), portfolioID, asOf)
	if errors.Is(err, correlation.ErrNoResults) {
		http.Error(w, "no correlation matrix for portfolio", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.log.Error().Err(err).Int64("portfolio_id", portfolioID).Msg("Failed to load correlation matrix")
		http.Error(w, "Failed to load correlation matrix", http.StatusInternalServerError)
		return nil, false
	}
	return res, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
