// Package handlers provides HTTP handlers for factor exposure results.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/factors"
	"github.com/rs/zerolog"
)

// ResultStore reads committed factor results
type ResultStore interface {
	LatestResult(ctx context.Context, portfolioID int64, onOrBefore time.Time) (*factors.Result, string, error)
}

// Handler handles factor exposure HTTP requests
type Handler struct {
	store ResultStore
	now   func() time.Time
	log   zerolog.Logger
}

// NewHandler creates a new factor exposure handler
func NewHandler(store ResultStore, log zerolog.Logger) *Handler {
	return &Handler{
		store: store,
		now:   time.Now,
		log:   log.With().Str("handler", "factors").Logger(),
	}
}

// HandleGetExposures handles GET /api/portfolios/{id}/exposures
func (h *Handler) HandleGetExposures(w http.ResponseWriter, r *http.Request, portfolioID string) {
	res, setID, ok := h.latest(w, r, portfolioID)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"portfolio_id":     res.PortfolioID,
			"calculation_date": domain.DateKey(res.CalculationDate),
			"set_id":           setID,
			"status":           res.Status,
			"reason":           res.Reason,
			"method":           res.Method,
			"equity_balance":   res.EquityBalance,
			"net_exposure":     res.NetExposure,
			"gross_exposure":   res.GrossExposure,
			"positions_total":  res.PositionsTotal,
			"positions_used":   res.PositionsUsed,
			"exposures":        res.Portfolio,
			"missing_data":     res.MissingData,
			"warnings":         res.Warnings,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetPositionExposures handles GET /api/portfolios/{id}/exposures/positions.
// An optional position_id narrows the records to one position.
func (h *Handler) HandleGetPositionExposures(w http.ResponseWriter, r *http.Request, portfolioID string) {
	var positionID int64
	if raw := r.URL.Query().Get("position_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid position_id", http.StatusBadRequest)
			return
		}
		positionID = id
	}

	res, setID, ok := h.latest(w, r, portfolioID)
	if !ok {
		return
	}

	records := res.Positions
	if positionID != 0 {
		records = res.PositionExposures(positionID)
	}
	if records == nil {
		records = []factors.ExposureRecord{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"portfolio_id":     res.PortfolioID,
			"calculation_date": domain.DateKey(res.CalculationDate),
			"set_id":           setID,
			"exposures":        records,
			"count":            len(records),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// latest resolves the request's portfolio and date and loads the result.
// It writes the error response itself and reports false on failure.
func (h *Handler) latest(w http.ResponseWriter, r *http.Request, rawID string) (*factors.Result, string, bool) {
	portfolioID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || portfolioID <= 0 {
		http.Error(w, "invalid portfolio id", http.StatusBadRequest)
		return nil, "", false
	}
	asOf := h.now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		if asOf, err = domain.ParseDateKey(raw); err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return nil, "", false
		}
	}

	res, setID, err := h.store.LatestResult(r.Context(), portfolioID, asOf)
	if errors.Is(err, factors.ErrNoResults) {
		http.Error(w, "no factor exposures for portfolio", http.StatusNotFound)
		return nil, "", false
	}
	if err != nil {
		h.log.Error().Err(err).Int64("portfolio_id", portfolioID).Msg("Failed to load factor exposures")
		http.Error(w, "Failed to load factor exposures", http.StatusInternalServerError)
		return nil, "", false
	}
	return res, setID, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
