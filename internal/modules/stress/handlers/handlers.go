// Package handlers provides HTTP handlers for stress test results and the
// configured scenarios.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/stress"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// ResultStore reads committed stress results
type ResultStore interface {
	LatestResults(ctx context.Context, portfolioID int64, onOrBefore time.Time) ([]stress.Result, error)
}

// Handler handles stress test HTTP requests
type Handler struct {
	store     ResultStore
	scenarios *stress.ScenarioSet
	now       func() time.Time
	log       zerolog.Logger
}

// NewHandler creates a new stress handler
func NewHandler(store ResultStore, scenarios *stress.ScenarioSet, log zerolog.Logger) *Handler {
	return &Handler{
		store:     store,
		scenarios: scenarios,
		now:       time.Now,
		log:       log.With().Str("handler", "stress").Logger(),
	}
}

// HandleGetResults handles GET /api/portfolios/{id}/stress.
// Optional filters: mode (direct, correlated) and scenario.
func (h *Handler) HandleGetResults(w http.ResponseWriter, r *http.Request, rawID string) {
	portfolioID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || portfolioID <= 0 {
		http.Error(w, "invalid portfolio id", http.StatusBadRequest)
		return
	}
	asOf := h.now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		if asOf, err = domain.ParseDateKey(raw); err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}
	mode := r.URL.Query().Get("mode")
	if mode != "" && mode != stress.ModeDirect && mode != stress.ModeCorrelated {
		http.Error(w, "mode must be direct or correlated", http.StatusBadRequest)
		return
	}
	scenarioID := r.URL.Query().Get("scenario")

	results, err := h.store.LatestResults(r.Context(), portfolioID, asOf)
	if err != nil {
		h.log.Error().Err(err).Int64("portfolio_id", portfolioID).Msg("Failed to load stress results")
		http.Error(w, "Failed to load stress results", http.StatusInternalServerError)
		return
	}
	if len(results) == 0 {
		http.Error(w, "no stress results for portfolio", http.StatusNotFound)
		return
	}

	filtered := make([]stress.Result, 0, len(results))
	for _, res := range results {
		if mode != "" && res.Mode != mode {
			continue
		}
		if scenarioID != "" && res.ScenarioID != scenarioID {
			continue
		}
		filtered = append(filtered, res)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"portfolio_id":     portfolioID,
			"calculation_date": domain.DateKey(results[0].CalculationDate),
			"results":          filtered,
			"count":            len(filtered),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleListScenarios handles GET /api/stress/scenarios
func (h *Handler) HandleListScenarios(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"scenarios": h.scenarios.All(),
			"settings":  h.scenarios.Settings,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetScenario handles GET /api/stress/scenarios/{scenarioID}
func (h *Handler) HandleGetScenario(w http.ResponseWriter, r *http.Request) {
	scenario, ok := h.scenarios.Get(chi.URLParam(r, "scenarioID"))
	if !ok {
		http.Error(w, "scenario not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": scenario,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
