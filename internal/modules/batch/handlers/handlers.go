// Package handlers provides HTTP handlers to trigger and inspect batch runs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/batch"
	"github.com/rs/zerolog"
)

// RunStarter starts batch runs in the background
type RunStarter interface {
	Start(ctx context.Context, req batch.RunRequest) (string, error)
	Running() bool
}

// RunStore reads batch run records
type RunStore interface {
	Get(ctx context.Context, id string) (*batch.RunSummary, error)
	List(ctx context.Context, limit int) ([]batch.RunSummary, error)
}

// SetStore reads calculation sets
type SetStore interface {
	ListForPortfolio(ctx context.Context, portfolioID int64, limit int) ([]batch.CalculationSet, error)
}

// Handler handles batch run HTTP requests
type Handler struct {
	starter RunStarter
	runs    RunStore
	sets    SetStore
	log     zerolog.Logger
}

// NewHandler creates a new batch handler
func NewHandler(starter RunStarter, runs RunStore, sets SetStore, log zerolog.Logger) *Handler {
	return &Handler{
		starter: starter,
		runs:    runs,
		sets:    sets,
		log:     log.With().Str("handler", "batch").Logger(),
	}
}

// StartRunRequest is the body of POST /api/batch/runs. To defaults to From.
type StartRunRequest struct {
	From         string  `json:"from"`
	To           string  `json:"to"`
	PortfolioIDs []int64 `json:"portfolio_ids"`
}

// HandleStartRun handles POST /api/batch/runs
func (h *Handler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var body StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	from, err := domain.ParseDateKey(body.From)
	if err != nil {
		http.Error(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to := from
	if body.To != "" {
		if to, err = domain.ParseDateKey(body.To); err != nil {
			http.Error(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	runID, err := h.starter.Start(r.Context(), batch.RunRequest{
		From:         from,
		To:           to,
		PortfolioIDs: body.PortfolioIDs,
		TriggeredBy:  "api",
	})
	switch {
	case errors.Is(err, batch.ErrRunInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, batch.ErrInvalidRange), errors.Is(err, batch.ErrNoPortfolios):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.log.Error().Err(err).Msg("Failed to start batch run")
		http.Error(w, "Failed to start batch run", http.StatusInternalServerError)
		return
	}

	h.log.Info().Str("run_id", runID).Str("from", body.From).Msg("Batch run started via API")
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{
			"run_id": runID,
			"status": batch.RunRunning,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleListRuns handles GET /api/batch/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 20)
	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list batch runs")
		http.Error(w, "Failed to list batch runs", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"runs":    runs,
			"count":   len(runs),
			"running": h.starter.Running(),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleGetRun handles GET /api/batch/runs/{runID}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.runs.Get(r.Context(), runID)
	if errors.Is(err, batch.ErrRunNotFound) {
		http.Error(w, "batch run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to get batch run")
		http.Error(w, "Failed to get batch run", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": run,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleListSets handles GET /api/portfolios/{id}/sets
func (h *Handler) HandleListSets(w http.ResponseWriter, r *http.Request, rawID string) {
	portfolioID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || portfolioID <= 0 {
		http.Error(w, "invalid portfolio id", http.StatusBadRequest)
		return
	}

	sets, err := h.sets.ListForPortfolio(r.Context(), portfolioID, parseLimit(r, 50))
	if err != nil {
		h.log.Error().Err(err).Int64("portfolio_id", portfolioID).Msg("Failed to list calculation sets")
		http.Error(w, "Failed to list calculation sets", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"portfolio_id": portfolioID,
			"sets":         sets,
			"count":        len(sets),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func parseLimit(r *http.Request, def int) int {
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			return parsedLimit
		}
	}
	return def
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
