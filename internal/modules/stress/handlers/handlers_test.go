package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/stress"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDoc = `
settings:
  max_abs_correlation: 0.95
  loss_cap_fraction: 0.99
scenarios:
  - id: crash
    name: Crash
    severity: severe
    shocks:
      market: -0.10
  - id: dormant
    name: Dormant
    severity: mild
    active: false
    shocks:
      value: 0.02
`

type stubStore struct {
	results []stress.Result
	err     error
}

func (s *stubStore) LatestResults(ctx context.Context, portfolioID int64, onOrBefore time.Time) ([]stress.Result, error) {
	return s.results, s.err
}

func sampleResults() []stress.Result {
	date := time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)
	return []stress.Result{
		{CalculationDate: date, Status: domain.StatusSuccess, ScenarioID: "crash", Mode: stress.ModeDirect, PortfolioID: 1, TotalPnL: -24000},
		{CalculationDate: date, Status: domain.StatusSuccess, ScenarioID: "crash", Mode: stress.ModeCorrelated, PortfolioID: 1, TotalPnL: -34500},
	}
}

func newRouter(t *testing.T, store ResultStore) *chi.Mux {
	t.Helper()
	file, err := config.ParseScenarioFile([]byte(scenarioDoc))
	require.NoError(t, err)
	set, err := stress.NewScenarioSet(file, domain.MustDefaultRegistry())
	require.NoError(t, err)

	h := NewHandler(store, set, zerolog.New(nil).Level(zerolog.Disabled))
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func get(router http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHandleGetResults(t *testing.T) {
	router := newRouter(t, &stubStore{results: sampleResults()})

	w, body := get(router, "/portfolios/1/stress")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 2.0, data["count"])
	assert.Equal(t, "2024-06-28", data["calculation_date"])

	w, body = get(router, "/portfolios/1/stress?mode=correlated")
	require.Equal(t, http.StatusOK, w.Code)
	data = body["data"].(map[string]interface{})
	require.Equal(t, 1.0, data["count"])
	result := data["results"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, -34500.0, result["total_pnl"])

	w, body = get(router, "/portfolios/1/stress?scenario=calm")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.0, body["data"].(map[string]interface{})["count"])
}

func TestHandleGetResults_Errors(t *testing.T) {
	w, _ := get(newRouter(t, &stubStore{}), "/portfolios/1/stress")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = get(newRouter(t, &stubStore{results: sampleResults()}), "/portfolios/1/stress?mode=sideways")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = get(newRouter(t, &stubStore{}), "/portfolios/x/stress")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = get(newRouter(t, &stubStore{err: errors.New("disk I/O error")}), "/portfolios/1/stress")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleListScenarios(t *testing.T) {
	router := newRouter(t, &stubStore{})

	w, body := get(router, "/stress/scenarios")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Len(t, data["scenarios"], 2)
	assert.Equal(t, 0.99, data["settings"].(map[string]interface{})["loss_cap_fraction"])

	w, body = get(router, "/stress/scenarios/dormant")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["data"].(map[string]interface{})["active"])

	w, _ = get(router, "/stress/scenarios/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
