package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/correlation"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	result *correlation.Result
	err    error
	asOf   time.Time
}

func (s *stubStore) LatestResult(ctx context.Context, portfolioID int64, onOrBefore time.Time) (*correlation.Result, error) {
	s.asOf = onOrBefore
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func ptr(v float64) *float64 { return &v }

func sampleResult() *correlation.Result {
	return &correlation.Result{
		CalculationDate: time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC),
		Status:          domain.StatusSuccess,
		PortfolioID:     1,
		Symbols:         []string{"AAA", "BBB", "CCC"},
		Matrix: [][]float64{
			{1, 0.85, 0.1},
			{0.85, 1, 0.2},
			{0.1, 0.2, 1},
		},
		Pairs: []correlation.Pair{
			{SymbolA: "AAA", SymbolB: "BBB", Correlation: ptr(0.85), Available: true, HighCorrelation: true, SampleSize: 89},
			{SymbolA: "AAA", SymbolB: "CCC", Correlation: ptr(0.1), Available: true, SampleSize: 89},
			{SymbolA: "BBB", SymbolB: "CCC", Correlation: ptr(0.2), Available: true, SampleSize: 89},
		},
	}
}

func serve(t *testing.T, store ResultStore, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	h := NewHandler(store, zerolog.New(nil).Level(zerolog.Disabled))
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHandleGetCorrelation(t *testing.T) {
	store := &stubStore{result: sampleResult()}
	w, body := serve(t, store, "/portfolios/1/correlation?date=2024-06-28")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-06-28", domain.DateKey(store.asOf))
	data := body["data"].(map[string]interface{})
	assert.Len(t, data["symbols"], 3)
	matrix := data["matrix"].([]interface{})
	assert.Equal(t, 0.85, matrix[0].([]interface{})[1])
}

func TestHandleGetHighCorrelations(t *testing.T) {
	w, body := serve(t, &stubStore{result: sampleResult()}, "/portfolios/1/correlation/high")

	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 1.0, data["count"])
	pair := data["pairs"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "AAA", pair["symbol_a"])
	assert.Equal(t, "BBB", pair["symbol_b"])
}

func TestHandleGetCorrelation_Errors(t *testing.T) {
	w, _ := serve(t, &stubStore{}, "/portfolios/0/correlation")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = serve(t, &stubStore{}, "/portfolios/1/correlation?date=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = serve(t, &stubStore{err: correlation.ErrNoResults}, "/portfolios/1/correlation")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = serve(t, &stubStore{err: errors.New("database is locked")}, "/portfolios/1/correlation/high")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
