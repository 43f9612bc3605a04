package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/batch"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunStarter is a mock batch orchestrator for testing
type MockRunStarter struct {
	mock.Mock
}

func (m *MockRunStarter) Start(ctx context.Context, req batch.RunRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockRunStarter) Running() bool {
	return m.Called().Bool(0)
}

// startedRequest returns the request of the only Start call
func (m *MockRunStarter) startedRequest(t *testing.T) batch.RunRequest {
	t.Helper()
	m.AssertNumberOfCalls(t, "Start", 1)
	return m.Calls[0].Arguments.Get(1).(batch.RunRequest)
}

type stubRuns struct {
	runs map[string]batch.RunSummary
}

func (s *stubRuns) Get(ctx context.Context, id string) (*batch.RunSummary, error) {
	run, ok := s.runs[id]
	if !ok {
		return nil, batch.ErrRunNotFound
	}
	return &run, nil
}

func (s *stubRuns) List(ctx context.Context, limit int) ([]batch.RunSummary, error) {
	out := []batch.RunSummary{}
	for _, run := range s.runs {
		if len(out) == limit {
			break
		}
		out = append(out, run)
	}
	return out, nil
}

type stubSets struct {
	limit int
}

func (s *stubSets) ListForPortfolio(ctx context.Context, portfolioID int64, limit int) ([]batch.CalculationSet, error) {
	s.limit = limit
	return []batch.CalculationSet{
		{ID: "set-1", PortfolioID: portfolioID, Status: batch.SetCommitted, CalcDate: time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)},
	}, nil
}

type fixture struct {
	starter *MockRunStarter
	sets    *stubSets
	router  *chi.Mux
}

func newFixture() *fixture {
	f := &fixture{
		starter: new(MockRunStarter),
		sets:    &stubSets{},
	}
	runs := &stubRuns{runs: map[string]batch.RunSummary{
		"run-1": {ID: "run-1", Status: batch.RunCompleted, Committed: 4},
	}}
	h := NewHandler(f.starter, runs, f.sets, zerolog.New(nil).Level(zerolog.Disabled))
	f.router = chi.NewRouter()
	h.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	var decoded map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	return w, decoded
}

func TestHandleStartRun(t *testing.T) {
	f := newFixture()
	f.starter.On("Start", mock.Anything, mock.AnythingOfType("batch.RunRequest")).Return("run-42", nil)

	w, body := f.do(http.MethodPost, "/batch/runs", `{"from":"2024-06-24","to":"2024-06-28","portfolio_ids":[1,2]}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "run-42", body["data"].(map[string]interface{})["run_id"])

	req := f.starter.startedRequest(t)
	assert.Equal(t, "2024-06-24", domain.DateKey(req.From))
	assert.Equal(t, "2024-06-28", domain.DateKey(req.To))
	assert.Equal(t, []int64{1, 2}, req.PortfolioIDs)
	assert.Equal(t, "api", req.TriggeredBy)
}

func TestHandleStartRun_SingleDate(t *testing.T) {
	f := newFixture()
	f.starter.On("Start", mock.Anything, mock.Anything).Return("run-43", nil)

	w, _ := f.do(http.MethodPost, "/batch/runs", `{"from":"2024-06-28"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	req := f.starter.startedRequest(t)
	assert.True(t, req.From.Equal(req.To))
}

func TestHandleStartRun_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{"malformed body", nil, `{"from":`, http.StatusBadRequest},
		{"missing from", nil, `{}`, http.StatusBadRequest},
		{"bad to", nil, `{"from":"2024-06-28","to":"friday"}`, http.StatusBadRequest},
		{"already running", batch.ErrRunInProgress, `{"from":"2024-06-28"}`, http.StatusConflict},
		{"weekend only", batch.ErrInvalidRange, `{"from":"2024-06-29"}`, http.StatusBadRequest},
		{"no portfolios", batch.ErrNoPortfolios, `{"from":"2024-06-28"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.err != nil {
				f.starter.On("Start", mock.Anything, mock.Anything).Return("", tt.err)
			}
			w, _ := f.do(http.MethodPost, "/batch/runs", tt.body)
			assert.Equal(t, tt.status, w.Code)
			if tt.err == nil {
				f.starter.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestHandleGetRun(t *testing.T) {
	f := newFixture()

	w, body := f.do(http.MethodGet, "/batch/runs/run-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["data"].(map[string]interface{})["status"])

	w, _ = f.do(http.MethodGet, "/batch/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleListRuns(t *testing.T) {
	f := newFixture()
	f.starter.On("Running").Return(true)

	w, body := f.do(http.MethodGet, "/batch/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 1.0, data["count"])
	assert.Equal(t, true, data["running"])
}

func TestHandleListSets(t *testing.T) {
	f := newFixture()

	w, body := f.do(http.MethodGet, "/portfolios/3/sets?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, f.sets.limit)
	sets := body["data"].(map[string]interface{})["sets"].([]interface{})
	require.Len(t, sets, 1)
	assert.Equal(t, 3.0, sets[0].(map[string]interface{})["portfolio_id"])

	w, _ = f.do(http.MethodGet, "/portfolios/-1/sets", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
