package batch

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	testingpkg "github.com/aristath/riskengine/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetRepository_Lifecycle(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "analytics")
	defer cleanup()
	repo := NewSetRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	id, err := repo.Create(ctx, "", 7, runTo)
	require.NoError(t, err)

	set, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SetPending, set.Status)
	assert.Equal(t, int64(7), set.PortfolioID)
	assert.True(t, set.CalcDate.Equal(runTo))
	assert.Nil(t, set.CommittedAt)
	assert.Empty(t, set.RunID)

	require.NoError(t, repo.Commit(ctx, id))
	set, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SetCommitted, set.Status)
	assert.NotNil(t, set.CommittedAt)

	// Finished sets are immutable
	assert.ErrorIs(t, repo.Fail(ctx, id, domain.ReasonStorageError), ErrSetNotPending)
	assert.ErrorIs(t, repo.Commit(ctx, "missing"), ErrSetNotFound)
}

func TestSetRepository_FailKeepsReason(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "analytics")
	defer cleanup()
	repo := NewSetRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	first, err := repo.Create(ctx, "run-1", 7, runFrom)
	require.NoError(t, err)
	second, err := repo.Create(ctx, "run-1", 7, runTo)
	require.NoError(t, err)
	require.NoError(t, repo.Fail(ctx, second, domain.ReasonInsufficientData))

	sets, err := repo.ListForPortfolio(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, second, sets[0].ID, "newest date first")
	assert.Equal(t, SetFailed, sets[0].Status)
	assert.Equal(t, domain.ReasonInsufficientData, sets[0].Reason)
	assert.Equal(t, "run-1", sets[0].RunID)
	assert.Equal(t, first, sets[1].ID)
	assert.Equal(t, SetPending, sets[1].Status)
}

func TestRunRepository_StartFinishGet(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "analytics")
	defer cleanup()
	repo := NewRunRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	summary := &RunSummary{
		ID:           "run-1",
		From:         runFrom,
		To:           runTo,
		TriggeredBy:  "cli",
		Status:       RunRunning,
		StartedAt:    time.Now().UTC().Truncate(time.Second),
		PortfolioIDs: []int64{1, 2},
		Outcomes:     []Outcome{},
	}
	require.NoError(t, repo.Start(ctx, summary))

	running, err := repo.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, running.Status)
	assert.Nil(t, running.FinishedAt)

	summary.Outcomes = []Outcome{
		{PortfolioID: 1, Date: runTo, Status: OutcomeCommitted},
		{PortfolioID: 2, Date: runTo, Status: OutcomeFailed, FailedPhase: PhaseFactor, Reason: domain.ReasonInvalidEquityBalance},
	}
	summary.finalize(time.Now().UTC())
	assert.Equal(t, RunPartial, summary.Status)
	require.NoError(t, repo.Finish(ctx, summary))

	stored, err := repo.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunPartial, stored.Status)
	assert.Equal(t, 1, stored.Committed)
	assert.Equal(t, 1, stored.Failed)
	assert.Equal(t, []int64{1, 2}, stored.PortfolioIDs)
	require.Len(t, stored.Failures(), 1)
	assert.Equal(t, domain.ReasonInvalidEquityBalance, stored.Failures()[0].Reason)
	assert.True(t, stored.From.Equal(runFrom))
	require.NotNil(t, stored.FinishedAt)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, repo.Finish(ctx, &RunSummary{ID: "missing", Status: RunFailed}), ErrRunNotFound)
}

func TestRunRepository_ListAndFailStale(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "analytics")
	defer cleanup()
	repo := NewRunRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	base := time.Date(2024, 7, 1, 2, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		require.NoError(t, repo.Start(ctx, &RunSummary{
			ID: id, From: runTo, To: runTo, TriggeredBy: "schedule", StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)

	closed, err := repo.FailStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), closed)

	runs, err = repo.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunFailed, runs[0].Status)
}

func TestRunSummary_Finalize(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		summary  RunSummary
		expected string
	}{
		{"all committed", RunSummary{Outcomes: []Outcome{{Status: OutcomeCommitted}}}, RunCompleted},
		{"mixed", RunSummary{Outcomes: []Outcome{{Status: OutcomeCommitted}, {Status: OutcomeFailed}}}, RunPartial},
		{"all failed", RunSummary{Outcomes: []Outcome{{Status: OutcomeFailed}}}, RunFailed},
		{"run error", RunSummary{Error: "price load failed"}, RunFailed},
		{"nothing to do", RunSummary{}, RunCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.summary.finalize(now)
			assert.Equal(t, tt.expected, tt.summary.Status)
			assert.NotNil(t, tt.summary.FinishedAt)
		})
	}
}
