package correlation

import (
	"context"
	"testing"

	"github.com/aristath/riskengine/internal/domain"
	testingpkg "github.com/aristath/riskengine/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_RoundTrip(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "analytics")
	defer cleanup()
	repo := NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	market := newMarket()
	cache := buildCache(t, market)
	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 100000),
		testingpkg.NewEquityPosition(1, 1, "AAA", 100, 50),
		testingpkg.NewEquityPosition(2, 1, "BBB", 100, 50),
		testingpkg.NewEquityPosition(3, 1, "CCC", 100, 20),
		testingpkg.NewEquityPosition(4, 1, "GHOST", 100, 20),
	)
	res, err := newService(testConfig(), reader, nil).Calculate(ctx, cache, 1, market.Last())
	require.NoError(t, err)

	setID := testingpkg.NewCalculationSet(t, db, 1, res.CalculationDate)
	require.NoError(t, repo.SaveResult(ctx, setID, res))

	_, err = repo.LatestResult(ctx, 1, res.CalculationDate)
	assert.ErrorIs(t, err, ErrNoResults)

	pending, err := repo.ResultForSet(ctx, setID)
	require.NoError(t, err)
	assert.Equal(t, res.Matrix, pending.Matrix)

	testingpkg.CommitCalculationSet(t, db, setID)
	stored, err := repo.LatestResult(ctx, 1, res.CalculationDate)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccess, stored.Status)
	assert.Equal(t, res.Symbols, stored.Symbols)
	assert.Equal(t, res.Matrix, stored.Matrix)
	assert.Equal(t, res.ValidPairs, stored.ValidPairs)
	assert.Equal(t, res.MinOverlap, stored.MinOverlap)
	assert.InDelta(t, res.EffectivePositions, stored.EffectivePositions, 1e-12)
	assert.Equal(t, res.Excluded, stored.Excluded)
	require.Len(t, stored.Pairs, 3)

	ab, ok := stored.Pair("AAA", "BBB")
	require.True(t, ok)
	require.NotNil(t, ab.Correlation)
	assert.True(t, ab.HighCorrelation)
	want, _ := res.Pair("AAA", "BBB")
	assert.InDelta(t, *want.Correlation, *ab.Correlation, 1e-12)
}

func TestRepository_SkippedResult(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "analytics")
	defer cleanup()
	repo := NewRepository(db.Conn(), zerolog.Nop())
	ctx := context.Background()

	res := newService(testConfig(), nil, nil).newResult(7, testEnd)
	res.Status = domain.StatusSkipped
	res.Reason = domain.ReasonNoEligiblePositions

	setID := testingpkg.NewCalculationSet(t, db, 7, testEnd)
	require.NoError(t, repo.SaveResult(ctx, setID, res))
	testingpkg.CommitCalculationSet(t, db, setID)

	stored, err := repo.LatestResult(ctx, 7, testEnd)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, stored.Status)
	assert.Equal(t, domain.ReasonNoEligiblePositions, stored.Reason)
	assert.Empty(t, stored.Matrix)
	assert.Empty(t, stored.Pairs)
	assert.Empty(t, stored.Symbols)
}
