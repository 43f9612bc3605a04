package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/domain"
	testingpkg "github.com/aristath/riskengine/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepo(t *testing.T) (*Repository, *database.DB) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDB(t, database.NamePortfolio)
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop()), db
}

func TestGetPortfolio(t *testing.T) {
	repo, db := setupRepo(t)
	testingpkg.SeedPortfolio(t, db, testingpkg.NewPortfolio(1, 1_000_000), nil)

	p, err := repo.GetPortfolio(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, p.EquityBalance.Equal(decimal.NewFromInt(1_000_000)))

	_, err = repo.GetPortfolio(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrPortfolioNotFound)
}

func TestGetPositions(t *testing.T) {
	repo, db := setupRepo(t)
	asOf := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	exited := asOf.AddDate(0, -1, 0)

	option := domain.Position{
		ID: 3, Symbol: "AAPL240621C00200000", UnderlyingSymbol: "AAPL", Kind: domain.KindOption,
		Quantity: decimal.NewFromInt(-2), Price: decimal.NewFromFloat(4.25),
	}
	future := testingpkg.NewEquityPosition(4, 1, "NVDA", 5, 900)
	future.EntryDate = asOf.AddDate(0, 0, 1)
	closed := testingpkg.NewEquityPosition(5, 1, "TSLA", 3, 180)
	closed.ExitDate = &exited

	testingpkg.SeedPortfolio(t, db, testingpkg.NewPortfolio(1, 500_000), []domain.Position{
		testingpkg.NewEquityPosition(1, 1, "MSFT", 100, 420.5),
		testingpkg.NewEquityPosition(2, 1, "SPY", -50, 510),
		option, future, closed,
	})

	positions, err := repo.GetPositions(context.Background(), 1, asOf)
	require.NoError(t, err)
	require.Len(t, positions, 4)

	assert.Equal(t, "MSFT", positions[0].Symbol)
	assert.True(t, positions[1].Quantity.IsNegative())
	assert.Equal(t, domain.KindOption, positions[2].Kind)
	assert.Equal(t, "AAPL", positions[2].PriceSymbol())
	assert.InDelta(t, -850, domain.SignedExposureFloat(positions[2]), 1e-9)
	require.NotNil(t, positions[3].ExitDate)
	assert.True(t, positions[3].IsExited(asOf))
}

func TestListPortfolioIDsAndSymbols(t *testing.T) {
	repo, db := setupRepo(t)
	testingpkg.SeedPortfolio(t, db, testingpkg.NewPortfolio(2, 100), []domain.Position{
		testingpkg.NewEquityPosition(1, 2, "MSFT", 1, 1),
		{ID: 2, Symbol: "PRIVCO", Kind: domain.KindPrivate, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)},
	})
	testingpkg.SeedPortfolio(t, db, testingpkg.NewPortfolio(1, 100), []domain.Position{
		testingpkg.NewEquityPosition(3, 1, "AAPL", 1, 1),
		testingpkg.NewEquityPosition(4, 1, "MSFT", -1, 1),
	})

	ids, err := repo.ListPortfolioIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	symbols, err := repo.ListSymbols(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)

	symbols, err = repo.ListSymbols(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, symbols)
}
