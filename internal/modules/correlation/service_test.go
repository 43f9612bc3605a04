package correlation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/metrics"
	"github.com/aristath/riskengine/internal/modules/pricecache"
	testingpkg "github.com/aristath/riskengine/internal/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEnd = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

func testConfig() config.CorrelationConfig {
	return config.CorrelationConfig{LookbackDays: 90, MinPositionWeight: 0.01}
}

func newMarket() *testingpkg.SyntheticMarket {
	market := testingpkg.NewSyntheticMarket(testEnd, 150, 42)
	market.AddFactorDriven("AAA", map[string]float64{"SPY": 1.0}, 0.002)
	market.AddFactorDriven("BBB", map[string]float64{"SPY": 1.1}, 0.002)
	market.AddIndependent("CCC", 0.015)
	return market
}

func buildCache(t *testing.T, market *testingpkg.SyntheticMarket) *pricecache.Cache {
	t.Helper()
	points := market.Points()
	symbols := make([]string, 0, len(points))
	for s := range points {
		symbols = append(symbols, s)
	}
	cache, err := pricecache.Build(context.Background(), testingpkg.NewMockPriceStore(points),
		symbols, market.Dates[0], market.Last(), pricecache.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	return cache
}

func newService(cfg config.CorrelationConfig, reader domain.PortfolioReader, m *metrics.Registry) *Service {
	return NewService(cfg, domain.MustDefaultRegistry(), reader, m, zerolog.Nop())
}

func TestCalculate_Success(t *testing.T) {
	market := newMarket()
	cache := buildCache(t, market)
	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 100000),
		testingpkg.NewEquityPosition(1, 1, "CCC", 100, 20),
		testingpkg.NewEquityPosition(2, 1, "AAA", 100, 50),
		testingpkg.NewEquityPosition(3, 1, "BBB", -100, 50),
	)

	res, err := newService(testConfig(), reader, nil).Calculate(context.Background(), cache, 1, market.Last())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.Equal(t, []string{"AAA", "BBB", "CCC"}, res.Symbols)
	assert.Equal(t, 30, res.MinOverlap)
	require.Len(t, res.Matrix, 3)
	require.Len(t, res.Pairs, 3)
	assert.Equal(t, 3, res.ValidPairs)
	assert.Equal(t, 0, res.FilteredPairs)

	ab, ok := res.Pair("AAA", "BBB")
	require.True(t, ok)
	require.NotNil(t, ab.Correlation)
	assert.Greater(t, *ab.Correlation, 0.9)
	assert.True(t, ab.HighCorrelation)
	assert.False(t, ab.LowConfidence)
	assert.Equal(t, 90, ab.SampleSize)

	ac, _ := res.Pair("CCC", "AAA")
	assert.False(t, ac.HighCorrelation)
	assert.Len(t, res.HighCorrelationPairs(), 1)

	for i := range res.Matrix {
		assert.Equal(t, 1.0, res.Matrix[i][i])
		for j := range res.Matrix {
			assert.Equal(t, res.Matrix[i][j], res.Matrix[j][i])
		}
	}
	assert.False(t, res.PSDCorrected)
	assert.GreaterOrEqual(t, res.MinEigenAfter, -1e-10)
	assert.Greater(t, res.EffectivePositions, 1.0)
	assert.Less(t, res.EffectivePositions, 3.0)
}

func TestCalculate_ShortOverlapIsUnavailable(t *testing.T) {
	market := newMarket()
	prices := make([]float64, len(market.Dates))
	for i := range prices {
		// Only the last 16 prices exist: 15 returns inside a 90 day window
		if i < len(prices)-16 {
			prices[i] = math.NaN()
			continue
		}
		prices[i] = 30 + float64(i%5)
	}
	market.SetPrices("NEW", prices)
	cache := buildCache(t, market)

	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 100000),
		testingpkg.NewEquityPosition(1, 1, "AAA", 100, 50),
		testingpkg.NewEquityPosition(2, 1, "CCC", 100, 20),
		testingpkg.NewEquityPosition(3, 1, "NEW", 100, 30),
	)

	res, err := newService(testConfig(), reader, nil).Calculate(context.Background(), cache, 1, market.Last())
	require.NoError(t, err)

	pair, ok := res.Pair("AAA", "NEW")
	require.True(t, ok)
	assert.False(t, pair.Available)
	assert.Nil(t, pair.Correlation)
	assert.Nil(t, pair.PValue)
	assert.Equal(t, 15, pair.SampleSize)

	rho, ok := res.Correlation("AAA", "NEW")
	require.True(t, ok)
	assert.Equal(t, 0.0, rho)

	assert.Equal(t, 2, res.FilteredPairs)
	assert.Equal(t, 1, res.ValidPairs)
	assert.NotEmpty(t, res.Warnings)
}

func TestCalculate_NonPositivePricesStayFinite(t *testing.T) {
	market := newMarket()
	prices := append([]float64(nil), market.Prices["CCC"]...)
	prices[120] = 0
	prices[130] = -4
	market.SetPrices("CCC", prices)
	cache := buildCache(t, market)

	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 100000),
		testingpkg.NewEquityPosition(1, 1, "AAA", 100, 50),
		testingpkg.NewEquityPosition(2, 1, "CCC", 100, 20),
	)

	res, err := newService(testConfig(), reader, nil).Calculate(context.Background(), cache, 1, market.Last())
	require.NoError(t, err)

	pair, _ := res.Pair("AAA", "CCC")
	require.True(t, pair.Available)
	assert.Equal(t, 86, pair.SampleSize)
	for _, row := range res.Matrix {
		for _, v := range row {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
}

func TestCalculate_MinPositionWeight(t *testing.T) {
	market := newMarket()
	cache := buildCache(t, market)
	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 100000),
		testingpkg.NewEquityPosition(1, 1, "AAA", 1000, 50),
		testingpkg.NewEquityPosition(2, 1, "BBB", 1000, 50),
		testingpkg.NewEquityPosition(3, 1, "CCC", 1, 20),
	)

	res, err := newService(testConfig(), reader, nil).Calculate(context.Background(), cache, 1, market.Last())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "BBB"}, res.Symbols)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, "CCC", res.Excluded[0].Symbol)
	assert.Equal(t, ExcludedBelowMinWeight, res.Excluded[0].Reason)
	assert.InDelta(t, 20.0/100020.0, res.Excluded[0].Weight, 1e-12)
}

func TestCalculate_OptionsMapToUnderlying(t *testing.T) {
	market := newMarket()
	cache := buildCache(t, market)
	option := domain.Position{
		ID:               9,
		Symbol:           "AAA240719C00055000",
		UnderlyingSymbol: "AAA",
		Kind:             domain.KindOption,
		Quantity:         decimal.NewFromInt(5),
		Price:            decimal.NewFromInt(2),
	}
	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 100000),
		option,
		testingpkg.NewEquityPosition(1, 1, "AAA", 100, 50),
		testingpkg.NewEquityPosition(2, 1, "CCC", 100, 20),
	)

	res, err := newService(testConfig(), reader, nil).Calculate(context.Background(), cache, 1, market.Last())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "CCC"}, res.Symbols)
}

func TestCalculate_Skips(t *testing.T) {
	market := newMarket()
	cache := buildCache(t, market)
	private := testingpkg.NewEquityPosition(1, 1, "PRIV", 1, 1000)
	private.Kind = domain.KindPrivate

	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 100000), private)
	reader.Put(testingpkg.NewPortfolio(2, 100000), testingpkg.NewEquityPosition(2, 2, "AAA", 10, 50))
	svc := newService(testConfig(), reader, nil)

	res, err := svc.Calculate(context.Background(), cache, 1, market.Last())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, res.Status)
	assert.Equal(t, domain.ReasonNoEligiblePositions, res.Reason)
	assert.NotNil(t, res.Matrix)
	assert.NotNil(t, res.Pairs)

	res, err = svc.Calculate(context.Background(), cache, 2, market.Last())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, res.Status)
	assert.Equal(t, domain.ReasonInsufficientData, res.Reason)
	assert.Equal(t, []string{"AAA"}, res.Symbols)
}

func TestCalculate_PortfolioNotFound(t *testing.T) {
	market := newMarket()
	cache := buildCache(t, market)

	res, err := newService(testConfig(), testingpkg.NewMockPortfolioReader(), nil).Calculate(context.Background(), cache, 5, market.Last())
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, domain.ReasonPortfolioNotFound, res.Reason)
}

func TestCalculate_MissingPriceHistoryExcluded(t *testing.T) {
	market := newMarket()
	cache := buildCache(t, market)
	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 100000),
		testingpkg.NewEquityPosition(1, 1, "AAA", 100, 50),
		testingpkg.NewEquityPosition(2, 1, "CCC", 100, 20),
		testingpkg.NewEquityPosition(3, 1, "GHOST", 100, 20),
	)
	m := metrics.New(prometheus.NewRegistry())

	res, err := newService(testConfig(), reader, m).Calculate(context.Background(), cache, 1, market.Last())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "CCC"}, res.Symbols)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, ExcludedMissingPrices, res.Excluded[0].Reason)
}
