package stress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/metrics"
	"github.com/aristath/riskengine/internal/modules/factors"
	"github.com/aristath/riskengine/internal/modules/pricecache"
	testingpkg "github.com/aristath/riskengine/internal/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDate = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

const singleShock = `
settings:
  max_abs_correlation: 0.95
  loss_cap_fraction: 0.99
scenarios:
  - id: correction
    name: Correction
    severity: mild
    shocks:
      market: -0.10
`

func dollar(v float64) *float64 {
	return &v
}

// portfolioRecord is a stored portfolio-level exposure; a nil dollar exposure
// forces the beta fallback path
func portfolioRecord(factorID int, beta float64, dollarExposure *float64) factors.ExposureRecord {
	def, _ := domain.MustDefaultRegistry().ByID(factorID)
	return factors.ExposureRecord{
		SubjectKind:    domain.SubjectPortfolio,
		SubjectID:      1,
		FactorID:       factorID,
		FactorName:     def.Name,
		Beta:           beta,
		DollarExposure: dollarExposure,
	}
}

func hedgedReader(equity float64) *testingpkg.MockPortfolioReader {
	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, equity),
		testingpkg.NewEquityPosition(1, 1, "LONG", 7000, 100),
		testingpkg.NewEquityPosition(2, 1, "HEDGE", -4000, 100),
	)
	return reader
}

func newEngine(t *testing.T, doc string, reader domain.PortfolioReader, m *metrics.Registry) *Engine {
	t.Helper()
	return NewEngine(parseScenarios(t, doc), domain.MustDefaultRegistry(), reader, nil, 150, m, zerolog.Nop())
}

func find(results []Result, scenarioID, mode string) Result {
	for _, r := range results {
		if r.ScenarioID == scenarioID && r.Mode == mode {
			return r
		}
	}
	return Result{}
}

func TestRun_BetaFallbackUsesNetValue(t *testing.T) {
	engine := newEngine(t, singleShock, hedgedReader(500000), nil)
	records := []factors.ExposureRecord{portfolioRecord(1, 0.8, nil)}

	results, err := engine.Run(context.Background(), nil, 1, testDate, records)
	require.NoError(t, err)
	require.Len(t, results, 2)

	res := find(results, "correction", ModeDirect)
	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.InDelta(t, 300000, res.NetValue, 1e-6)
	assert.InDelta(t, 1100000, res.GrossValue, 1e-6)
	// net × beta × shock, never gross × beta × shock (-88,000)
	assert.InDelta(t, -24000, res.TotalPnL, 1e-6)
	assert.Equal(t, PathBetaFallback, res.Contributions[0].Path)
	assert.InDelta(t, 240000, res.Contributions[0].Exposure, 1e-6)
	assert.False(t, res.MixedPaths)
	assert.False(t, res.Capped)
	assert.InDelta(t, -0.048, res.PnLFraction, 1e-12)
}

func TestRun_PrefersDollarExposure(t *testing.T) {
	engine := newEngine(t, singleShock, hedgedReader(500000), nil)
	records := []factors.ExposureRecord{portfolioRecord(1, 0.8, dollar(250000))}

	results, err := engine.Run(context.Background(), nil, 1, testDate, records)
	require.NoError(t, err)

	res := find(results, "correction", ModeDirect)
	assert.InDelta(t, -25000, res.TotalPnL, 1e-6)
	assert.Equal(t, PathDollarExposure, res.Contributions[0].Path)
	for _, c := range res.Contributions[1:] {
		assert.Equal(t, PathNone, c.Path)
		assert.Equal(t, 0.0, c.Contribution)
	}
}

func TestRun_MixedPathsAreFlagged(t *testing.T) {
	doc := `
settings:
  max_abs_correlation: 0.95
  loss_cap_fraction: 0.99
scenarios:
  - id: rotation
    name: Rotation
    severity: moderate
    shocks:
      market: -0.10
      value: 0.05
`
	engine := newEngine(t, doc, hedgedReader(500000), nil)
	records := []factors.ExposureRecord{
		portfolioRecord(1, 0.8, dollar(250000)),
		portfolioRecord(2, 0.2, nil),
	}

	results, err := engine.Run(context.Background(), nil, 1, testDate, records)
	require.NoError(t, err)

	res := find(results, "rotation", ModeDirect)
	assert.True(t, res.MixedPaths)
	// -25,000 from dollar exposure, 300,000 × 0.2 × 0.05 = 3,000 from the fallback
	assert.InDelta(t, -22000, res.TotalPnL, 1e-6)
}

func TestRun_ZeroShocksGiveZeroPnL(t *testing.T) {
	doc := `
settings:
  max_abs_correlation: 0.95
  loss_cap_fraction: 0.99
scenarios:
  - id: flat
    name: Flat
    severity: mild
    shocks:
      market: 0
      value: 0
`
	engine := newEngine(t, doc, hedgedReader(500000), nil)
	records := []factors.ExposureRecord{
		portfolioRecord(1, 0.8, dollar(250000)),
		portfolioRecord(2, 0.3, nil),
	}

	results, err := engine.Run(context.Background(), nil, 1, testDate, records)
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, 0.0, res.TotalPnL, res.Mode)
		assert.False(t, res.MixedPaths)
	}
}

func TestRun_LossCapScalesContributions(t *testing.T) {
	doc := `
settings:
  max_abs_correlation: 0.95
  loss_cap_fraction: 0.99
scenarios:
  - id: wipeout
    name: Wipeout
    severity: extreme
    shocks:
      market: -0.50
      size: -0.30
  - id: rally
    name: Rally
    severity: mild
    shocks:
      market: 0.50
`
	m := metrics.New(prometheus.NewRegistry())
	engine := newEngine(t, doc, hedgedReader(100000), m)
	records := []factors.ExposureRecord{
		portfolioRecord(1, 20, dollar(2000000)),
		portfolioRecord(6, 5, dollar(500000)),
	}

	results, err := engine.Run(context.Background(), nil, 1, testDate, records)
	require.NoError(t, err)

	res := find(results, "wipeout", ModeDirect)
	assert.True(t, res.Capped)
	assert.InDelta(t, -1150000, res.UncappedPnL, 1e-6)
	assert.InDelta(t, -99000, res.TotalPnL, 1e-6)
	assert.InDelta(t, -0.99, res.PnLFraction, 1e-12)

	var sum float64
	for _, c := range res.Contributions {
		sum += c.Contribution
	}
	assert.InDelta(t, res.TotalPnL, sum, 1e-6)
	// Proportions survive the scaling
	assert.InDelta(t, 1000000.0/150000.0, res.Contributions[0].Contribution/res.Contributions[5].Contribution, 1e-9)

	rally := find(results, "rally", ModeDirect)
	assert.False(t, rally.Capped)
	assert.InDelta(t, 1000000, rally.TotalPnL, 1e-6)

	// Both modes of the wipeout are capped
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StressCapped))
}

func TestRun_LongOnlyNetEqualsGross(t *testing.T) {
	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 200000),
		testingpkg.NewEquityPosition(1, 1, "AAA", 1000, 100),
		testingpkg.NewEquityPosition(2, 1, "BBB", 500, 100),
	)
	engine := newEngine(t, singleShock, reader, nil)

	results, err := engine.Run(context.Background(), nil, 1, testDate, []factors.ExposureRecord{portfolioRecord(1, 1.1, nil)})
	require.NoError(t, err)

	res := find(results, "correction", ModeDirect)
	assert.Equal(t, res.GrossValue, res.NetValue)
	assert.InDelta(t, -16500, res.TotalPnL, 1e-6)
}

func TestRun_HedgedBookIsNearZero(t *testing.T) {
	reader := testingpkg.NewMockPortfolioReader()
	reader.Put(testingpkg.NewPortfolio(1, 200000),
		testingpkg.NewEquityPosition(1, 1, "LONG", 5000, 100),
		testingpkg.NewEquityPosition(2, 1, "SHORT", -5000, 100),
	)
	engine := newEngine(t, singleShock, reader, nil)

	results, err := engine.Run(context.Background(), nil, 1, testDate, []factors.ExposureRecord{portfolioRecord(1, 1.0, nil)})
	require.NoError(t, err)

	res := find(results, "correction", ModeDirect)
	assert.Equal(t, 0.0, res.NetValue)
	assert.InDelta(t, 0, res.TotalPnL, 1e-9)
	assert.InDelta(t, 1000000, res.GrossValue, 1e-6)
}

func TestRun_CorrelatedModeClampsCorrelation(t *testing.T) {
	market := testingpkg.NewSyntheticMarket(testDate, 200, 5)
	// Value moves exactly with the market: correlation 1, clamped to 0.95
	market.SetPrices("VTV", append([]float64(nil), market.Prices["SPY"]...))
	points := market.Points()
	symbols := make([]string, 0, len(points))
	for s := range points {
		symbols = append(symbols, s)
	}
	cache, err := pricecache.Build(context.Background(), testingpkg.NewMockPriceStore(points), symbols,
		market.Dates[0], market.Last(), pricecache.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	engine := newEngine(t, singleShock, hedgedReader(500000), nil)
	records := []factors.ExposureRecord{
		portfolioRecord(1, 0.5, dollar(250000)),
		portfolioRecord(2, 0.2, dollar(100000)),
	}

	results, err := engine.Run(context.Background(), cache, 1, market.Last(), records)
	require.NoError(t, err)

	direct := find(results, "correction", ModeDirect)
	assert.Equal(t, 0.0, direct.Contributions[1].AppliedShock)
	assert.InDelta(t, -25000, direct.TotalPnL, 1e-6)

	correlated := find(results, "correction", ModeCorrelated)
	assert.InDelta(t, -0.10, correlated.Contributions[0].AppliedShock, 1e-12)
	assert.InDelta(t, -0.095, correlated.Contributions[1].AppliedShock, 1e-12)
	assert.Equal(t, 0.0, correlated.Contributions[1].Shock)
	assert.InDelta(t, -25000-9500, correlated.TotalPnL, 1e-6)
	for _, c := range correlated.Contributions[2:] {
		assert.InDelta(t, 0, c.AppliedShock, 0.1*0.95+1e-12)
	}
}

func TestRun_NoExposuresSkips(t *testing.T) {
	engine := newEngine(t, testScenarios, hedgedReader(500000), nil)

	results, err := engine.Run(context.Background(), nil, 1, testDate, nil)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, res := range results {
		assert.Equal(t, domain.StatusSkipped, res.Status)
		assert.Equal(t, domain.ReasonNoExposures, res.Reason)
		assert.Len(t, res.Contributions, len(domain.DefaultFactors))
	}
}

func TestRun_InvalidEquityFails(t *testing.T) {
	engine := newEngine(t, singleShock, hedgedReader(0), nil)

	results, err := engine.Run(context.Background(), nil, 1, testDate, []factors.ExposureRecord{portfolioRecord(1, 1, nil)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidEquityBalance))
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, domain.StatusFailed, res.Status)
		assert.Equal(t, domain.ReasonInvalidEquityBalance, res.Reason)
	}
}

type countingSource struct {
	records []factors.ExposureRecord
	err     error
	calls   int
}

func (s *countingSource) ExposuresForSet(ctx context.Context, setID string, kind domain.SubjectKind) ([]factors.ExposureRecord, error) {
	s.calls++
	return s.records, s.err
}

func TestRunForSet_SingleLookupServesAllScenarios(t *testing.T) {
	source := &countingSource{records: []factors.ExposureRecord{portfolioRecord(1, 0.8, dollar(250000))}}
	engine := NewEngine(parseScenarios(t, testScenarios), domain.MustDefaultRegistry(), hedgedReader(500000), source, 150, nil, zerolog.Nop())

	results, err := engine.RunForSet(context.Background(), nil, 1, testDate, "set-1")
	require.NoError(t, err)
	assert.Len(t, results, 4)
	assert.Equal(t, 1, source.calls)
}

func TestRunForSet_LookupError(t *testing.T) {
	source := &countingSource{err: errors.New("locked")}
	engine := NewEngine(parseScenarios(t, testScenarios), domain.MustDefaultRegistry(), hedgedReader(500000), source, 150, nil, zerolog.Nop())

	results, err := engine.RunForSet(context.Background(), nil, 1, testDate, "set-1")
	require.Error(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, domain.ReasonStorageError, results[0].Reason)
}
