package correlation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/metrics"
	"github.com/aristath/riskengine/internal/modules/pricecache"
	"github.com/aristath/riskengine/pkg/formulas"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	minOverlapFloor          = 20
	lowConfidencePValue      = 0.05
	highCorrelationThreshold = 0.80
)

// MinOverlap is the number of overlapping return observations a pair needs
// for its correlation to be reported: max(20, lookback/3)
func MinOverlap(lookbackDays int) int {
	if m := lookbackDays / 3; m > minOverlapFloor {
		return m
	}
	return minOverlapFloor
}

// Service computes portfolio correlation matrices
type Service struct {
	cfg      config.CorrelationConfig
	registry *domain.FactorRegistry
	reader   domain.PortfolioReader
	metrics  *metrics.Registry
	log      zerolog.Logger
}

// NewService creates a correlation service. The registry's market proxy
// provides the trading calendar.
func NewService(cfg config.CorrelationConfig, registry *domain.FactorRegistry, reader domain.PortfolioReader, m *metrics.Registry, log zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		reader:   reader,
		metrics:  m,
		log:      log.With().Str("component", "correlation_service").Logger(),
	}
}

// holding is the aggregated exposure of one price symbol
type holding struct {
	symbol   string
	exposure float64 // Σ |signed exposure|
}

// Calculate builds the correlation matrix of the portfolio's holdings on date.
// The returned Result is never nil; a non-nil error means the calculation
// failed for this portfolio-date.
func (s *Service) Calculate(ctx context.Context, cache *pricecache.Cache, portfolioID int64, date time.Time) (*Result, error) {
	date = domain.NormalizeDate(date)
	res := s.newResult(portfolioID, date)
	log := s.log.With().Int64("portfolio_id", portfolioID).Str("date", domain.DateKey(date)).Logger()

	if _, err := s.reader.GetPortfolio(ctx, portfolioID); err != nil {
		return s.fail(res, err)
	}
	positions, err := s.reader.GetPositions(ctx, portfolioID, date)
	if err != nil {
		return s.fail(res, err)
	}
	eligible, _ := domain.EligiblePositions(positions, date)
	if len(eligible) == 0 {
		res.Status = domain.StatusSkipped
		res.Reason = domain.ReasonNoEligiblePositions
		log.Info().Msg("No eligible positions, skipping correlation matrix")
		return res, nil
	}

	holdings := s.filterByWeight(res, aggregateHoldings(eligible))

	calendar := s.calendar(cache, date)
	returns := make(map[string][]float64, len(holdings))
	for _, h := range holdings {
		if !cache.Has(h.symbol) {
			res.Excluded = append(res.Excluded, Exclusion{Symbol: h.symbol, Reason: ExcludedMissingPrices})
			continue
		}
		r := cache.Returns(h.symbol, calendar, pricecache.LogReturns)
		if formulas.Variance(finiteOnly(r)) == 0 {
			res.Excluded = append(res.Excluded, Exclusion{Symbol: h.symbol, Reason: ExcludedNoVariance})
			continue
		}
		returns[h.symbol] = r
		res.Symbols = append(res.Symbols, h.symbol)
	}
	sort.Strings(res.Symbols)

	if len(res.Symbols) < 2 {
		res.Status = domain.StatusSkipped
		res.Reason = domain.ReasonInsufficientData
		log.Info().Int("symbols", len(res.Symbols)).Msg("Fewer than two holdings with price history, skipping correlation matrix")
		return res, nil
	}

	s.fillPairs(res, returns)

	report, err := ensurePSD(res.Matrix)
	if err != nil {
		return s.fail(res, domain.NewCalculationError(domain.ReasonSingularMatrix, "%v", err))
	}
	res.PSDCorrected = report.corrected
	res.MinEigenBefore = report.minEigenBefore
	res.MinEigenAfter = report.minEigenAfter
	res.EffectivePositions = effectivePositions(report.eigenvalues)
	if report.corrected {
		s.metrics.PSDCorrection()
		res.Warnings = append(res.Warnings, fmt.Sprintf("matrix was not positive semi-definite (min eigenvalue %.2e), corrected", report.minEigenBefore))
	}

	s.summarize(res)
	res.Status = domain.StatusSuccess

	if res.FilteredPairs > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d pairs have fewer than %d overlapping observations", res.FilteredPairs, res.MinOverlap))
	}
	if res.LowConfidencePairs > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d pairs are not significant at p<%.2f", res.LowConfidencePairs, lowConfidencePValue))
	}
	for _, w := range res.Warnings {
		log.Warn().Str("warning", w).Msg("Correlation diagnostic")
	}
	log.Debug().
		Int("symbols", len(res.Symbols)).
		Int("valid_pairs", res.ValidPairs).
		Float64("effective_positions", res.EffectivePositions).
		Msg("Correlation matrix calculated")
	return res, nil
}

// aggregateHoldings sums exposure magnitudes per price symbol
func aggregateHoldings(positions []domain.Position) []holding {
	bySymbol := make(map[string]float64)
	var order []string
	for _, p := range positions {
		symbol := p.PriceSymbol()
		if _, ok := bySymbol[symbol]; !ok {
			order = append(order, symbol)
		}
		bySymbol[symbol] += domain.MagnitudeExposure(p).InexactFloat64()
	}
	out := make([]holding, len(order))
	for i, symbol := range order {
		out[i] = holding{symbol: symbol, exposure: bySymbol[symbol]}
	}
	return out
}

// filterByWeight drops holdings below the minimum share of gross exposure
func (s *Service) filterByWeight(res *Result, holdings []holding) []holding {
	var gross float64
	for _, h := range holdings {
		gross += h.exposure
	}
	if gross <= 0 || s.cfg.MinPositionWeight <= 0 {
		return holdings
	}
	kept := holdings[:0]
	for _, h := range holdings {
		weight := h.exposure / gross
		if weight < s.cfg.MinPositionWeight {
			res.Excluded = append(res.Excluded, Exclusion{Symbol: h.symbol, Reason: ExcludedBelowMinWeight, Weight: weight})
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

func (s *Service) calendar(cache *pricecache.Cache, date time.Time) []time.Time {
	def, ok := s.registry.Resolve("market")
	if !ok {
		all := s.registry.All()
		if len(all) == 0 {
			return nil
		}
		def = all[0]
	}
	return cache.TradingDates(def.ProxySymbol, date, s.cfg.LookbackDays+1)
}

// fillPairs correlates every pair of symbols. Unavailable pairs are 0 in the
// matrix and nil in their pair record.
func (s *Service) fillPairs(res *Result, returns map[string][]float64) {
	n := len(res.Symbols)
	res.Matrix = make([][]float64, n)
	for i := range res.Matrix {
		res.Matrix[i] = make([]float64, n)
		res.Matrix[i][i] = 1
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := res.Symbols[i], res.Symbols[j]
			rho, overlap, ok := formulas.PairCorrelation(returns[a], returns[b], res.MinOverlap)
			pair := Pair{SymbolA: a, SymbolB: b, SampleSize: overlap, Available: ok}
			if ok {
				p := correlationPValue(rho, overlap)
				pair.PValue = &p
				pair.LowConfidence = p > lowConfidencePValue
				res.Matrix[i][j], res.Matrix[j][i] = rho, rho
			}
			res.Pairs = append(res.Pairs, pair)
		}
	}
}

// summarize fills the pair correlations from the final matrix and the aggregates
func (s *Service) summarize(res *Result) {
	var sum float64
	for k := range res.Pairs {
		pair := &res.Pairs[k]
		if !pair.Available {
			res.FilteredPairs++
			continue
		}
		rho, _ := res.Correlation(pair.SymbolA, pair.SymbolB)
		pair.Correlation = &rho
		pair.HighCorrelation = math.Abs(rho) >= highCorrelationThreshold
		res.ValidPairs++
		sum += rho
		if pair.LowConfidence {
			res.LowConfidencePairs++
		}
	}
	if res.ValidPairs > 0 {
		res.AverageCorrelation = sum / float64(res.ValidPairs)
	}
}

// correlationPValue is the two-sided p-value of t = r·√((n−2)/(1−r²)) with n−2
// degrees of freedom
func correlationPValue(r float64, n int) float64 {
	if n <= 2 {
		return 1
	}
	if math.Abs(r) >= 1 {
		return 0
	}
	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * (1 - dist.CDF(math.Abs(t)))
}

func finiteOnly(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if formulas.IsFinite(v) {
			out = append(out, v)
		}
	}
	return out
}

func (s *Service) newResult(portfolioID int64, date time.Time) *Result {
	return &Result{
		PortfolioID:     portfolioID,
		CalculationDate: date,
		LookbackDays:    s.cfg.LookbackDays,
		MinOverlap:      MinOverlap(s.cfg.LookbackDays),
		Symbols:         []string{},
		Matrix:          [][]float64{},
		Pairs:           []Pair{},
		Excluded:        []Exclusion{},
		Warnings:        []string{},
	}
}

func (s *Service) fail(res *Result, err error) (*Result, error) {
	res.Status = domain.StatusFailed
	res.Reason = domain.ReasonOf(err)
	if res.Reason == domain.ReasonNone {
		res.Reason = domain.ReasonStorageError
		err = fmt.Errorf("failed to load portfolio %d: %w", res.PortfolioID, err)
	}
	s.log.Warn().
		Int64("portfolio_id", res.PortfolioID).
		Str("date", domain.DateKey(res.CalculationDate)).
		Str("reason", string(res.Reason)).
		Err(err).
		Msg("Correlation calculation failed")
	return res, err
}
