package stress

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/metrics"
	"github.com/aristath/riskengine/internal/modules/correlation"
	"github.com/aristath/riskengine/internal/modules/factors"
	"github.com/aristath/riskengine/internal/modules/pricecache"
	"github.com/aristath/riskengine/pkg/formulas"
	"github.com/rs/zerolog"
)

// Evaluation modes
const (
	ModeDirect     = "direct"
	ModeCorrelated = "correlated"
)

// Contribution paths
const (
	PathDollarExposure = "dollar_exposure"
	PathBetaFallback   = "beta_fallback"
	PathNone           = "none"
)

// ExposureSource serves the stored factor exposures of a calculation set
type ExposureSource interface {
	ExposuresForSet(ctx context.Context, setID string, kind domain.SubjectKind) ([]factors.ExposureRecord, error)
}

// Contribution is one factor's share of a scenario P&L
type Contribution struct {
	FactorName   string  `json:"factor_name"`
	Path         string  `json:"path"`
	FactorID     int     `json:"factor_id"`
	Shock        float64 `json:"shock"`
	AppliedShock float64 `json:"applied_shock"`
	Exposure     float64 `json:"exposure"`
	Contribution float64 `json:"contribution"`
}

// Result is the P&L of one scenario in one mode for one portfolio-date.
// Success, skip and failure share this shape.
type Result struct {
	CalculationDate time.Time           `json:"calculation_date"`
	Status          domain.ResultStatus `json:"status"`
	Reason          domain.ReasonCode   `json:"reason,omitempty"`
	ScenarioID      string              `json:"scenario_id"`
	ScenarioName    string              `json:"scenario_name"`
	Severity        string              `json:"severity"`
	Mode            string              `json:"mode"`
	Contributions   []Contribution      `json:"contributions"`
	PortfolioID     int64               `json:"portfolio_id"`
	TotalPnL        float64             `json:"total_pnl"`
	UncappedPnL     float64             `json:"uncapped_pnl"`
	PnLFraction     float64             `json:"pnl_fraction"`
	NetValue        float64             `json:"net_value"`
	GrossValue      float64             `json:"gross_value"`
	Capped          bool                `json:"capped"`
	MixedPaths      bool                `json:"mixed_paths"`
}

// Engine evaluates the active scenarios against a portfolio's exposures
type Engine struct {
	scenarios    *ScenarioSet
	registry     *domain.FactorRegistry
	reader       domain.PortfolioReader
	exposures    ExposureSource
	metrics      *metrics.Registry
	log          zerolog.Logger
	lookbackDays int
}

// NewEngine creates a stress test engine. lookbackDays sizes the window of
// the factor correlation matrix used in correlated mode.
func NewEngine(scenarios *ScenarioSet, registry *domain.FactorRegistry, reader domain.PortfolioReader, exposures ExposureSource, lookbackDays int, m *metrics.Registry, log zerolog.Logger) *Engine {
	return &Engine{
		scenarios:    scenarios,
		registry:     registry,
		reader:       reader,
		exposures:    exposures,
		metrics:      m,
		log:          log.With().Str("component", "stress_engine").Logger(),
		lookbackDays: lookbackDays,
	}
}

// Scenarios returns the engine's scenario set
func (e *Engine) Scenarios() *ScenarioSet {
	return e.scenarios
}

// RunForSet loads the portfolio exposures of a calculation set with one
// repository call and evaluates every active scenario against them
func (e *Engine) RunForSet(ctx context.Context, cache *pricecache.Cache, portfolioID int64, date time.Time, setID string) ([]Result, error) {
	records, err := e.exposures.ExposuresForSet(ctx, setID, domain.SubjectPortfolio)
	if err != nil {
		results := e.newResults(portfolioID, date)
		markAll(results, domain.StatusFailed, domain.ReasonStorageError)
		return results, fmt.Errorf("failed to load exposures for set %s: %w", setID, err)
	}
	return e.Run(ctx, cache, portfolioID, date, records)
}

// Run evaluates every active scenario in direct and correlated mode against
// the portfolio-level exposure records. One result per scenario and mode is
// always returned; a non-nil error means the portfolio-date failed.
func (e *Engine) Run(ctx context.Context, cache *pricecache.Cache, portfolioID int64, date time.Time, records []factors.ExposureRecord) ([]Result, error) {
	date = domain.NormalizeDate(date)
	results := e.newResults(portfolioID, date)
	log := e.log.With().Int64("portfolio_id", portfolioID).Str("date", domain.DateKey(date)).Logger()

	portfolio, err := e.reader.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return e.fail(results, err)
	}
	equity := portfolio.EquityBalance.InexactFloat64()
	if portfolio.EquityBalance.Sign() <= 0 {
		return e.fail(results, domain.NewCalculationError(domain.ReasonInvalidEquityBalance,
			"portfolio %d equity balance %s must be positive", portfolioID, portfolio.EquityBalance))
	}

	positions, err := e.reader.GetPositions(ctx, portfolioID, date)
	if err != nil {
		return e.fail(results, err)
	}
	active, _ := domain.EligiblePositions(positions, date)
	net := domain.NetExposure(active).InexactFloat64()
	gross := domain.GrossExposure(active).InexactFloat64()

	byFactor := make(map[int]factors.ExposureRecord, len(records))
	for _, rec := range records {
		if rec.SubjectKind == domain.SubjectPortfolio {
			byFactor[rec.FactorID] = rec
		}
	}
	for i := range results {
		results[i].NetValue = net
		results[i].GrossValue = gross
	}
	if len(byFactor) == 0 {
		markAll(results, domain.StatusSkipped, domain.ReasonNoExposures)
		log.Info().Msg("No factor exposures, skipping stress tests")
		return results, nil
	}

	corr := e.factorCorrelation(cache, date)
	defs := e.registry.All()
	for i := range results {
		res := &results[i]
		scenario, _ := e.scenarios.Get(res.ScenarioID)

		shocks := make([]float64, len(defs))
		for j, def := range defs {
			shocks[j] = scenario.ShockFor(def.ID)
		}
		applied := shocks
		if res.Mode == ModeCorrelated {
			applied = correlatedShocks(corr, shocks)
		}

		e.evaluate(res, defs, shocks, applied, byFactor, net, equity)
		if res.MixedPaths {
			log.Warn().
				Str("scenario", res.ScenarioID).
				Str("mode", res.Mode).
				Msg("Scenario mixes dollar exposure and beta fallback paths")
		}
		if res.Capped {
			e.metrics.StressLossCapped()
			log.Warn().
				Str("scenario", res.ScenarioID).
				Str("mode", res.Mode).
				Float64("uncapped_pnl", res.UncappedPnL).
				Float64("capped_pnl", res.TotalPnL).
				Msg("Scenario loss capped")
		}
	}

	log.Debug().Int("results", len(results)).Float64("net_value", net).Msg("Stress tests evaluated")
	return results, nil
}

// evaluate fills the contributions and totals of one scenario-mode result.
// Stored dollar exposures are preferred; otherwise the portfolio beta is
// applied to the net book value.
func (e *Engine) evaluate(res *Result, defs []domain.FactorDefinition, shocks, applied []float64, byFactor map[int]factors.ExposureRecord, net, equity float64) {
	res.Contributions = make([]Contribution, len(defs))
	usedDollar, usedFallback := false, false
	var total float64

	for j, def := range defs {
		c := Contribution{
			FactorID:     def.ID,
			FactorName:   def.Name,
			Shock:        shocks[j],
			AppliedShock: applied[j],
			Path:         PathNone,
		}
		if rec, ok := byFactor[def.ID]; ok {
			if rec.DollarExposure != nil {
				c.Path = PathDollarExposure
				c.Exposure = *rec.DollarExposure
			} else {
				c.Path = PathBetaFallback
				c.Exposure = net * rec.Beta
			}
			c.Contribution = c.Exposure * c.AppliedShock
			if c.AppliedShock != 0 {
				usedDollar = usedDollar || c.Path == PathDollarExposure
				usedFallback = usedFallback || c.Path == PathBetaFallback
			}
		}
		total += c.Contribution
		res.Contributions[j] = c
	}

	res.MixedPaths = usedDollar && usedFallback
	res.UncappedPnL = total
	res.TotalPnL = total

	lossCap := e.scenarios.Settings.LossCapFraction * equity
	if total < -lossCap {
		scale := lossCap / math.Abs(total)
		for j := range res.Contributions {
			res.Contributions[j].Contribution *= scale
		}
		res.TotalPnL = -lossCap
		res.Capped = true
	}
	res.PnLFraction = res.TotalPnL / equity
	res.Status = domain.StatusSuccess
	res.Reason = domain.ReasonNone
}

// correlatedShocks returns C·s
func correlatedShocks(corr [][]float64, shocks []float64) []float64 {
	out := make([]float64, len(shocks))
	for i := range shocks {
		for j, s := range shocks {
			out[i] += corr[i][j] * s
		}
	}
	return out
}

// factorCorrelation correlates the factor proxies' simple returns over the
// lookback window ending on date. Off-diagonal entries are clamped to
// ±MaxAbsCorrelation; pairs without enough history are 0.
func (e *Engine) factorCorrelation(cache *pricecache.Cache, date time.Time) [][]float64 {
	defs := e.registry.All()
	k := len(defs)
	corr := make([][]float64, k)
	for i := range corr {
		corr[i] = make([]float64, k)
		corr[i][i] = 1
	}
	if cache == nil || k == 0 {
		return corr
	}

	market := defs[0]
	if def, ok := e.registry.Resolve("market"); ok {
		market = def
	}
	calendar := cache.TradingDates(market.ProxySymbol, date, e.lookbackDays+1)
	returns := make([][]float64, k)
	for j, def := range defs {
		returns[j] = cache.Returns(def.ProxySymbol, calendar, pricecache.SimpleReturns)
	}

	bound := e.scenarios.Settings.MaxAbsCorrelation
	minOverlap := correlation.MinOverlap(e.lookbackDays)
	unavailable := 0
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			rho, _, ok := formulas.PairCorrelation(returns[i], returns[j], minOverlap)
			if !ok {
				unavailable++
				continue
			}
			rho = formulas.Clamp(rho, -bound, bound)
			corr[i][j], corr[j][i] = rho, rho
		}
	}
	if unavailable > 0 {
		e.log.Warn().
			Str("date", domain.DateKey(date)).
			Int("unavailable_pairs", unavailable).
			Msg("Factor correlation pairs without enough history treated as uncorrelated")
	}
	return corr
}

// newResults returns one zeroed result per active scenario and mode
func (e *Engine) newResults(portfolioID int64, date time.Time) []Result {
	date = domain.NormalizeDate(date)
	defs := e.registry.All()
	var results []Result
	for _, scenario := range e.scenarios.Active() {
		for _, mode := range []string{ModeDirect, ModeCorrelated} {
			res := Result{
				CalculationDate: date,
				PortfolioID:     portfolioID,
				ScenarioID:      scenario.ID,
				ScenarioName:    scenario.Name,
				Severity:        scenario.Severity,
				Mode:            mode,
				Contributions:   make([]Contribution, len(defs)),
			}
			for j, def := range defs {
				shock := scenario.ShockFor(def.ID)
				res.Contributions[j] = Contribution{
					FactorID:     def.ID,
					FactorName:   def.Name,
					Shock:        shock,
					AppliedShock: shock,
					Path:         PathNone,
				}
			}
			results = append(results, res)
		}
	}
	return results
}

func markAll(results []Result, status domain.ResultStatus, reason domain.ReasonCode) {
	for i := range results {
		results[i].Status = status
		results[i].Reason = reason
	}
}

func (e *Engine) fail(results []Result, err error) ([]Result, error) {
	reason := domain.ReasonOf(err)
	if reason == domain.ReasonNone {
		reason = domain.ReasonStorageError
		err = fmt.Errorf("failed to load portfolio: %w", err)
	}
	markAll(results, domain.StatusFailed, reason)
	if len(results) > 0 {
		e.log.Warn().
			Int64("portfolio_id", results[0].PortfolioID).
			Str("date", domain.DateKey(results[0].CalculationDate)).
			Str("reason", string(reason)).
			Err(err).
			Msg("Stress tests failed")
	}
	return results, err
}
