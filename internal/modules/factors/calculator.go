package factors

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/metrics"
	"github.com/aristath/riskengine/internal/modules/pricecache"
	"github.com/aristath/riskengine/pkg/formulas"
	"github.com/rs/zerolog"
)

const marketFactor = "market"

// Calculator runs the factor regressions of one portfolio-date against a
// shared price cache
type Calculator struct {
	cfg      config.FactorConfig
	registry *domain.FactorRegistry
	reader   domain.PortfolioReader
	metrics  *metrics.Registry
	log      zerolog.Logger
}

// NewCalculator creates a factor exposure calculator
func NewCalculator(cfg config.FactorConfig, registry *domain.FactorRegistry, reader domain.PortfolioReader, m *metrics.Registry, log zerolog.Logger) *Calculator {
	return &Calculator{
		cfg:      cfg,
		registry: registry,
		reader:   reader,
		metrics:  m,
		log:      log.With().Str("component", "factor_calculator").Logger(),
	}
}

// Calculate estimates factor exposures of every eligible position of the
// portfolio on date and aggregates them to the portfolio.
//
// The returned Result is never nil. A non-nil error means the calculation
// failed for this portfolio-date; Result.Status and Result.Reason describe why.
func (c *Calculator) Calculate(ctx context.Context, cache *pricecache.Cache, portfolioID int64, date time.Time) (*Result, error) {
	date = domain.NormalizeDate(date)
	res := c.newResult(portfolioID, date)
	log := c.log.With().Int64("portfolio_id", portfolioID).Str("date", domain.DateKey(date)).Logger()

	portfolio, err := c.reader.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return c.fail(res, err)
	}
	res.EquityBalance = portfolio.EquityBalance.InexactFloat64()
	if portfolio.EquityBalance.Sign() <= 0 {
		return c.fail(res, domain.NewCalculationError(domain.ReasonInvalidEquityBalance,
			"portfolio %d equity balance %s must be positive", portfolioID, portfolio.EquityBalance))
	}

	positions, err := c.reader.GetPositions(ctx, portfolioID, date)
	if err != nil {
		return c.fail(res, err)
	}
	eligible, rejected := domain.EligiblePositions(positions, date)
	res.PositionsTotal = len(eligible) + len(rejected)
	for _, p := range positions {
		if err, ok := rejected[p.ID]; ok {
			res.MissingData = append(res.MissingData, MissingData{
				PositionID: p.ID,
				Symbol:     p.Symbol,
				Reason:     domain.ReasonOf(err),
				Detail:     err.Error(),
			})
		}
	}
	if len(eligible) == 0 {
		res.Status = domain.StatusSkipped
		res.Reason = domain.ReasonNoEligiblePositions
		log.Info().Msg("No eligible positions, skipping factor calculation")
		return res, nil
	}
	res.NetExposure = domain.NetExposure(eligible).InexactFloat64()
	res.GrossExposure = domain.GrossExposure(eligible).InexactFloat64()

	calendar := c.calendar(cache, date)
	if len(calendar) < c.cfg.MinObservations+1 {
		return c.fail(res, domain.NewCalculationError(domain.ReasonInsufficientData,
			"factor proxies have %d trading days on or before %s, need %d",
			len(calendar), domain.DateKey(date), c.cfg.MinObservations+1))
	}

	factorDefs := c.registry.All()
	factorReturns := make([][]float64, len(factorDefs))
	for j, def := range factorDefs {
		factorReturns[j] = cache.Returns(def.ProxySymbol, calendar, pricecache.SimpleReturns)
	}

	fits := make(map[int64]*positionFit, len(eligible))
	for _, p := range eligible {
		if err := ctx.Err(); err != nil {
			return c.fail(res, domain.NewCalculationError(domain.ReasonCancelled, "%v", err))
		}
		fit, missing := c.fitPosition(cache, p, calendar, factorReturns)
		if missing != nil {
			res.MissingData = append(res.MissingData, *missing)
			c.metrics.Regression(c.cfg.Method, "excluded")
			log.Debug().Str("symbol", p.Symbol).Str("reason", string(missing.Reason)).Msg("Position excluded from factor aggregation")
			continue
		}
		c.metrics.Regression(fit.regression.Method, "ok")
		fits[p.ID] = fit
		res.Positions = append(res.Positions, c.positionRecords(p, fit, factorDefs, date)...)
	}
	res.PositionsUsed = len(fits)
	if res.PositionsUsed == 0 {
		return c.fail(res, domain.NewCalculationError(domain.ReasonInsufficientData,
			"none of %d positions produced a regression", res.PositionsTotal))
	}

	design, _ := alignedRows(nil, factorReturns)
	vifs := VarianceInflation(design)
	condition := ConditionNumber(design)
	res.Portfolio = c.aggregate(portfolio, eligible, fits, factorDefs, vifs, condition, date)
	res.Method = portfolioMethod(fits)
	res.Status = domain.StatusSuccess

	res.Warnings = c.warnings(res, fits, condition)
	for _, w := range res.Warnings {
		log.Warn().Str("warning", w).Msg("Factor exposure diagnostic")
	}
	if len(res.MissingData) > 0 {
		log.Warn().Int("missing", len(res.MissingData)).Int("used", res.PositionsUsed).Msg("Positions excluded from factor aggregation")
	}
	log.Debug().Int("positions", res.PositionsUsed).Str("method", res.Method).Msg("Factor exposures calculated")
	return res, nil
}

// positionFit is the regression outcome of one position
type positionFit struct {
	regression *regressionFit
	vifs       []float64
	condition  float64
	signed     float64
}

// calendar returns the dates whose returns feed the regressions: the market
// proxy's last lookback+1 trading days on or before date
func (c *Calculator) calendar(cache *pricecache.Cache, date time.Time) []time.Time {
	def, ok := c.registry.Resolve(marketFactor)
	if !ok {
		all := c.registry.All()
		if len(all) == 0 {
			return nil
		}
		def = all[0]
	}
	return cache.TradingDates(def.ProxySymbol, date, c.cfg.LookbackDays+1)
}

func (c *Calculator) fitPosition(cache *pricecache.Cache, p domain.Position, calendar []time.Time, factorReturns [][]float64) (*positionFit, *MissingData) {
	missing := &MissingData{PositionID: p.ID, Symbol: p.Symbol}
	symbol := p.PriceSymbol()
	if !cache.Has(symbol) {
		missing.Reason = domain.ReasonMissingPriceData
		missing.Detail = fmt.Sprintf("no price history for %s", symbol)
		return nil, missing
	}

	y := cache.Returns(symbol, calendar, pricecache.SimpleReturns)
	x, yUsed := alignedRows(y, factorReturns)
	missing.Observations = len(yUsed)
	if len(yUsed) < c.cfg.MinObservations {
		missing.Reason = domain.ReasonInsufficientData
		missing.Detail = fmt.Sprintf("%d aligned observations, need %d", len(yUsed), c.cfg.MinObservations)
		return nil, missing
	}

	condition := ConditionNumber(x)
	method := c.cfg.Method
	if method == MethodAuto {
		method = MethodOLS
		if !(condition <= c.cfg.ConditionThreshold) {
			method = MethodRidge
		}
	}

	var fit *regressionFit
	var err error
	if method == MethodRidge {
		fit, err = fitRidge(yUsed, x, c.cfg.RidgeLambda)
	} else {
		fit, err = fitOLS(yUsed, x)
	}
	if err != nil {
		missing.Reason = domain.ReasonOf(err)
		if missing.Reason == domain.ReasonNone {
			missing.Reason = domain.ReasonSingularMatrix
		}
		missing.Detail = err.Error()
		return nil, missing
	}

	return &positionFit{
		regression: fit,
		vifs:       VarianceInflation(x),
		condition:  condition,
		signed:     domain.SignedExposureFloat(p),
	}, nil
}

// alignedRows keeps the dates where every factor return (and y, when given)
// is finite. Rows are returned as observation-major factor vectors.
func alignedRows(y []float64, factorReturns [][]float64) ([][]float64, []float64) {
	if len(factorReturns) == 0 {
		return nil, nil
	}
	n := len(factorReturns[0])
	x := make([][]float64, 0, n)
	var yUsed []float64
	for i := 0; i < n; i++ {
		if y != nil && !formulas.IsFinite(y[i]) {
			continue
		}
		row := make([]float64, len(factorReturns))
		ok := true
		for j, series := range factorReturns {
			if !formulas.IsFinite(series[i]) {
				ok = false
				break
			}
			row[j] = series[i]
		}
		if !ok {
			continue
		}
		x = append(x, row)
		if y != nil {
			yUsed = append(yUsed, y[i])
		}
	}
	return x, yUsed
}

func (c *Calculator) capBeta(raw float64) (float64, bool) {
	limit := c.cfg.BetaCap
	if limit <= 0 || math.Abs(raw) <= limit {
		return raw, false
	}
	return math.Copysign(limit, raw), true
}

func (c *Calculator) positionRecords(p domain.Position, fit *positionFit, defs []domain.FactorDefinition, date time.Time) []ExposureRecord {
	reg := fit.regression
	records := make([]ExposureRecord, len(defs))
	for j, def := range defs {
		beta, capped := c.capBeta(reg.Coefficients[j])
		records[j] = ExposureRecord{
			CalculationDate: date,
			SubjectKind:     domain.SubjectPosition,
			SubjectID:       p.ID,
			Symbol:          p.Symbol,
			FactorID:        def.ID,
			FactorName:      def.Name,
			Beta:            beta,
			RawBeta:         reg.Coefficients[j],
			Capped:          capped,
			DollarExposure:  floatPtr(beta * fit.signed),
			StdError:        finitePtr(reg.StdErrors[j]),
			TStat:           finitePtr(reg.TStats[j]),
			PValue:          finitePtr(reg.PValues[j]),
			Significance:    Significance(reg.PValues[j]),
			RSquared:        reg.RSquared,
			RSquaredQuality: RSquaredQuality(reg.RSquared),
			Observations:    reg.Observations,
			VIF:             finitePtr(fit.vifs[j]),
			VIFLevel:        VIFLevel(fit.vifs[j]),
			ConditionNumber: finitePtr(fit.condition),
			Method:          reg.Method,
		}
	}
	return records
}

// aggregate sums signed dollar exposures: Beta_f = Σ signed_i β_if / equity.
// Standard errors assume independent position estimates.
func (c *Calculator) aggregate(portfolio *domain.Portfolio, eligible []domain.Position, fits map[int64]*positionFit, defs []domain.FactorDefinition, vifs []float64, condition float64, date time.Time) []ExposureRecord {
	equity := portfolio.EquityBalance.InexactFloat64()

	var weightSum, r2Sum float64
	minObs := math.MaxInt
	for _, p := range eligible {
		fit, ok := fits[p.ID]
		if !ok {
			continue
		}
		weight := math.Abs(fit.signed)
		weightSum += weight
		r2Sum += weight * fit.regression.RSquared
		if fit.regression.Observations < minObs {
			minObs = fit.regression.Observations
		}
	}
	r2 := 0.0
	if weightSum > 0 {
		r2 = r2Sum / weightSum
	}

	records := make([]ExposureRecord, len(defs))
	for j, def := range defs {
		var dollar, rawDollar, variance float64
		for _, p := range eligible {
			fit, ok := fits[p.ID]
			if !ok {
				continue
			}
			beta, _ := c.capBeta(fit.regression.Coefficients[j])
			dollar += fit.signed * beta
			rawDollar += fit.signed * fit.regression.Coefficients[j]
			w := fit.signed / equity
			se := fit.regression.StdErrors[j]
			variance += w * w * se * se
		}
		beta := dollar / equity
		se := math.Sqrt(variance)
		t := math.NaN()
		if se > 0 {
			t = beta / se
		}
		p := normalPValue(t)

		records[j] = ExposureRecord{
			CalculationDate: date,
			SubjectKind:     domain.SubjectPortfolio,
			SubjectID:       portfolio.ID,
			FactorID:        def.ID,
			FactorName:      def.Name,
			Beta:            beta,
			RawBeta:         rawDollar / equity,
			Capped:          rawDollar != dollar,
			DollarExposure:  floatPtr(dollar),
			StdError:        finitePtr(se),
			TStat:           finitePtr(t),
			PValue:          finitePtr(p),
			Significance:    Significance(p),
			RSquared:        r2,
			RSquaredQuality: RSquaredQuality(r2),
			Observations:    minObs,
			VIF:             finitePtr(vifs[j]),
			VIFLevel:        VIFLevel(vifs[j]),
			ConditionNumber: finitePtr(condition),
			Method:          portfolioMethod(fits),
		}
	}
	return records
}

func portfolioMethod(fits map[int64]*positionFit) string {
	method := ""
	for _, fit := range fits {
		switch {
		case method == "":
			method = fit.regression.Method
		case method != fit.regression.Method:
			return MethodMixed
		}
	}
	return method
}

func (c *Calculator) warnings(res *Result, fits map[int64]*positionFit, condition float64) []string {
	var out []string
	if !(condition <= c.cfg.ConditionThreshold) {
		out = append(out, fmt.Sprintf("factor design condition number %.1f exceeds %.0f", condition, c.cfg.ConditionThreshold))
	}
	for _, rec := range res.Portfolio {
		if rec.VIFLevel != VIFOK {
			vif := math.Inf(1)
			if rec.VIF != nil {
				vif = *rec.VIF
			}
			out = append(out, fmt.Sprintf("factor %s VIF %.1f (%s multicollinearity)", rec.FactorName, vif, rec.VIFLevel))
		}
		if rec.Significance == SignificanceNone {
			out = append(out, fmt.Sprintf("portfolio %s beta %.3f is not statistically significant", rec.FactorName, rec.Beta))
		}
	}
	lowFit := 0
	for _, fit := range fits {
		if fit.regression.RSquared < 0.10 {
			lowFit++
		}
	}
	if lowFit > 0 {
		out = append(out, fmt.Sprintf("%d of %d position regressions have R² below 0.10", lowFit, len(fits)))
	}
	capped := 0
	for _, rec := range res.Positions {
		if rec.Capped {
			capped++
		}
	}
	if capped > 0 {
		out = append(out, fmt.Sprintf("%d position betas clipped to ±%.1f", capped, c.cfg.BetaCap))
	}
	return out
}

// newResult returns a zeroed result with one portfolio record per factor
func (c *Calculator) newResult(portfolioID int64, date time.Time) *Result {
	defs := c.registry.All()
	res := &Result{
		PortfolioID:     portfolioID,
		CalculationDate: date,
		Method:          c.cfg.Method,
		Portfolio:       make([]ExposureRecord, len(defs)),
		Positions:       []ExposureRecord{},
		MissingData:     []MissingData{},
		Warnings:        []string{},
	}
	for j, def := range defs {
		res.Portfolio[j] = ExposureRecord{
			CalculationDate: date,
			SubjectKind:     domain.SubjectPortfolio,
			SubjectID:       portfolioID,
			FactorID:        def.ID,
			FactorName:      def.Name,
			DollarExposure:  floatPtr(0),
			Significance:    SignificanceNone,
			RSquaredQuality: RSquaredQuality(0),
			VIFLevel:        VIFOK,
			Method:          c.cfg.Method,
		}
	}
	return res
}

// fail marks res failed. Calculation errors keep their reason code, anything
// else is a storage error.
func (c *Calculator) fail(res *Result, err error) (*Result, error) {
	res.Status = domain.StatusFailed
	res.Reason = domain.ReasonOf(err)
	if res.Reason == domain.ReasonNone {
		res.Reason = domain.ReasonStorageError
		err = fmt.Errorf("failed to load portfolio %d: %w", res.PortfolioID, err)
	}
	res.Positions = []ExposureRecord{}
	res.PositionsUsed = 0
	c.log.Warn().
		Int64("portfolio_id", res.PortfolioID).
		Str("date", domain.DateKey(res.CalculationDate)).
		Str("reason", string(res.Reason)).
		Err(err).
		Msg("Factor calculation failed")
	return res, err
}
