package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/metrics"
	"github.com/aristath/riskengine/internal/modules/correlation"
	"github.com/aristath/riskengine/internal/modules/factors"
	"github.com/aristath/riskengine/internal/modules/pricecache"
	"github.com/aristath/riskengine/internal/modules/stress"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRunInProgress is returned when a run is requested while another is active
	ErrRunInProgress = errors.New("a batch run is already in progress")
	// ErrInvalidRange is returned when a request has no weekday in [From, To]
	ErrInvalidRange = errors.New("invalid date range")
	// ErrNoPortfolios is returned when there is nothing to calculate
	ErrNoPortfolios = errors.New("no portfolios to calculate")
)

// FactorCalculator computes factor exposures for one portfolio-date
type FactorCalculator interface {
	Calculate(ctx context.Context, cache *pricecache.Cache, portfolioID int64, date time.Time) (*factors.Result, error)
}

// FactorStore persists factor results into a calculation set
type FactorStore interface {
	SaveResult(ctx context.Context, setID string, res *factors.Result) error
}

// CorrelationCalculator computes the position correlation matrix for one portfolio-date
type CorrelationCalculator interface {
	Calculate(ctx context.Context, cache *pricecache.Cache, portfolioID int64, date time.Time) (*correlation.Result, error)
}

// CorrelationStore persists correlation results into a calculation set
type CorrelationStore interface {
	SaveResult(ctx context.Context, setID string, res *correlation.Result) error
}

// StressRunner evaluates the stress scenarios for one portfolio-date
type StressRunner interface {
	RunForSet(ctx context.Context, cache *pricecache.Cache, portfolioID int64, date time.Time, setID string) ([]stress.Result, error)
	Run(ctx context.Context, cache *pricecache.Cache, portfolioID int64, date time.Time, records []factors.ExposureRecord) ([]stress.Result, error)
}

// StressStore persists stress results into a calculation set
type StressStore interface {
	SaveResults(ctx context.Context, setID string, results []stress.Result) error
}

// Archiver stores finished run summaries outside the database
type Archiver interface {
	ArchiveRun(ctx context.Context, s *RunSummary) error
}

// Deps are the collaborators of the orchestrator. Archiver, Events and
// Metrics are optional.
type Deps struct {
	Reader           domain.PortfolioReader
	Prices           domain.PriceStore
	Registry         *domain.FactorRegistry
	Factors          FactorCalculator
	FactorStore      FactorStore
	Correlation      CorrelationCalculator
	CorrelationStore CorrelationStore
	Stress           StressRunner
	StressStore      StressStore
	Sets             *SetRepository
	Runs             *RunRepository
	Archiver         Archiver
	Events           Emitter
	Metrics          *metrics.Registry
}

// Orchestrator runs the calculation phases over portfolios and dates. One
// run is active at a time; portfolios inside a run are processed
// concurrently while each portfolio's dates and phases run in order.
type Orchestrator struct {
	deps         Deps
	log          zerolog.Logger
	running      sync.Mutex
	concurrency  int
	lookbackDays int
}

// NewOrchestrator creates a batch orchestrator. lookbackDays is the longest
// return window any phase needs; the price load reaches that far back.
func NewOrchestrator(cfg config.BatchConfig, lookbackDays int, deps Deps, log zerolog.Logger) *Orchestrator {
	concurrency := cfg.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Orchestrator{
		deps:         deps,
		log:          log.With().Str("component", "batch_orchestrator").Logger(),
		concurrency:  concurrency,
		lookbackDays: lookbackDays,
	}
}

// plan is a validated run request
type plan struct {
	summary    *RunSummary
	dates      []time.Time
	portfolios []int64
}

// Run executes a batch run and returns its summary. Per portfolio-date
// failures are reported in the summary; the error is non-nil only when the
// run could not start or the price load failed.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	if !o.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.running.Unlock()

	p, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, p)
}

// Start validates req and runs it in the background, returning the run id.
// The run outlives the caller's request; ctx only bounds validation.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (string, error) {
	if !o.running.TryLock() {
		return "", ErrRunInProgress
	}

	p, err := o.prepare(ctx, req)
	if err != nil {
		o.running.Unlock()
		return "", err
	}

	go func() {
		defer o.running.Unlock()
		if _, err := o.execute(context.Background(), p); err != nil {
			o.log.Error().Err(err).Str("run_id", p.summary.ID).Msg("Background batch run failed")
		}
	}()
	return p.summary.ID, nil
}

// Running reports whether a run is active
func (o *Orchestrator) Running() bool {
	if o.running.TryLock() {
		o.running.Unlock()
		return false
	}
	return true
}

func (o *Orchestrator) prepare(ctx context.Context, req RunRequest) (*plan, error) {
	from, to := domain.NormalizeDate(req.From), domain.NormalizeDate(req.To)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, domain.DateKey(from), domain.DateKey(to))
	}
	dates := domain.Weekdays(from, to)
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w: no weekdays between %s and %s", ErrInvalidRange, domain.DateKey(from), domain.DateKey(to))
	}

	portfolios := dedupeIDs(req.PortfolioIDs)
	if len(portfolios) == 0 {
		ids, err := o.deps.Reader.ListPortfolioIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list portfolios: %w", err)
		}
		portfolios = ids
	}
	if len(portfolios) == 0 {
		return nil, ErrNoPortfolios
	}

	id := req.RunID
	if id == "" {
		id = uuid.New().String()
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "manual"
	}

	return &plan{
		summary: &RunSummary{
			ID:             id,
			From:           from,
			To:             to,
			TriggeredBy:    triggeredBy,
			Status:         RunRunning,
			StartedAt:      time.Now().UTC(),
			PortfolioIDs:   portfolios,
			Dates:          len(dates),
			PortfolioDates: len(dates) * len(portfolios),
			Outcomes:       []Outcome{},
		},
		dates:      dates,
		portfolios: portfolios,
	}, nil
}

func (o *Orchestrator) execute(ctx context.Context, p *plan) (*RunSummary, error) {
	summary := p.summary
	log := o.log.With().Str("run_id", summary.ID).Logger()
	progress := NewProgressReporter(o.deps.Events, summary.ID, summary.PortfolioDates)

	if err := o.deps.Runs.Start(ctx, summary); err != nil {
		return nil, err
	}
	o.deps.Metrics.RunStarted()
	progress.emitStarted(summary)
	log.Info().
		Str("from", domain.DateKey(summary.From)).
		Str("to", domain.DateKey(summary.To)).
		Int("portfolios", len(p.portfolios)).
		Int("dates", len(p.dates)).
		Msg("Batch run started")

	cache, err := o.loadPrices(ctx, p, progress)
	if err != nil {
		summary.Error = err.Error()
		o.finish(ctx, summary, progress, log)
		return summary, err
	}
	outcomes := make([][]Outcome, len(p.portfolios))
	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)
	for i, portfolioID := range p.portfolios {
		i, portfolioID := i, portfolioID
		g.Go(func() error {
			outcomes[i] = make([]Outcome, 0, len(p.dates))
			for _, date := range p.dates {
				outcome := o.processDate(ctx, cache, summary.ID, portfolioID, date, progress)
				outcomes[i] = append(outcomes[i], outcome)
				progress.Done(outcome)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, perPortfolio := range outcomes {
		summary.Outcomes = append(summary.Outcomes, perPortfolio...)
	}
	stats := cache.Stats()
	summary.Cache = &stats
	o.finish(ctx, summary, progress, log)
	return summary, nil
}

// loadPrices builds the shared cache over the position symbols and factor
// proxies, reaching back far enough to cover the first date's lookback
func (o *Orchestrator) loadPrices(ctx context.Context, p *plan, progress *ProgressReporter) (*pricecache.Cache, error) {
	started := time.Now()
	progress.ReportRunPhase(PhasePriceLoad, "Loading prices", nil)

	symbols, err := o.deps.Reader.ListSymbols(ctx, p.portfolios)
	if err != nil {
		o.deps.Metrics.PhaseFinished(PhasePriceLoad, string(domain.StatusFailed), string(domain.ReasonStorageError), time.Since(started))
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	symbols = append(symbols, o.deps.Registry.ProxySymbols()...)

	from := LoadWindowStart(p.dates[0], o.lookbackDays)
	to := p.dates[len(p.dates)-1]
	cache, err := pricecache.Build(ctx, o.deps.Prices, symbols, from, to, pricecache.Options{
		Breaker: pricecache.NewBreaker("price_store", o.deps.Metrics),
		Metrics: o.deps.Metrics,
		Logger:  o.log,
	})
	if err != nil {
		o.deps.Metrics.PhaseFinished(PhasePriceLoad, string(domain.StatusFailed), string(domain.ReasonStorageError), time.Since(started))
		return nil, fmt.Errorf("failed to load prices: %w", err)
	}

	stats := cache.Stats()
	o.deps.Metrics.PhaseFinished(PhasePriceLoad, string(domain.StatusSuccess), "", time.Since(started))
	progress.ReportRunPhase(PhasePriceLoad, "Prices loaded", map[string]interface{}{
		"symbols": stats.Symbols,
		"points":  stats.Points,
	})
	return cache, nil
}

// LoadWindowStart returns the first calendar date the price load needs so
// that first has lookbackDays weekday returns before it, with a margin for
// market holidays
func LoadWindowStart(first time.Time, lookbackDays int) time.Time {
	calendarDays := (lookbackDays+1)*7/5 + 14
	return domain.NormalizeDate(first).AddDate(0, 0, -calendarDays)
}

// processDate runs every phase for one portfolio-date inside its own
// calculation set. The set is committed only when every phase succeeded or
// skipped.
func (o *Orchestrator) processDate(ctx context.Context, cache *pricecache.Cache, runID string, portfolioID int64, date time.Time, progress *ProgressReporter) Outcome {
	started := time.Now()
	outcome := Outcome{
		PortfolioID: portfolioID,
		Date:        date,
		Status:      OutcomeFailed,
		Phases:      make([]PhaseOutcome, 0, 4),
	}
	log := o.log.With().Str("run_id", runID).Int64("portfolio_id", portfolioID).Str("date", domain.DateKey(date)).Logger()
	defer func() {
		outcome.Duration = time.Since(started).Seconds()
	}()

	if err := ctx.Err(); err != nil {
		o.recordFailure(&outcome, PhaseSetup, domain.ReasonCancelled, err, time.Now())
		return outcome
	}

	setStart := time.Now()
	setID, err := o.deps.Sets.Create(ctx, runID, portfolioID, date)
	if err != nil {
		o.recordFailure(&outcome, PhaseSetup, domain.ReasonStorageError, err, setStart)
		log.Error().Err(err).Msg("Failed to create calculation set")
		return outcome
	}
	outcome.SetID = setID

	var factorResult *factors.Result
	steps := []struct {
		phase string
		run   func() (domain.ResultStatus, domain.ReasonCode, error)
	}{
		{PhaseFactor, func() (domain.ResultStatus, domain.ReasonCode, error) {
			res, calcErr := o.deps.Factors.Calculate(ctx, cache, portfolioID, date)
			if res == nil {
				return domain.StatusFailed, domain.ReasonOf(calcErr), calcErr
			}
			factorResult = res
			return o.save(res.Status, res.Reason, calcErr, func() error {
				return o.deps.FactorStore.SaveResult(ctx, setID, res)
			})
		}},
		{PhaseCorrelation, func() (domain.ResultStatus, domain.ReasonCode, error) {
			res, calcErr := o.deps.Correlation.Calculate(ctx, cache, portfolioID, date)
			if res == nil {
				return domain.StatusFailed, domain.ReasonOf(calcErr), calcErr
			}
			return o.save(res.Status, res.Reason, calcErr, func() error {
				return o.deps.CorrelationStore.SaveResult(ctx, setID, res)
			})
		}},
		{PhaseStress, func() (domain.ResultStatus, domain.ReasonCode, error) {
			var (
				results []stress.Result
				runErr  error
			)
			if factorResult != nil && factorResult.Status == domain.StatusSuccess {
				results, runErr = o.deps.Stress.RunForSet(ctx, cache, portfolioID, date, setID)
			} else {
				// Zeroed placeholder exposures of a skipped factor phase are not a book to stress
				results, runErr = o.deps.Stress.Run(ctx, cache, portfolioID, date, nil)
			}
			status, reason := stressStatus(results)
			return o.save(status, reason, runErr, func() error {
				return o.deps.StressStore.SaveResults(ctx, setID, results)
			})
		}},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			o.recordFailure(&outcome, step.phase, domain.ReasonCancelled, err, time.Now())
			o.failSet(ctx, setID, domain.ReasonCancelled, log)
			return outcome
		}

		progress.ReportPhase(portfolioID, date, step.phase)
		phaseStart := time.Now()
		status, reason, err := step.run()
		if err != nil || status == domain.StatusFailed {
			if reason == domain.ReasonNone {
				reason = domain.ReasonStorageError
			}
			o.recordFailure(&outcome, step.phase, reason, err, phaseStart)
			log.Warn().Str("phase", step.phase).Str("reason", string(reason)).Err(err).Msg("Phase failed")
			o.failSet(ctx, setID, reason, log)
			return outcome
		}
		o.record(&outcome, step.phase, status, reason, nil, phaseStart)
	}

	commitStart := time.Now()
	if err := o.deps.Sets.Commit(ctx, setID); err != nil {
		o.recordFailure(&outcome, PhaseCommit, domain.ReasonStorageError, err, commitStart)
		log.Error().Err(err).Msg("Failed to commit calculation set")
		return outcome
	}
	o.record(&outcome, PhaseCommit, domain.StatusSuccess, domain.ReasonNone, nil, commitStart)
	outcome.Status = OutcomeCommitted
	log.Debug().Str("set_id", setID).Msg("Calculation set committed")
	return outcome
}

// save persists a phase result. Failed calculations are stored too so the
// failed set keeps its diagnostics; the calculation error wins over a
// storage error.
func (o *Orchestrator) save(status domain.ResultStatus, reason domain.ReasonCode, calcErr error, persist func() error) (domain.ResultStatus, domain.ReasonCode, error) {
	saveErr := persist()
	if calcErr != nil {
		return domain.StatusFailed, reason, calcErr
	}
	if saveErr != nil {
		return domain.StatusFailed, domain.ReasonStorageError, saveErr
	}
	return status, reason, nil
}

// stressStatus folds per-scenario statuses into one phase status
func stressStatus(results []stress.Result) (domain.ResultStatus, domain.ReasonCode) {
	if len(results) == 0 {
		return domain.StatusSkipped, domain.ReasonNone
	}
	for _, r := range results {
		if r.Status == domain.StatusFailed {
			return domain.StatusFailed, r.Reason
		}
	}
	return results[0].Status, results[0].Reason
}

func (o *Orchestrator) record(outcome *Outcome, phase string, status domain.ResultStatus, reason domain.ReasonCode, err error, started time.Time) {
	elapsed := time.Since(started)
	po := PhaseOutcome{
		Phase:    phase,
		Status:   status,
		Reason:   reason,
		Duration: elapsed.Seconds(),
	}
	if err != nil {
		po.Error = err.Error()
	}
	outcome.Phases = append(outcome.Phases, po)
	o.deps.Metrics.PhaseFinished(phase, string(status), string(reason), elapsed)
}

func (o *Orchestrator) recordFailure(outcome *Outcome, phase string, reason domain.ReasonCode, err error, started time.Time) {
	o.record(outcome, phase, domain.StatusFailed, reason, err, started)
	outcome.Status = OutcomeFailed
	outcome.FailedPhase = phase
	outcome.Reason = reason
}

func (o *Orchestrator) failSet(ctx context.Context, setID string, reason domain.ReasonCode, log zerolog.Logger) {
	// A cancelled ctx must not leave the set pending
	if err := o.deps.Sets.Fail(context.WithoutCancel(ctx), setID, reason); err != nil {
		log.Error().Err(err).Str("set_id", setID).Msg("Failed to mark calculation set failed")
	}
}

func (o *Orchestrator) finish(ctx context.Context, summary *RunSummary, progress *ProgressReporter, log zerolog.Logger) {
	summary.finalize(time.Now().UTC())
	duration := summary.FinishedAt.Sub(summary.StartedAt)
	ctx = context.WithoutCancel(ctx)

	if err := o.deps.Runs.Finish(ctx, summary); err != nil {
		log.Error().Err(err).Msg("Failed to record batch run result")
	}
	if o.deps.Archiver != nil {
		if err := o.deps.Archiver.ArchiveRun(ctx, summary); err != nil {
			log.Warn().Err(err).Msg("Failed to archive run summary")
		}
	}
	o.deps.Metrics.RunFinished(summary.Status)
	progress.emitFinished(summary, duration)

	event := log.Info()
	if summary.Status != RunCompleted {
		event = log.Warn()
	}
	event.
		Str("status", summary.Status).
		Int("committed", summary.Committed).
		Int("failed", summary.Failed).
		Dur("duration", duration).
		Msg("Batch run finished")
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
