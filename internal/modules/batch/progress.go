package batch

import (
	"sync"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/events"
)

// Emitter publishes batch events
type Emitter interface {
	Emit(module string, data events.EventData)
}

// Throttle interval for progress events
const progressThrottleInterval = 100 * time.Millisecond

const eventModule = "batch"

// ProgressReporter emits run progress events. Phase and count updates are
// throttled; the final count and lifecycle events always go out.
type ProgressReporter struct {
	emitter  Emitter
	runID    string
	total    int
	done     int
	throttle time.Duration

	lastReport time.Time
	mu         sync.Mutex
}

// NewProgressReporter creates a progress reporter for a run over total
// portfolio-dates. A nil emitter disables reporting.
func NewProgressReporter(emitter Emitter, runID string, total int) *ProgressReporter {
	return &ProgressReporter{
		emitter:  emitter,
		runID:    runID,
		total:    total,
		throttle: progressThrottleInterval,
	}
}

// ReportPhase reports that a portfolio-date entered a phase
func (r *ProgressReporter) ReportPhase(portfolioID int64, date time.Time, phase string) {
	if r == nil || r.emitter == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.lastReport) < r.throttle {
		return
	}
	r.lastReport = time.Now()

	r.emitter.Emit(eventModule, &events.ProgressData{
		RunID:       r.runID,
		Phase:       phase,
		PortfolioID: portfolioID,
		Date:        domain.DateKey(date),
		Current:     r.done,
		Total:       r.total,
	})
}

// ReportRunPhase reports a run-wide phase such as the price load
func (r *ProgressReporter) ReportRunPhase(phase, message string, details map[string]interface{}) {
	if r == nil || r.emitter == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReport = time.Now()

	r.emitter.Emit(eventModule, &events.ProgressData{
		RunID:   r.runID,
		Phase:   phase,
		Message: message,
		Details: details,
		Current: r.done,
		Total:   r.total,
	})
}

// Done records a finished portfolio-date and emits its outcome
func (r *ProgressReporter) Done(o Outcome) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++

	if r.emitter == nil {
		return
	}
	r.emitter.Emit(eventModule, &events.PortfolioDateData{
		RunID:       r.runID,
		SetID:       o.SetID,
		PortfolioID: o.PortfolioID,
		Date:        domain.DateKey(o.Date),
		Status:      o.Status,
		Phase:       o.FailedPhase,
		Reason:      string(o.Reason),
		Duration:    o.Duration,
	})
}

// Completed returns how many portfolio-dates have finished
func (r *ProgressReporter) Completed() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *ProgressReporter) emitStarted(s *RunSummary) {
	if r == nil || r.emitter == nil {
		return
	}

	r.emitter.Emit(eventModule, &events.RunStartedData{
		RunID:          r.runID,
		From:           domain.DateKey(s.From),
		To:             domain.DateKey(s.To),
		TriggeredBy:    s.TriggeredBy,
		Portfolios:     len(s.PortfolioIDs),
		Dates:          s.Dates,
		PortfolioDates: s.PortfolioDates,
	})
}

func (r *ProgressReporter) emitFinished(s *RunSummary, duration time.Duration) {
	if r == nil || r.emitter == nil {
		return
	}

	r.emitter.Emit(eventModule, &events.RunFinishedData{
		RunID:     r.runID,
		Status:    s.Status,
		Error:     s.Error,
		Committed: s.Committed,
		Failed:    s.Failed,
		Duration:  duration.Seconds(),
	})
}
