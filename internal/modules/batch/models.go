// Package batch sequences the price load, factor, correlation and stress
// phases over a date range and a set of portfolios.
//
// Every portfolio-date writes into its own calculation set. Readers only see
// committed sets, so a failure part way through a portfolio-date never exposes
// partial results.
package batch

import (
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/pricecache"
)

// Phases of a batch run
const (
	PhasePriceLoad   = "price_load"
	PhaseSetup       = "setup"
	PhaseFactor      = "factor"
	PhaseCorrelation = "correlation"
	PhaseStress      = "stress"
	PhaseCommit      = "commit"
)

// Run statuses, stored in batch_runs.status
const (
	RunRunning   = "running"
	RunCompleted = "completed" // every portfolio-date committed
	RunPartial   = "partial"   // some portfolio-dates failed
	RunFailed    = "failed"    // price load failed or nothing committed
)

// Portfolio-date outcomes, matching calculation_sets.status
const (
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
)

// RunRequest selects what a batch run calculates
type RunRequest struct {
	From         time.Time
	To           time.Time
	PortfolioIDs []int64 // Empty means every portfolio in the store
	TriggeredBy  string  // cli, api, schedule
	RunID        string  // Generated when empty
}

// PhaseOutcome is the result of one phase for one portfolio-date
type PhaseOutcome struct {
	Phase    string              `json:"phase"`
	Status   domain.ResultStatus `json:"status"`
	Reason   domain.ReasonCode   `json:"reason,omitempty"`
	Error    string              `json:"error,omitempty"`
	Duration float64             `json:"duration"` // seconds
}

// Outcome is the result of one portfolio-date
type Outcome struct {
	Date        time.Time         `json:"date"`
	SetID       string            `json:"set_id,omitempty"`
	Status      string            `json:"status"`
	FailedPhase string            `json:"failed_phase,omitempty"`
	Reason      domain.ReasonCode `json:"reason,omitempty"`
	Phases      []PhaseOutcome    `json:"phases"`
	PortfolioID int64             `json:"portfolio_id"`
	Duration    float64           `json:"duration"`
}

// Phase returns the outcome of the named phase
func (o *Outcome) Phase(name string) (PhaseOutcome, bool) {
	for _, p := range o.Phases {
		if p.Phase == name {
			return p, true
		}
	}
	return PhaseOutcome{}, false
}

// RunSummary describes a batch run. It is persisted in batch_runs and
// optionally archived.
type RunSummary struct {
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	From           time.Time         `json:"from"`
	To             time.Time         `json:"to"`
	Cache          *pricecache.Stats `json:"cache,omitempty"`
	ID             string            `json:"id"`
	TriggeredBy    string            `json:"triggered_by"`
	Status         string            `json:"status"`
	Error          string            `json:"error,omitempty"`
	PortfolioIDs   []int64           `json:"portfolio_ids"`
	Outcomes       []Outcome         `json:"outcomes"`
	Dates          int               `json:"dates"`
	PortfolioDates int               `json:"portfolio_dates"`
	Committed      int               `json:"committed"`
	Failed         int               `json:"failed"`
}

// Failures returns the failed portfolio-dates
func (s *RunSummary) Failures() []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if o.Status == OutcomeFailed {
			out = append(out, o)
		}
	}
	return out
}

// finalize derives the counters and the run status from the outcomes
func (s *RunSummary) finalize(now time.Time) {
	s.Committed, s.Failed = 0, 0
	for _, o := range s.Outcomes {
		if o.Status == OutcomeCommitted {
			s.Committed++
		} else {
			s.Failed++
		}
	}
	switch {
	case s.Error != "":
		s.Status = RunFailed
	case s.Failed == 0:
		s.Status = RunCompleted
	case s.Committed == 0:
		s.Status = RunFailed
	default:
		s.Status = RunPartial
	}
	s.FinishedAt = &now
}
