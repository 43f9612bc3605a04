package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/batch"
	"github.com/rs/zerolog"
)

// BatchRunner runs one batch
type BatchRunner interface {
	Run(ctx context.Context, req batch.RunRequest) (*batch.RunSummary, error)
}

// NightlyBatchJob computes every portfolio for the latest weekday
type NightlyBatchJob struct {
	runner  BatchRunner
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewNightlyBatchJob creates the scheduled batch job
func NewNightlyBatchJob(runner BatchRunner, timeout time.Duration, log zerolog.Logger) *NightlyBatchJob {
	return &NightlyBatchJob{
		runner:  runner,
		timeout: timeout,
		now:     time.Now,
		log:     log.With().Str("job", "nightly_batch").Logger(),
	}
}

// Name returns the job name
func (j *NightlyBatchJob) Name() string {
	return "nightly_batch"
}

// Run executes the batch for the calculation date
func (j *NightlyBatchJob) Run() error {
	ctx := context.Background()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	date := CalculationDate(j.now())
	summary, err := j.runner.Run(ctx, batch.RunRequest{From: date, To: date, TriggeredBy: "schedule"})
	if errors.Is(err, batch.ErrRunInProgress) {
		j.log.Warn().Str("date", domain.DateKey(date)).Msg("Skipping scheduled run, another run is active")
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduled batch for %s failed: %w", domain.DateKey(date), err)
	}

	j.log.Info().
		Str("run_id", summary.ID).
		Str("date", domain.DateKey(date)).
		Str("status", summary.Status).
		Int("committed", summary.Committed).
		Int("failed", summary.Failed).
		Msg("Scheduled batch finished")
	return nil
}

// CalculationDate returns the weekday a run started at now computes:
// now's date, or the preceding Friday on weekends.
func CalculationDate(now time.Time) time.Time {
	date := domain.NormalizeDate(now)
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, -1)
	case time.Sunday:
		return date.AddDate(0, 0, -2)
	}
	return date
}
