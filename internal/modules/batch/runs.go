package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/rs/zerolog"
)

// ErrRunNotFound is returned for an unknown batch run id
var ErrRunNotFound = errors.New("batch run not found")

// RunRepository persists batch run summaries
type RunRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRunRepository creates a batch run repository
func NewRunRepository(db *sql.DB, log zerolog.Logger) *RunRepository {
	return &RunRepository{
		db:  db,
		log: log.With().Str("repo", "batch_runs").Logger(),
	}
}

// Start records a run in the running state
func (r *RunRepository) Start(ctx context.Context, s *RunSummary) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO batch_runs (id, from_date, to_date, triggered_by, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, domain.DateKey(s.From), domain.DateKey(s.To), s.TriggeredBy, RunRunning, s.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record batch run start: %w", err)
	}
	return nil
}

// Finish stores the final status and the full summary
func (r *RunRepository) Finish(ctx context.Context, s *RunSummary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	finishedAt := time.Now()
	if s.FinishedAt != nil {
		finishedAt = *s.FinishedAt
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE batch_runs SET status = ?, finished_at = ?, summary = ? WHERE id = ?
	`, s.Status, finishedAt.Unix(), string(payload), s.ID)
	if err != nil {
		return fmt.Errorf("failed to record batch run finish: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, s.ID)
	}
	return nil
}

// Get returns a run. Finished runs carry their full summary.
func (r *RunRepository) Get(ctx context.Context, id string) (*RunSummary, error) {
	runs, err := r.query(ctx, `
		SELECT id, from_date, to_date, triggered_by, status, started_at, finished_at, summary
		FROM batch_runs WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return &runs[0], nil
}

// List returns the most recent runs, newest first
func (r *RunRepository) List(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.query(ctx, `
		SELECT id, from_date, to_date, triggered_by, status, started_at, finished_at, summary
		FROM batch_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
}

// FailStale marks runs left in the running state by a previous process as failed
func (r *RunRepository) FailStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE batch_runs SET status = 'failed', finished_at = ? WHERE status = 'running'
	`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to close stale batch runs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		r.log.Warn().Int64("runs", affected).Msg("Marked interrupted batch runs as failed")
	}
	return affected, nil
}

func (r *RunRepository) query(ctx context.Context, query string, args ...interface{}) ([]RunSummary, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		var (
			run            RunSummary
			fromKey, toKey string
			status         string
			startedAt      int64
			finishedAt     sql.NullInt64
			summary        sql.NullString
		)
		if err := rows.Scan(&run.ID, &fromKey, &toKey, &run.TriggeredBy, &status, &startedAt, &finishedAt, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", err)
		}
		if summary.Valid && summary.String != "" {
			if err := json.Unmarshal([]byte(summary.String), &run); err != nil {
				return nil, fmt.Errorf("failed to unmarshal run summary %s: %w", run.ID, err)
			}
		}
		if run.From, err = domain.ParseDateKey(fromKey); err != nil {
			return nil, fmt.Errorf("invalid from_date %q: %w", fromKey, err)
		}
		if run.To, err = domain.ParseDateKey(toKey); err != nil {
			return nil, fmt.Errorf("invalid to_date %q: %w", toKey, err)
		}
		run.Status = status
		run.StartedAt = time.Unix(startedAt, 0).UTC()
		if finishedAt.Valid {
			t := time.Unix(finishedAt.Int64, 0).UTC()
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch runs: %w", err)
	}
	return runs, nil
}
