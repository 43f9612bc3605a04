package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Calculation set statuses
const (
	SetPending   = "pending"
	SetCommitted = "committed"
	SetFailed    = "failed"
)

var (
	// ErrSetNotFound is returned for an unknown calculation set id
	ErrSetNotFound = errors.New("calculation set not found")
	// ErrSetNotPending is returned when committing or failing a finished set
	ErrSetNotPending = errors.New("calculation set is not pending")
)

// CalculationSet groups every result row of one portfolio-date calculation
type CalculationSet struct {
	CreatedAt   time.Time         `json:"created_at"`
	CommittedAt *time.Time        `json:"committed_at,omitempty"`
	CalcDate    time.Time         `json:"calc_date"`
	ID          string            `json:"id"`
	RunID       string            `json:"run_id,omitempty"`
	Status      string            `json:"status"`
	Reason      domain.ReasonCode `json:"reason,omitempty"`
	PortfolioID int64             `json:"portfolio_id"`
}

// SetRepository manages calculation sets in the analytics database
type SetRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSetRepository creates a calculation set repository
func NewSetRepository(db *sql.DB, log zerolog.Logger) *SetRepository {
	return &SetRepository{
		db:  db,
		log: log.With().Str("repo", "calculation_sets").Logger(),
	}
}

// Create opens a pending set for a portfolio-date and returns its id
func (r *SetRepository) Create(ctx context.Context, runID string, portfolioID int64, date time.Time) (string, error) {
	id := uuid.New().String()
	var run interface{}
	if runID != "" {
		run = runID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO calculation_sets (id, run_id, portfolio_id, calc_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, run, portfolioID, domain.DateKey(date), SetPending, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to create calculation set: %w", err)
	}
	return id, nil
}

// Commit makes a pending set visible to readers
func (r *SetRepository) Commit(ctx context.Context, id string) error {
	return r.finish(ctx, id, SetCommitted, domain.ReasonNone)
}

// Fail marks a pending set failed; its rows stay invisible
func (r *SetRepository) Fail(ctx context.Context, id string, reason domain.ReasonCode) error {
	return r.finish(ctx, id, SetFailed, reason)
}

func (r *SetRepository) finish(ctx context.Context, id, status string, reason domain.ReasonCode) error {
	var committedAt, why interface{}
	if status == SetCommitted {
		committedAt = time.Now().Unix()
	}
	if reason != domain.ReasonNone {
		why = string(reason)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE calculation_sets
		SET status = ?, reason = ?, committed_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, why, committedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark calculation set %s %s: %w", id, status, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrSetNotPending, id)
	}

	r.log.Debug().Str("set_id", id).Str("status", status).Msg("Calculation set finished")
	return nil
}

// Get returns one calculation set
func (r *SetRepository) Get(ctx context.Context, id string) (*CalculationSet, error) {
	sets, err := r.query(ctx, `
		SELECT id, run_id, portfolio_id, calc_date, status, reason, created_at, committed_at
		FROM calculation_sets WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSetNotFound, id)
	}
	return &sets[0], nil
}

// ListForPortfolio returns the newest sets of a portfolio, any status
func (r *SetRepository) ListForPortfolio(ctx context.Context, portfolioID int64, limit int) ([]CalculationSet, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, `
		SELECT id, run_id, portfolio_id, calc_date, status, reason, created_at, committed_at
		FROM calculation_sets
		WHERE portfolio_id = ?
		ORDER BY calc_date DESC, created_at DESC, rowid DESC
		LIMIT ?
	`, portfolioID, limit)
}

func (r *SetRepository) query(ctx context.Context, query string, args ...interface{}) ([]CalculationSet, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calculation sets: %w", err)
	}
	defer rows.Close()

	sets := []CalculationSet{}
	for rows.Next() {
		var (
			set         CalculationSet
			runID       sql.NullString
			reason      sql.NullString
			dateKey     string
			createdAt   int64
			committedAt sql.NullInt64
		)
		if err := rows.Scan(&set.ID, &runID, &set.PortfolioID, &dateKey, &set.Status, &reason, &createdAt, &committedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calculation set: %w", err)
		}
		if set.CalcDate, err = domain.ParseDateKey(dateKey); err != nil {
			return nil, fmt.Errorf("invalid calc_date %q: %w", dateKey, err)
		}
		set.RunID = runID.String
		set.Reason = domain.ReasonCode(reason.String)
		set.CreatedAt = time.Unix(createdAt, 0).UTC()
		if committedAt.Valid {
			t := time.Unix(committedAt.Int64, 0).UTC()
			set.CommittedAt = &t
		}
		sets = append(sets, set)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calculation sets: %w", err)
	}
	return sets, nil
}
