package stress

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/rs/zerolog"
)

// Repository persists stress results in the analytics database
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a stress results repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "stress_results").Logger(),
	}
}

// SaveResults writes every scenario result of one calculation set with its
// contributions in a single transaction
func (r *Repository) SaveResults(ctx context.Context, setID string, results []Result) error {
	err := database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		resultStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO stress_results (
				set_id, portfolio_id, calc_date, scenario_id, scenario_name, severity, mode,
				status, reason, total_pnl, uncapped_pnl, pnl_fraction, capped,
				net_value, gross_value, mixed_paths
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare stress result insert: %w", err)
		}
		defer resultStmt.Close()

		contribStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO stress_contributions (
				result_id, factor_id, factor_name, shock, applied_shock, exposure, contribution, path
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare contribution insert: %w", err)
		}
		defer contribStmt.Close()

		for _, res := range results {
			var reason interface{}
			if res.Reason != domain.ReasonNone {
				reason = string(res.Reason)
			}
			out, err := resultStmt.ExecContext(ctx,
				setID, res.PortfolioID, domain.DateKey(res.CalculationDate), res.ScenarioID, res.ScenarioName,
				res.Severity, res.Mode, string(res.Status), reason, res.TotalPnL, res.UncappedPnL,
				res.PnLFraction, boolToInt(res.Capped), res.NetValue, res.GrossValue, boolToInt(res.MixedPaths),
			)
			if err != nil {
				return fmt.Errorf("failed to insert stress result %s/%s: %w", res.ScenarioID, res.Mode, err)
			}
			resultID, err := out.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get stress result id: %w", err)
			}
			for _, c := range res.Contributions {
				if _, err := contribStmt.ExecContext(ctx, resultID, c.FactorID, c.FactorName,
					c.Shock, c.AppliedShock, c.Exposure, c.Contribution, c.Path); err != nil {
					return fmt.Errorf("failed to insert contribution %s/%s: %w", res.ScenarioID, c.FactorName, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().Str("set_id", setID).Int("results", len(results)).Msg("Stress results saved")
	return nil
}

// ResultsForSet returns the results of one calculation set regardless of its status
func (r *Repository) ResultsForSet(ctx context.Context, setID string) ([]Result, error) {
	return r.query(ctx, `
		SELECT sr.id, sr.portfolio_id, sr.calc_date, sr.scenario_id, sr.scenario_name, sr.severity, sr.mode,
		       sr.status, sr.reason, sr.total_pnl, sr.uncapped_pnl, sr.pnl_fraction, sr.capped,
		       sr.net_value, sr.gross_value, sr.mixed_paths
		FROM stress_results sr
		WHERE sr.set_id = ?
		ORDER BY sr.id
	`, setID)
}

// LatestResults returns the results of the most recently committed set of a
// portfolio with a calculation date on or before onOrBefore. The slice is
// empty when nothing has been committed.
func (r *Repository) LatestResults(ctx context.Context, portfolioID int64, onOrBefore time.Time) ([]Result, error) {
	var setID string
	err := r.db.QueryRowContext(ctx, `
		SELECT cs.id
		FROM calculation_sets cs
		WHERE cs.portfolio_id = ? AND cs.calc_date <= ? AND cs.status = 'committed'
		  AND EXISTS (SELECT 1 FROM stress_results sr WHERE sr.set_id = cs.id)
		ORDER BY cs.calc_date DESC, cs.committed_at DESC, cs.rowid DESC
		LIMIT 1
	`, portfolioID, domain.DateKey(onOrBefore)).Scan(&setID)
	if err == sql.ErrNoRows {
		return []Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest stress set: %w", err)
	}
	return r.ResultsForSet(ctx, setID)
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]Result, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stress results: %w", err)
	}

	var ids []int64
	results := []Result{}
	for rows.Next() {
		var (
			res                Result
			id                 int64
			dateKey, status    string
			reason             sql.NullString
			capped, mixedPaths int
		)
		if err := rows.Scan(&id, &res.PortfolioID, &dateKey, &res.ScenarioID, &res.ScenarioName, &res.Severity, &res.Mode,
			&status, &reason, &res.TotalPnL, &res.UncappedPnL, &res.PnLFraction, &capped,
			&res.NetValue, &res.GrossValue, &mixedPaths); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stress result: %w", err)
		}
		if res.CalculationDate, err = domain.ParseDateKey(dateKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("invalid calc_date %q: %w", dateKey, err)
		}
		res.Status = domain.ResultStatus(status)
		res.Reason = domain.ReasonCode(reason.String)
		res.Capped = capped != 0
		res.MixedPaths = mixedPaths != 0
		ids = append(ids, id)
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating stress results: %w", err)
	}
	rows.Close()

	for i, id := range ids {
		contributions, err := r.contributions(ctx, id)
		if err != nil {
			return nil, err
		}
		results[i].Contributions = contributions
	}
	return results, nil
}

func (r *Repository) contributions(ctx context.Context, resultID int64) ([]Contribution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sc.factor_id, sc.factor_name, sc.shock, sc.applied_shock, sc.exposure, sc.contribution, sc.path
		FROM stress_contributions sc
		LEFT JOIN factor_definitions fd ON fd.id = sc.factor_id
		WHERE sc.result_id = ?
		ORDER BY COALESCE(fd.sort_order, sc.factor_id)
	`, resultID)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", err)
	}
	defer rows.Close()

	out := []Contribution{}
	for rows.Next() {
		var c Contribution
		if err := rows.Scan(&c.FactorID, &c.FactorName, &c.Shock, &c.AppliedShock, &c.Exposure, &c.Contribution, &c.Path); err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contributions: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
