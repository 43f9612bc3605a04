package factors

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/rs/zerolog"
)

// ErrNoResults is returned when no committed calculation matches a lookup
var ErrNoResults = errors.New("no committed factor results")

// Repository persists factor results in the analytics database
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a factor results repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "factor_exposures").Logger(),
	}
}

const insertExposureSQL = `
	INSERT INTO factor_exposures (
		set_id, subject_kind, subject_id, symbol, factor_id, calc_date,
		beta, raw_beta, capped, dollar_exposure, std_error, t_stat, p_value,
		significance, r_squared, r_squared_quality, observations,
		vif, vif_level, condition_number, method
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// SaveResult writes the result header with its position and portfolio
// records in a single transaction
func (r *Repository) SaveResult(ctx context.Context, setID string, res *Result) error {
	missing, err := json.Marshal(res.MissingData)
	if err != nil {
		return fmt.Errorf("failed to marshal missing data: %w", err)
	}
	warnings, err := json.Marshal(res.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}
	dateKey := domain.DateKey(res.CalculationDate)

	err = database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO factor_results (
				set_id, portfolio_id, calc_date, status, reason, method,
				equity_balance, net_exposure, gross_exposure,
				positions_total, positions_used, missing_data, warnings
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, setID, res.PortfolioID, dateKey, string(res.Status), nullString(string(res.Reason)), res.Method,
			res.EquityBalance, res.NetExposure, res.GrossExposure,
			res.PositionsTotal, res.PositionsUsed, string(missing), string(warnings))
		if err != nil {
			return fmt.Errorf("failed to insert factor result: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, insertExposureSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare exposure insert: %w", err)
		}
		defer stmt.Close()

		for _, group := range [][]ExposureRecord{res.Positions, res.Portfolio} {
			for _, rec := range group {
				_, err := stmt.ExecContext(ctx,
					setID, string(rec.SubjectKind), rec.SubjectID, nullString(rec.Symbol), rec.FactorID, dateKey,
					rec.Beta, rec.RawBeta, boolToInt(rec.Capped), rec.DollarExposure, rec.StdError, rec.TStat, rec.PValue,
					rec.Significance, rec.RSquared, rec.RSquaredQuality, rec.Observations,
					rec.VIF, rec.VIFLevel, rec.ConditionNumber, rec.Method,
				)
				if err != nil {
					return fmt.Errorf("failed to insert %s exposure %d/%s: %w", rec.SubjectKind, rec.SubjectID, rec.FactorName, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().
		Str("set_id", setID).
		Int64("portfolio_id", res.PortfolioID).
		Int("positions", len(res.Positions)).
		Msg("Factor result saved")
	return nil
}

// ExposuresForSet returns every record of one subject kind in a calculation
// set, regardless of the set's status
func (r *Repository) ExposuresForSet(ctx context.Context, setID string, kind domain.SubjectKind) ([]ExposureRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT fe.subject_kind, fe.subject_id, fe.symbol, fe.factor_id, fd.name, fe.calc_date,
		       fe.beta, fe.raw_beta, fe.capped, fe.dollar_exposure, fe.std_error, fe.t_stat, fe.p_value,
		       fe.significance, fe.r_squared, fe.r_squared_quality, fe.observations,
		       fe.vif, fe.vif_level, fe.condition_number, fe.method
		FROM factor_exposures fe
		JOIN factor_definitions fd ON fd.id = fe.factor_id
		WHERE fe.set_id = ? AND fe.subject_kind = ?
		ORDER BY fe.subject_id, fd.sort_order
	`, setID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query exposures for set %s: %w", setID, err)
	}
	defer rows.Close()

	records := []ExposureRecord{}
	for rows.Next() {
		rec, err := scanExposure(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exposures: %w", err)
	}
	return records, nil
}

// LatestResult returns the most recently committed result of a portfolio with
// a calculation date on or before onOrBefore, together with its set id
func (r *Repository) LatestResult(ctx context.Context, portfolioID int64, onOrBefore time.Time) (*Result, string, error) {
	var (
		setID, dateKey, status    string
		reason, method            sql.NullString
		missingJSON, warningsJSON sql.NullString
		res                       Result
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT fr.set_id, fr.calc_date, fr.status, fr.reason, fr.method,
		       fr.equity_balance, fr.net_exposure, fr.gross_exposure,
		       fr.positions_total, fr.positions_used, fr.missing_data, fr.warnings
		FROM factor_results fr
		JOIN calculation_sets cs ON cs.id = fr.set_id
		WHERE fr.portfolio_id = ? AND fr.calc_date <= ? AND cs.status = 'committed'
		ORDER BY fr.calc_date DESC, cs.committed_at DESC, cs.rowid DESC
		LIMIT 1
	`, portfolioID, domain.DateKey(onOrBefore)).Scan(
		&setID, &dateKey, &status, &reason, &method,
		&res.EquityBalance, &res.NetExposure, &res.GrossExposure,
		&res.PositionsTotal, &res.PositionsUsed, &missingJSON, &warningsJSON,
	)
	if err == sql.ErrNoRows {
		return nil, "", ErrNoResults
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to query latest factor result: %w", err)
	}

	res.PortfolioID = portfolioID
	res.Status = domain.ResultStatus(status)
	res.Reason = domain.ReasonCode(reason.String)
	res.Method = method.String
	if res.CalculationDate, err = domain.ParseDateKey(dateKey); err != nil {
		return nil, "", fmt.Errorf("invalid calc_date %q: %w", dateKey, err)
	}
	res.MissingData = []MissingData{}
	if missingJSON.Valid && missingJSON.String != "" {
		if err := json.Unmarshal([]byte(missingJSON.String), &res.MissingData); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal missing data: %w", err)
		}
	}
	res.Warnings = []string{}
	if warningsJSON.Valid && warningsJSON.String != "" {
		if err := json.Unmarshal([]byte(warningsJSON.String), &res.Warnings); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}

	if res.Portfolio, err = r.ExposuresForSet(ctx, setID, domain.SubjectPortfolio); err != nil {
		return nil, "", err
	}
	if res.Positions, err = r.ExposuresForSet(ctx, setID, domain.SubjectPosition); err != nil {
		return nil, "", err
	}
	return &res, setID, nil
}

func scanExposure(rows *sql.Rows) (ExposureRecord, error) {
	var (
		rec                                      ExposureRecord
		kind, dateKey                            string
		symbol, significance, quality, vifLevel  sql.NullString
		method                                   sql.NullString
		capped                                   int
		dollar, stdErr, tStat, pValue, vif, cond sql.NullFloat64
		r2                                       sql.NullFloat64
	)
	err := rows.Scan(
		&kind, &rec.SubjectID, &symbol, &rec.FactorID, &rec.FactorName, &dateKey,
		&rec.Beta, &rec.RawBeta, &capped, &dollar, &stdErr, &tStat, &pValue,
		&significance, &r2, &quality, &rec.Observations,
		&vif, &vifLevel, &cond, &method,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan exposure: %w", err)
	}

	rec.SubjectKind = domain.SubjectKind(kind)
	rec.Symbol = symbol.String
	rec.Capped = capped != 0
	rec.DollarExposure = nullFloatPtr(dollar)
	rec.StdError = nullFloatPtr(stdErr)
	rec.TStat = nullFloatPtr(tStat)
	rec.PValue = nullFloatPtr(pValue)
	rec.VIF = nullFloatPtr(vif)
	rec.ConditionNumber = nullFloatPtr(cond)
	rec.Significance = significance.String
	rec.RSquared = r2.Float64
	rec.RSquaredQuality = quality.String
	rec.VIFLevel = vifLevel.String
	rec.Method = method.String
	if rec.CalculationDate, err = domain.ParseDateKey(dateKey); err != nil {
		return rec, fmt.Errorf("invalid calc_date %q: %w", dateKey, err)
	}
	return rec, nil
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
