package correlation

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
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNoResults is returned when no committed correlation matrix matches a lookup
var ErrNoResults = errors.New("no committed correlation results")

// Repository persists correlation matrices in the analytics database.
// Matrices are stored as msgpack blobs; pairs get one row each.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a correlation repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "correlation").Logger(),
	}
}

// storedMeta is the JSON payload of the symbols column
type storedMeta struct {
	Symbols  []string    `json:"symbols"`
	Excluded []Exclusion `json:"excluded,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
}

// SaveResult writes the matrix and its pairs in a single transaction
func (r *Repository) SaveResult(ctx context.Context, setID string, res *Result) error {
	blob, err := msgpack.Marshal(res.Matrix)
	if err != nil {
		return fmt.Errorf("failed to encode correlation matrix: %w", err)
	}
	meta, err := json.Marshal(storedMeta{Symbols: res.Symbols, Excluded: res.Excluded, Warnings: res.Warnings})
	if err != nil {
		return fmt.Errorf("failed to encode symbols: %w", err)
	}

	err = database.WithTransactionContext(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO correlation_matrices (
				set_id, portfolio_id, calc_date, status, reason, lookback_days, min_overlap,
				symbols, matrix, psd_corrected, min_eigen_before, min_eigen_after,
				average_correlation, effective_positions, valid_pairs, filtered_pairs, low_confidence_pairs
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, setID, res.PortfolioID, domain.DateKey(res.CalculationDate), string(res.Status), nullString(string(res.Reason)),
			res.LookbackDays, res.MinOverlap, string(meta), blob, boolToInt(res.PSDCorrected),
			res.MinEigenBefore, res.MinEigenAfter, res.AverageCorrelation, res.EffectivePositions,
			res.ValidPairs, res.FilteredPairs, res.LowConfidencePairs)
		if err != nil {
			return fmt.Errorf("failed to insert correlation matrix: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO correlation_pairs (
				set_id, symbol_a, symbol_b, correlation, sample_size, p_value,
				available, low_confidence, high_correlation
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare pair insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range res.Pairs {
			if _, err := stmt.ExecContext(ctx, setID, p.SymbolA, p.SymbolB, p.Correlation, p.SampleSize, p.PValue,
				boolToInt(p.Available), boolToInt(p.LowConfidence), boolToInt(p.HighCorrelation)); err != nil {
				return fmt.Errorf("failed to insert pair %s/%s: %w", p.SymbolA, p.SymbolB, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().Str("set_id", setID).Int("pairs", len(res.Pairs)).Msg("Correlation matrix saved")
	return nil
}

// ResultForSet loads the matrix of one calculation set regardless of its status
func (r *Repository) ResultForSet(ctx context.Context, setID string) (*Result, error) {
	return r.load(ctx, `
		SELECT cm.set_id, cm.portfolio_id, cm.calc_date, cm.status, cm.reason, cm.lookback_days, cm.min_overlap,
		       cm.symbols, cm.matrix, cm.psd_corrected, cm.min_eigen_before, cm.min_eigen_after,
		       cm.average_correlation, cm.effective_positions, cm.valid_pairs, cm.filtered_pairs, cm.low_confidence_pairs
		FROM correlation_matrices cm
		WHERE cm.set_id = ?
	`, setID)
}

// LatestResult returns the most recently committed matrix of a portfolio with
// a calculation date on or before onOrBefore
func (r *Repository) LatestResult(ctx context.Context, portfolioID int64, onOrBefore time.Time) (*Result, error) {
	return r.load(ctx, `
		SELECT cm.set_id, cm.portfolio_id, cm.calc_date, cm.status, cm.reason, cm.lookback_days, cm.min_overlap,
		       cm.symbols, cm.matrix, cm.psd_corrected, cm.min_eigen_before, cm.min_eigen_after,
		       cm.average_correlation, cm.effective_positions, cm.valid_pairs, cm.filtered_pairs, cm.low_confidence_pairs
		FROM correlation_matrices cm
		JOIN calculation_sets cs ON cs.id = cm.set_id
		WHERE cm.portfolio_id = ? AND cm.calc_date <= ? AND cs.status = 'committed'
		ORDER BY cm.calc_date DESC, cs.committed_at DESC, cs.rowid DESC
		LIMIT 1
	`, portfolioID, domain.DateKey(onOrBefore))
}

func (r *Repository) load(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	var (
		res                    Result
		setID, dateKey, status string
		metaJSON               string
		reason                 sql.NullString
		blob                   []byte
		psd                    int
		minBefore, minAfter    sql.NullFloat64
		average, effective     sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&setID, &res.PortfolioID, &dateKey, &status, &reason, &res.LookbackDays, &res.MinOverlap,
		&metaJSON, &blob, &psd, &minBefore, &minAfter,
		&average, &effective, &res.ValidPairs, &res.FilteredPairs, &res.LowConfidencePairs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoResults
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation matrix: %w", err)
	}

	res.Status = domain.ResultStatus(status)
	res.Reason = domain.ReasonCode(reason.String)
	res.PSDCorrected = psd != 0
	res.MinEigenBefore = minBefore.Float64
	res.MinEigenAfter = minAfter.Float64
	res.AverageCorrelation = average.Float64
	res.EffectivePositions = effective.Float64
	if res.CalculationDate, err = domain.ParseDateKey(dateKey); err != nil {
		return nil, fmt.Errorf("invalid calc_date %q: %w", dateKey, err)
	}

	var meta storedMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode symbols: %w", err)
	}
	res.Symbols = nonNil(meta.Symbols)
	res.Excluded = meta.Excluded
	if res.Excluded == nil {
		res.Excluded = []Exclusion{}
	}
	res.Warnings = nonNil(meta.Warnings)

	res.Matrix = [][]float64{}
	if len(blob) > 0 {
		if err := msgpack.Unmarshal(blob, &res.Matrix); err != nil {
			return nil, fmt.Errorf("failed to decode correlation matrix: %w", err)
		}
	}

	if res.Pairs, err = r.pairs(ctx, setID); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Repository) pairs(ctx context.Context, setID string) ([]Pair, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol_a, symbol_b, correlation, sample_size, p_value, available, low_confidence, high_correlation
		FROM correlation_pairs
		WHERE set_id = ?
		ORDER BY symbol_a, symbol_b
	`, setID)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation pairs: %w", err)
	}
	defer rows.Close()

	pairs := []Pair{}
	for rows.Next() {
		var (
			p                    Pair
			rho, pValue          sql.NullFloat64
			available, low, high int
		)
		if err := rows.Scan(&p.SymbolA, &p.SymbolB, &rho, &p.SampleSize, &pValue, &available, &low, &high); err != nil {
			return nil, fmt.Errorf("failed to scan correlation pair: %w", err)
		}
		if rho.Valid {
			p.Correlation = &rho.Float64
		}
		if pValue.Valid {
			p.PValue = &pValue.Float64
		}
		p.Available = available != 0
		p.LowConfidence = low != 0
		p.HighCorrelation = high != 0
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlation pairs: %w", err)
	}
	return pairs, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
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
