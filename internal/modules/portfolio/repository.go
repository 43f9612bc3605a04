// Package portfolio provides read-only access to positions and portfolio balances.
package portfolio

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Repository reads the portfolio database. It implements domain.PortfolioReader.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new portfolio repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// GetPortfolio returns one portfolio
func (r *Repository) GetPortfolio(ctx context.Context, id int64) (*domain.Portfolio, error) {
	var p domain.Portfolio
	var equity string
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, equity_balance FROM portfolios WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &equity)
	if err == sql.ErrNoRows {
		return nil, domain.NewCalculationError(domain.ReasonPortfolioNotFound, "portfolio %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio %d: %w", id, err)
	}

	p.EquityBalance, err = decimal.NewFromString(equity)
	if err != nil {
		// An unparseable balance is treated like a missing one: the calculators reject it
		r.log.Warn().Int64("portfolio_id", id).Str("equity_balance", equity).Msg("Unparseable equity balance")
		p.EquityBalance = decimal.Zero
	}
	return &p, nil
}

// GetPositions returns every position opened on or before asOf, exited ones included
func (r *Repository) GetPositions(ctx context.Context, portfolioID int64, asOf time.Time) ([]domain.Position, error) {
	query := `
		SELECT id, portfolio_id, symbol, underlying_symbol, kind, quantity, price,
			multiplier, entry_date, exit_date
		FROM positions
		WHERE portfolio_id = ? AND (entry_date IS NULL OR entry_date <= ?)
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, portfolioID, domain.NormalizeDate(asOf).Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

func scanPosition(rows *sql.Rows) (domain.Position, error) {
	var pos domain.Position
	var underlying, multiplier sql.NullString
	var quantity, price, kind string
	var entry, exit sql.NullInt64

	if err := rows.Scan(&pos.ID, &pos.PortfolioID, &pos.Symbol, &underlying, &kind,
		&quantity, &price, &multiplier, &entry, &exit); err != nil {
		return pos, err
	}

	var err error
	pos.Kind = domain.InstrumentKind(kind)
	pos.UnderlyingSymbol = underlying.String
	if pos.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return pos, fmt.Errorf("position %d quantity %q: %w", pos.ID, quantity, err)
	}
	if pos.Price, err = decimal.NewFromString(price); err != nil {
		return pos, fmt.Errorf("position %d price %q: %w", pos.ID, price, err)
	}
	if multiplier.Valid && multiplier.String != "" {
		if pos.Multiplier, err = decimal.NewFromString(multiplier.String); err != nil {
			return pos, fmt.Errorf("position %d multiplier %q: %w", pos.ID, multiplier.String, err)
		}
	}
	if entry.Valid {
		pos.EntryDate = time.Unix(entry.Int64, 0).UTC()
	}
	if exit.Valid {
		t := time.Unix(exit.Int64, 0).UTC()
		pos.ExitDate = &t
	}
	return pos, nil
}

// ListPortfolioIDs returns every portfolio id in ascending order
func (r *Repository) ListPortfolioIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM portfolios ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolios: %w", err)
	}
	return ids, nil
}

// ListSymbols returns the distinct price symbols of non-private positions in the portfolios
func (r *Repository) ListSymbols(ctx context.Context, portfolioIDs []int64) ([]string, error) {
	if len(portfolioIDs) == 0 {
		return []string{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(portfolioIDs)), ",")
	query := fmt.Sprintf(`
		SELECT DISTINCT CASE
			WHEN kind = 'option' AND underlying_symbol IS NOT NULL AND underlying_symbol != ''
			THEN underlying_symbol ELSE symbol END
		FROM positions
		WHERE kind != 'private' AND portfolio_id IN (%s)
	`, placeholders)

	args := make([]interface{}, len(portfolioIDs))
	for i, id := range portfolioIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query position symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	sort.Strings(symbols)
	return symbols, nil
}
