// Package history provides access to the historical daily price store.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/rs/zerolog"
)

// maxSymbolsPerQuery keeps IN lists well under SQLite's bound-variable limit
const maxSymbolsPerQuery = 500

// DailyPrice represents a daily OHLCV price point
type DailyPrice struct {
	Date   time.Time `json:"date"`
	Open   *float64  `json:"open,omitempty"`
	High   *float64  `json:"high,omitempty"`
	Low    *float64  `json:"low,omitempty"`
	Close  float64   `json:"close"`
	Volume *int64    `json:"volume,omitempty"`
}

// PriceStore reads and writes the daily_prices table of the history database.
// It implements domain.PriceStore.
type PriceStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPriceStore creates a new price store
func NewPriceStore(db *sql.DB, log zerolog.Logger) *PriceStore {
	return &PriceStore{
		db:  db,
		log: log.With().Str("component", "price_store").Logger(),
	}
}

// LoadRange bulk-loads closing prices for symbols in [from, to].
// Symbols without data are absent from the result.
func (s *PriceStore) LoadRange(ctx context.Context, symbols []string, from, to time.Time) (map[string][]domain.PricePoint, error) {
	result := make(map[string][]domain.PricePoint, len(symbols))
	fromUnix := domain.NormalizeDate(from).Unix()
	toUnix := domain.NormalizeDate(to).Unix()

	for start := 0; start < len(symbols); start += maxSymbolsPerQuery {
		end := start + maxSymbolsPerQuery
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := symbols[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		query := fmt.Sprintf(`
			SELECT symbol, date, close
			FROM daily_prices
			WHERE symbol IN (%s) AND date >= ? AND date <= ?
			ORDER BY symbol, date ASC
		`, placeholders)

		args := make([]interface{}, 0, len(chunk)+2)
		for _, symbol := range chunk {
			args = append(args, symbol)
		}
		args = append(args, fromUnix, toUnix)

		if err := s.scanRange(ctx, query, args, result); err != nil {
			return nil, err
		}
	}

	s.log.Debug().
		Int("symbols_requested", len(symbols)).
		Int("symbols_found", len(result)).
		Str("from", domain.DateKey(from)).
		Str("to", domain.DateKey(to)).
		Msg("Loaded price range")

	return result, nil
}

func (s *PriceStore) scanRange(ctx context.Context, query string, args []interface{}, result map[string][]domain.PricePoint) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query price range: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var dateUnix int64
		var closePrice float64
		if err := rows.Scan(&symbol, &dateUnix, &closePrice); err != nil {
			return fmt.Errorf("failed to scan daily price: %w", err)
		}
		result[symbol] = append(result[symbol], domain.PricePoint{
			Date:  time.Unix(dateUnix, 0).UTC(),
			Close: closePrice,
		})
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating daily prices: %w", err)
	}
	return nil
}

// PriceOn returns the close for symbol on date
func (s *PriceStore) PriceOn(ctx context.Context, symbol string, date time.Time) (float64, bool, error) {
	var closePrice float64
	err := s.db.QueryRowContext(ctx,
		"SELECT close FROM daily_prices WHERE symbol = ? AND date = ?",
		symbol, domain.NormalizeDate(date).Unix(),
	).Scan(&closePrice)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query price for %s: %w", symbol, err)
	}
	return closePrice, true, nil
}

// LatestDate returns the most recent date with any price, or ok=false on an empty store
func (s *PriceStore) LatestDate(ctx context.Context) (time.Time, bool, error) {
	var dateUnix sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(date) FROM daily_prices").Scan(&dateUnix); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest price date: %w", err)
	}
	if !dateUnix.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(dateUnix.Int64, 0).UTC(), true, nil
}

// UpsertPrices writes daily prices for symbol in a single transaction
func (s *PriceStore) UpsertPrices(ctx context.Context, symbol string, prices []DailyPrice) error {
	return database.WithTransactionContext(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO daily_prices
			(symbol, date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, price := range prices {
			if price.Close <= 0 {
				s.log.Warn().
					Str("symbol", symbol).
					Str("date", domain.DateKey(price.Date)).
					Float64("close", price.Close).
					Msg("Storing non-positive close; returns through it will be unavailable")
			}
			_, err := stmt.ExecContext(ctx,
				symbol,
				domain.NormalizeDate(price.Date).Unix(),
				nullFloat(price.Open),
				nullFloat(price.High),
				nullFloat(price.Low),
				price.Close,
				nullInt(price.Volume),
			)
			if err != nil {
				return fmt.Errorf("failed to insert daily price for %s on %s: %w", symbol, domain.DateKey(price.Date), err)
			}
		}
		return nil
	})
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
