package domain

import (
	"context"
	"time"
)

// PortfolioReader is the read-only position/portfolio store the engine consumes.
// It lives here so the calculators and the orchestrator can share it without
// importing the storage package.
type PortfolioReader interface {
	// GetPortfolio returns ErrPortfolioNotFound when id does not exist
	GetPortfolio(ctx context.Context, id int64) (*Portfolio, error)

	// GetPositions returns every position of the portfolio opened on or before asOf,
	// including exited ones; callers filter with EligiblePositions
	GetPositions(ctx context.Context, portfolioID int64, asOf time.Time) ([]Position, error)

	// ListPortfolioIDs returns every known portfolio id in ascending order
	ListPortfolioIDs(ctx context.Context) ([]int64, error)

	// ListSymbols returns the distinct price symbols referenced by non-private positions
	ListSymbols(ctx context.Context, portfolioIDs []int64) ([]string, error)
}

// PriceStore is the historical price store behind the price cache.
type PriceStore interface {
	// LoadRange bulk-loads closing prices for symbols in [from, to], ascending by date
	LoadRange(ctx context.Context, symbols []string, from, to time.Time) (map[string][]PricePoint, error)

	// PriceOn returns the close for symbol on date; ok is false when there is none
	PriceOn(ctx context.Context, symbol string, date time.Time) (price float64, ok bool, err error)
}
