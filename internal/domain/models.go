// Package domain provides core domain models and types.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind represents the type of instrument a position holds
type InstrumentKind string

const (
	// KindEquity represents listed shares and ETFs
	KindEquity InstrumentKind = "equity"
	// KindOption represents listed option contracts
	KindOption InstrumentKind = "option"
	// KindPrivate represents illiquid holdings without a market price series
	KindPrivate InstrumentKind = "private"
)

// DefaultOptionMultiplier is the contract size applied to options with no explicit multiplier.
const DefaultOptionMultiplier = 100

// Position represents a portfolio position
type Position struct {
	EntryDate        time.Time       `json:"entry_date"`
	ExitDate         *time.Time      `json:"exit_date,omitempty"`
	Symbol           string          `json:"symbol"`
	UnderlyingSymbol string          `json:"underlying_symbol,omitempty"` // Options only
	Kind             InstrumentKind  `json:"kind"`
	Quantity         decimal.Decimal `json:"quantity"` // Negative for shorts
	Price            decimal.Decimal `json:"price"`
	Multiplier       decimal.Decimal `json:"multiplier"` // Zero means default for kind
	ID               int64           `json:"id"`
	PortfolioID      int64           `json:"portfolio_id"`
}

// PriceSymbol returns the symbol whose price history drives the position's returns.
func (p Position) PriceSymbol() string {
	if p.Kind == KindOption && p.UnderlyingSymbol != "" {
		return p.UnderlyingSymbol
	}
	return p.Symbol
}

// IsExited reports whether the position was closed on or before asOf.
func (p Position) IsExited(asOf time.Time) bool {
	return p.ExitDate != nil && !p.ExitDate.After(asOf)
}

// IsEligible reports whether the position takes part in factor and correlation
// calculations on asOf: held, not private and already opened.
func (p Position) IsEligible(asOf time.Time) bool {
	if p.Kind == KindPrivate || p.IsExited(asOf) {
		return false
	}
	return p.EntryDate.IsZero() || !p.EntryDate.After(asOf)
}

// Portfolio represents a portfolio and its equity balance
type Portfolio struct {
	Name          string          `json:"name"`
	EquityBalance decimal.Decimal `json:"equity_balance"`
	ID            int64           `json:"id"`
}

// FactorDefinition is immutable reference data for one systematic risk factor
type FactorDefinition struct {
	Name        string `json:"name"`         // Stable slug, e.g. "market"
	DisplayName string `json:"display_name"` // e.g. "Market Beta"
	ProxySymbol string `json:"proxy_symbol"` // ETF whose returns stand in for the factor
	ID          int    `json:"id"`
	SortOrder   int    `json:"sort_order"`
}

// ResultStatus is the outcome tag shared by every calculation result
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusSkipped ResultStatus = "skipped"
	StatusFailed  ResultStatus = "failed"
)

// SubjectKind distinguishes position-level from portfolio-level records
type SubjectKind string

const (
	SubjectPosition  SubjectKind = "position"
	SubjectPortfolio SubjectKind = "portfolio"
)

// NormalizeDate truncates t to midnight UTC.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateKey formats a calendar date as YYYY-MM-DD.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ParseDateKey parses a YYYY-MM-DD string as a UTC date.
func ParseDateKey(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

// Weekdays returns every Monday-to-Friday date in [from, to], inclusive.
func Weekdays(from, to time.Time) []time.Time {
	from, to = NormalizeDate(from), NormalizeDate(to)
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		days = append(days, d)
	}
	return days
}

// PricePoint is one daily closing price
type PricePoint struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}
