package testing

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/shopspring/decimal"
)

// SyntheticMarket is a deterministic set of daily price series. Factor proxies
// follow independent random walks; other symbols are built from known factor betas.
type SyntheticMarket struct {
	Dates   []time.Time
	Prices  map[string][]float64
	Returns map[string][]float64 // simple returns, Returns[s][i] is Dates[i] -> Dates[i+1]
	rng     *rand.Rand
}

// NewSyntheticMarket generates days weekday dates ending on end with a random
// walk for every default factor proxy.
func NewSyntheticMarket(end time.Time, days int, seed int64) *SyntheticMarket {
	m := &SyntheticMarket{
		Prices:  make(map[string][]float64),
		Returns: make(map[string][]float64),
		rng:     rand.New(rand.NewSource(seed)),
	}
	for d := domain.NormalizeDate(end); len(m.Dates) < days; d = d.AddDate(0, 0, -1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		m.Dates = append([]time.Time{d}, m.Dates...)
	}
	for _, def := range domain.DefaultFactors {
		returns := make([]float64, days-1)
		for i := range returns {
			returns[i] = 0.0003 + 0.01*m.rng.NormFloat64()
		}
		m.setReturns(def.ProxySymbol, returns, 100)
	}
	return m
}

// AddFactorDriven adds symbol whose returns are Σ beta × proxy return plus noise.
// betas is keyed by proxy symbol.
func (m *SyntheticMarket) AddFactorDriven(symbol string, betas map[string]float64, noise float64) {
	returns := make([]float64, len(m.Dates)-1)
	for i := range returns {
		r := noise * m.rng.NormFloat64()
		for proxy, beta := range betas {
			r += beta * m.Returns[proxy][i]
		}
		returns[i] = r
	}
	m.setReturns(symbol, returns, 50)
}

// AddIndependent adds symbol following its own random walk.
func (m *SyntheticMarket) AddIndependent(symbol string, vol float64) {
	returns := make([]float64, len(m.Dates)-1)
	for i := range returns {
		returns[i] = vol * m.rng.NormFloat64()
	}
	m.setReturns(symbol, returns, 20)
}

// SetPrices overrides a symbol's price series. NaN entries are left out of Points.
func (m *SyntheticMarket) SetPrices(symbol string, prices []float64) {
	m.Prices[symbol] = prices
	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		returns[i-1] = prices[i]/prices[i-1] - 1
	}
	m.Returns[symbol] = returns
}

func (m *SyntheticMarket) setReturns(symbol string, returns []float64, start float64) {
	prices := make([]float64, len(returns)+1)
	prices[0] = start
	for i, r := range returns {
		prices[i+1] = prices[i] * (1 + r)
	}
	m.Prices[symbol] = prices
	m.Returns[symbol] = returns
}

// Points returns the series as price points, skipping NaN prices.
func (m *SyntheticMarket) Points() map[string][]domain.PricePoint {
	out := make(map[string][]domain.PricePoint, len(m.Prices))
	for symbol, prices := range m.Prices {
		points := make([]domain.PricePoint, 0, len(prices))
		for i, p := range prices {
			if math.IsNaN(p) {
				continue
			}
			points = append(points, domain.PricePoint{Date: m.Dates[i], Close: p})
		}
		out[symbol] = points
	}
	return out
}

// Last returns the final date of the market.
func (m *SyntheticMarket) Last() time.Time {
	return m.Dates[len(m.Dates)-1]
}

// NewEquityPosition returns an equity position with quantity and price.
func NewEquityPosition(id, portfolioID int64, symbol string, quantity, price float64) domain.Position {
	return domain.Position{
		ID:          id,
		PortfolioID: portfolioID,
		Symbol:      symbol,
		Kind:        domain.KindEquity,
		Quantity:    decimal.NewFromFloat(quantity),
		Price:       decimal.NewFromFloat(price),
	}
}

// NewPortfolio returns a portfolio with the given equity balance.
func NewPortfolio(id int64, equity float64) domain.Portfolio {
	return domain.Portfolio{
		ID:            id,
		Name:          "Test Portfolio",
		EquityBalance: decimal.NewFromFloat(equity),
	}
}

// SeedPortfolio writes a portfolio and its positions into a migrated portfolio database.
func SeedPortfolio(t *testing.T, db *database.DB, p domain.Portfolio, positions []domain.Position) {
	t.Helper()

	if _, err := db.Exec(
		"INSERT INTO portfolios (id, name, equity_balance) VALUES (?, ?, ?)",
		p.ID, p.Name, p.EquityBalance.String(),
	); err != nil {
		t.Fatalf("Failed to seed portfolio %d: %v", p.ID, err)
	}

	for _, pos := range positions {
		var multiplier, underlying, entry, exit interface{}
		if !pos.Multiplier.IsZero() {
			multiplier = pos.Multiplier.String()
		}
		if pos.UnderlyingSymbol != "" {
			underlying = pos.UnderlyingSymbol
		}
		if !pos.EntryDate.IsZero() {
			entry = pos.EntryDate.Unix()
		}
		if pos.ExitDate != nil {
			exit = pos.ExitDate.Unix()
		}
		if _, err := db.Exec(`
			INSERT INTO positions (id, portfolio_id, symbol, underlying_symbol, kind, quantity, price, multiplier, entry_date, exit_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pos.ID, p.ID, pos.Symbol, underlying, string(pos.Kind),
			pos.Quantity.String(), pos.Price.String(), multiplier, entry, exit,
		); err != nil {
			t.Fatalf("Failed to seed position %d: %v", pos.ID, err)
		}
	}
}

// SeedPrices writes price points into a migrated history database.
func SeedPrices(t *testing.T, db *database.DB, points map[string][]domain.PricePoint) {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Failed to begin seed transaction: %v", err)
	}
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO daily_prices (symbol, date, close) VALUES (?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		t.Fatalf("Failed to prepare seed statement: %v", err)
	}
	defer stmt.Close()

	for symbol, series := range points {
		for _, p := range series {
			if _, err := stmt.Exec(symbol, domain.NormalizeDate(p.Date).Unix(), p.Close); err != nil {
				_ = tx.Rollback()
				t.Fatalf("Failed to seed price %s: %v", symbol, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Failed to commit seed prices: %v", err)
	}
}
