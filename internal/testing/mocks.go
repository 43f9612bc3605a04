package testing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aristath/riskengine/internal/domain"
)

// MockPriceStore is an in-memory domain.PriceStore that counts calls
type MockPriceStore struct {
	mu          sync.Mutex
	points      map[string]map[string]float64 // symbol -> date key -> close
	err         error
	rangeCalls  int
	pointCalls  int
	lastSymbols []string
}

// NewMockPriceStore creates a store holding the given series
func NewMockPriceStore(series map[string][]domain.PricePoint) *MockPriceStore {
	m := &MockPriceStore{points: make(map[string]map[string]float64)}
	for symbol, pts := range series {
		m.Add(symbol, pts...)
	}
	return m
}

// Add inserts price points for symbol
func (m *MockPriceStore) Add(symbol string, pts ...domain.PricePoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.points[symbol] == nil {
		m.points[symbol] = make(map[string]float64)
	}
	for _, p := range pts {
		m.points[symbol][domain.DateKey(p.Date)] = p.Close
	}
}

// SetError makes every call fail with err
func (m *MockPriceStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// RangeCalls returns how many times LoadRange was called
func (m *MockPriceStore) RangeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeCalls
}

// PointCalls returns how many times PriceOn was called
func (m *MockPriceStore) PointCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pointCalls
}

// LastSymbols returns the symbols of the most recent LoadRange call
func (m *MockPriceStore) LastSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lastSymbols...)
}

// LoadRange implements domain.PriceStore
func (m *MockPriceStore) LoadRange(ctx context.Context, symbols []string, from, to time.Time) (map[string][]domain.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rangeCalls++
	m.lastSymbols = append([]string(nil), symbols...)
	if m.err != nil {
		return nil, m.err
	}

	fromKey, toKey := domain.DateKey(from), domain.DateKey(to)
	out := make(map[string][]domain.PricePoint)
	for _, symbol := range symbols {
		var pts []domain.PricePoint
		for key, price := range m.points[symbol] {
			if key < fromKey || key > toKey {
				continue
			}
			date, _ := domain.ParseDateKey(key)
			pts = append(pts, domain.PricePoint{Date: date, Close: price})
		}
		sort.Slice(pts, func(i, j int) bool { return pts[i].Date.Before(pts[j].Date) })
		if len(pts) > 0 {
			out[symbol] = pts
		}
	}
	return out, nil
}

// PriceOn implements domain.PriceStore
func (m *MockPriceStore) PriceOn(ctx context.Context, symbol string, date time.Time) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pointCalls++
	if m.err != nil {
		return 0, false, m.err
	}
	price, ok := m.points[symbol][domain.DateKey(date)]
	return price, ok, nil
}

// MockPortfolioReader is an in-memory domain.PortfolioReader
type MockPortfolioReader struct {
	mu         sync.RWMutex
	portfolios map[int64]domain.Portfolio
	positions  map[int64][]domain.Position
	err        error
}

// NewMockPortfolioReader creates an empty reader
func NewMockPortfolioReader() *MockPortfolioReader {
	return &MockPortfolioReader{
		portfolios: make(map[int64]domain.Portfolio),
		positions:  make(map[int64][]domain.Position),
	}
}

// Put stores a portfolio with its positions
func (m *MockPortfolioReader) Put(p domain.Portfolio, positions ...domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolios[p.ID] = p
	for i := range positions {
		positions[i].PortfolioID = p.ID
	}
	m.positions[p.ID] = positions
}

// SetError makes every call fail with err
func (m *MockPortfolioReader) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetPortfolio implements domain.PortfolioReader
func (m *MockPortfolioReader) GetPortfolio(ctx context.Context, id int64) (*domain.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.portfolios[id]
	if !ok {
		return nil, domain.NewCalculationError(domain.ReasonPortfolioNotFound, "portfolio %d not found", id)
	}
	return &p, nil
}

// GetPositions implements domain.PortfolioReader
func (m *MockPortfolioReader) GetPositions(ctx context.Context, portfolioID int64, asOf time.Time) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Position
	for _, p := range m.positions[portfolioID] {
		if !p.EntryDate.IsZero() && p.EntryDate.After(asOf) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ListPortfolioIDs implements domain.PortfolioReader
func (m *MockPortfolioReader) ListPortfolioIDs(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	ids := make([]int64, 0, len(m.portfolios))
	for id := range m.portfolios {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ListSymbols implements domain.PortfolioReader
func (m *MockPortfolioReader) ListSymbols(ctx context.Context, portfolioIDs []int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	seen := make(map[string]bool)
	for _, id := range portfolioIDs {
		for _, p := range m.positions[id] {
			if p.Kind != domain.KindPrivate {
				seen[p.PriceSymbol()] = true
			}
		}
	}
	symbols := make([]string, 0, len(seen))
	for s := range seen {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, nil
}
