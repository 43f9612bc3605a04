// Package pricecache holds the preloaded price series shared by every calculation
// of a batch run.
package pricecache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/metrics"
	"github.com/aristath/riskengine/pkg/formulas"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ReturnKind selects how period-over-period returns are computed
type ReturnKind int

const (
	// SimpleReturns are (p1 - p0) / p0
	SimpleReturns ReturnKind = iota
	// LogReturns are ln(p1 / p0)
	LogReturns
)

// Options configures a cache
type Options struct {
	// PopulateOnMiss stores values fetched by GetOrFetch. Batch runs leave it off
	// so the cache stays immutable after Build.
	PopulateOnMiss bool
	// Breaker guards fallback lookups; nil disables fallback lookups entirely
	Breaker *gobreaker.CircuitBreaker
	Metrics *metrics.Registry
	Logger  zerolog.Logger
}

// Stats describes cache contents and lookup counters
type Stats struct {
	Symbols   int   `json:"symbols"`
	Points    int   `json:"points"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Fallbacks int64 `json:"fallbacks"`
}

// Cache serves O(1) price lookups for a symbol set over a date range.
// Lookups never fail: a missing point is reported with ok=false.
type Cache struct {
	store domain.PriceStore
	opts  Options
	log   zerolog.Logger
	from  time.Time
	to    time.Time

	mu     sync.RWMutex // only taken when PopulateOnMiss is set
	prices map[string]map[int64]float64
	dates  map[string][]time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	fallbacks atomic.Int64
}

// Build bulk-loads prices for symbols in [from, to] with a single range query.
func Build(ctx context.Context, store domain.PriceStore, symbols []string, from, to time.Time, opts Options) (*Cache, error) {
	from, to = domain.NormalizeDate(from), domain.NormalizeDate(to)
	if to.Before(from) {
		return nil, fmt.Errorf("invalid cache range %s..%s", domain.DateKey(from), domain.DateKey(to))
	}

	c := &Cache{
		store:  store,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "price_cache").Logger(),
		from:   from,
		to:     to,
		prices: make(map[string]map[int64]float64, len(symbols)),
		dates:  make(map[string][]time.Time, len(symbols)),
	}

	unique := dedupe(symbols)
	start := time.Now()
	series, err := store.LoadRange(ctx, unique, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load prices: %w", err)
	}

	points := 0
	for symbol, pts := range series {
		byDay := make(map[int64]float64, len(pts))
		days := make([]time.Time, 0, len(pts))
		for _, p := range pts {
			d := domain.NormalizeDate(p.Date)
			if _, dup := byDay[d.Unix()]; !dup {
				days = append(days, d)
			}
			byDay[d.Unix()] = p.Close
		}
		sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
		c.prices[symbol] = byDay
		c.dates[symbol] = days
		points += len(byDay)
	}

	missing := 0
	for _, symbol := range unique {
		if _, ok := c.prices[symbol]; !ok {
			missing++
		}
	}

	opts.Metrics.CacheBuilt(len(c.prices), points)
	c.log.Info().
		Int("symbols_requested", len(unique)).
		Int("symbols_loaded", len(c.prices)).
		Int("symbols_missing", missing).
		Int("points", points).
		Str("from", domain.DateKey(from)).
		Str("to", domain.DateKey(to)).
		Dur("duration", time.Since(start)).
		Msg("Price cache built")

	return c, nil
}

func dedupe(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// NewBreaker returns the circuit breaker used for fallback lookups.
// It trips after five consecutive store failures and probes again after 30s.
func NewBreaker(name string, m *metrics.Registry) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.SetBreakerState(name, int(to))
		},
	})
}

// Range returns the loaded date range
func (c *Cache) Range() (time.Time, time.Time) {
	return c.from, c.to
}

// Get returns the close for symbol on date
func (c *Cache) Get(symbol string, date time.Time) (float64, bool) {
	price, ok := c.lookup(symbol, domain.NormalizeDate(date).Unix())
	if ok {
		c.hits.Add(1)
		c.opts.Metrics.CacheLookup(metrics.LookupHit)
	} else {
		c.misses.Add(1)
		c.opts.Metrics.CacheLookup(metrics.LookupMiss)
	}
	return price, ok
}

func (c *Cache) lookup(symbol string, day int64) (float64, bool) {
	if c.opts.PopulateOnMiss {
		c.mu.RLock()
		defer c.mu.RUnlock()
	}
	price, ok := c.prices[symbol][day]
	return price, ok
}

// GetOrFetch is Get with a fallback to the price store on a miss. Store errors
// and an open breaker are reported as not available.
func (c *Cache) GetOrFetch(ctx context.Context, symbol string, date time.Time) (float64, bool) {
	if price, ok := c.Get(symbol, date); ok {
		return price, true
	}
	if c.opts.Breaker == nil {
		return 0, false
	}

	date = domain.NormalizeDate(date)
	result, err := c.opts.Breaker.Execute(func() (interface{}, error) {
		price, ok, err := c.store.PriceOn(ctx, symbol, date)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return price, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.log.Debug().Str("symbol", symbol).Msg("Price store breaker open, skipping fallback")
		} else {
			c.log.Warn().Err(err).Str("symbol", symbol).Str("date", domain.DateKey(date)).Msg("Fallback price lookup failed")
		}
		return 0, false
	}
	price, ok := result.(float64)
	if !ok {
		return 0, false
	}

	c.fallbacks.Add(1)
	c.opts.Metrics.CacheLookup(metrics.LookupFallbackHit)
	if c.opts.PopulateOnMiss {
		c.insert(symbol, date, price)
	}
	return price, true
}

func (c *Cache) insert(symbol string, date time.Time, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byDay, ok := c.prices[symbol]
	if !ok {
		byDay = make(map[int64]float64)
		c.prices[symbol] = byDay
	}
	if _, exists := byDay[date.Unix()]; exists {
		return
	}
	byDay[date.Unix()] = price
	days := c.dates[symbol]
	idx := sort.Search(len(days), func(i int) bool { return !days[i].Before(date) })
	days = append(days, time.Time{})
	copy(days[idx+1:], days[idx:])
	days[idx] = date
	c.dates[symbol] = days
}

// Has reports whether any price was loaded for symbol
func (c *Cache) Has(symbol string) bool {
	if c.opts.PopulateOnMiss {
		c.mu.RLock()
		defer c.mu.RUnlock()
	}
	_, ok := c.prices[symbol]
	return ok
}

// Symbols returns the loaded symbols in sorted order
func (c *Cache) Symbols() []string {
	if c.opts.PopulateOnMiss {
		c.mu.RLock()
		defer c.mu.RUnlock()
	}
	symbols := make([]string, 0, len(c.prices))
	for s := range c.prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Series returns the points for symbol within [from, to] in date order
func (c *Cache) Series(symbol string, from, to time.Time) []domain.PricePoint {
	if c.opts.PopulateOnMiss {
		c.mu.RLock()
		defer c.mu.RUnlock()
	}
	from, to = domain.NormalizeDate(from), domain.NormalizeDate(to)
	days := c.dates[symbol]
	lo := sort.Search(len(days), func(i int) bool { return !days[i].Before(from) })

	var out []domain.PricePoint
	for _, d := range days[lo:] {
		if d.After(to) {
			break
		}
		out = append(out, domain.PricePoint{Date: d, Close: c.prices[symbol][d.Unix()]})
	}
	return out
}

// TradingDates returns up to n of symbol's dates on or before onOrBefore, oldest first.
func (c *Cache) TradingDates(symbol string, onOrBefore time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	if c.opts.PopulateOnMiss {
		c.mu.RLock()
		defer c.mu.RUnlock()
	}
	onOrBefore = domain.NormalizeDate(onOrBefore)
	days := c.dates[symbol]
	hi := sort.Search(len(days), func(i int) bool { return days[i].After(onOrBefore) })
	lo := hi - n
	if lo < 0 {
		lo = 0
	}
	out := make([]time.Time, hi-lo)
	copy(out, days[lo:hi])
	return out
}

// Prices returns symbol's closes on dates, NaN where a price is unavailable.
func (c *Cache) Prices(symbol string, dates []time.Time) []float64 {
	out := make([]float64, len(dates))
	for i, d := range dates {
		price, ok := c.Get(symbol, d)
		if !ok {
			out[i] = math.NaN()
			continue
		}
		out[i] = price
	}
	return out
}

// Returns computes len(dates)-1 returns for symbol over consecutive dates.
// A return is NaN when either price is missing or the result would not be finite.
func (c *Cache) Returns(symbol string, dates []time.Time, kind ReturnKind) []float64 {
	prices := c.Prices(symbol, dates)
	if kind == LogReturns {
		return formulas.LogReturns(prices)
	}
	return formulas.SimpleReturns(prices)
}

// Stats returns content sizes and lookup counters
func (c *Cache) Stats() Stats {
	if c.opts.PopulateOnMiss {
		c.mu.RLock()
		defer c.mu.RUnlock()
	}
	points := 0
	for _, byDay := range c.prices {
		points += len(byDay)
	}
	return Stats{
		Symbols:   len(c.prices),
		Points:    points,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Fallbacks: c.fallbacks.Load(),
	}
}
