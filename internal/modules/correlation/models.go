// Package correlation computes validated correlation matrices across the
// holdings of a portfolio.
package correlation

import (
	"time"

	"github.com/aristath/riskengine/internal/domain"
)

// Exclusion reasons
const (
	ExcludedBelowMinWeight = "below_min_weight"
	ExcludedMissingPrices  = "missing_price_data"
	ExcludedNoVariance     = "no_variance"
)

// Pair is the correlation of two symbols. Unavailable pairs (too little
// overlapping history) carry a nil Correlation and are stored as 0 in the matrix.
type Pair struct {
	Correlation     *float64 `json:"correlation"`
	PValue          *float64 `json:"p_value"`
	SymbolA         string   `json:"symbol_a"`
	SymbolB         string   `json:"symbol_b"`
	SampleSize      int      `json:"sample_size"`
	Available       bool     `json:"available"`
	LowConfidence   bool     `json:"low_confidence"`
	HighCorrelation bool     `json:"high_correlation"`
}

// Exclusion is a holding left out of the matrix
type Exclusion struct {
	Symbol string  `json:"symbol"`
	Reason string  `json:"reason"`
	Weight float64 `json:"weight"`
}

// Result is the correlation matrix of one portfolio-date. Success, skip and
// failure share this shape.
type Result struct {
	CalculationDate    time.Time           `json:"calculation_date"`
	Status             domain.ResultStatus `json:"status"`
	Reason             domain.ReasonCode   `json:"reason,omitempty"`
	Symbols            []string            `json:"symbols"`
	Matrix             [][]float64         `json:"matrix"`
	Pairs              []Pair              `json:"pairs"`
	Excluded           []Exclusion         `json:"excluded"`
	Warnings           []string            `json:"warnings"`
	PortfolioID        int64               `json:"portfolio_id"`
	LookbackDays       int                 `json:"lookback_days"`
	MinOverlap         int                 `json:"min_overlap"`
	MinEigenBefore     float64             `json:"min_eigen_before"`
	MinEigenAfter      float64             `json:"min_eigen_after"`
	AverageCorrelation float64             `json:"average_correlation"`
	EffectivePositions float64             `json:"effective_positions"`
	ValidPairs         int                 `json:"valid_pairs"`
	FilteredPairs      int                 `json:"filtered_pairs"`
	LowConfidencePairs int                 `json:"low_confidence_pairs"`
	PSDCorrected       bool                `json:"psd_corrected"`
}

// Correlation returns the matrix entry of two symbols
func (r *Result) Correlation(a, b string) (float64, bool) {
	i, j := r.index(a), r.index(b)
	if i < 0 || j < 0 {
		return 0, false
	}
	return r.Matrix[i][j], true
}

// Pair returns the pair record of two symbols in either order
func (r *Result) Pair(a, b string) (Pair, bool) {
	for _, p := range r.Pairs {
		if (p.SymbolA == a && p.SymbolB == b) || (p.SymbolA == b && p.SymbolB == a) {
			return p, true
		}
	}
	return Pair{}, false
}

// HighCorrelationPairs returns the pairs flagged as highly correlated
func (r *Result) HighCorrelationPairs() []Pair {
	out := []Pair{}
	for _, p := range r.Pairs {
		if p.HighCorrelation {
			out = append(out, p)
		}
	}
	return out
}

func (r *Result) index(symbol string) int {
	for i, s := range r.Symbols {
		if s == symbol {
			return i
		}
	}
	return -1
}
