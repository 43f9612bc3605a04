package factors

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Significance markers
const (
	SignificanceHigh   = "***"
	SignificanceMedium = "**"
	SignificanceLow    = "*"
	SignificanceNone   = "ns"
)

// R² quality buckets
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
	QualityVeryPoor  = "very_poor"
)

// VIF levels
const (
	VIFOK       = "ok"
	VIFModerate = "moderate"
	VIFSevere   = "severe"
)

const (
	vifModerateThreshold = 5.0
	vifSevereThreshold   = 10.0
)

// Significance classifies a two-sided p-value
func Significance(p float64) string {
	switch {
	case math.IsNaN(p):
		return SignificanceNone
	case p < 0.01:
		return SignificanceHigh
	case p < 0.05:
		return SignificanceMedium
	case p < 0.10:
		return SignificanceLow
	default:
		return SignificanceNone
	}
}

// RSquaredQuality buckets a coefficient of determination
func RSquaredQuality(r2 float64) string {
	switch {
	case r2 >= 0.70:
		return QualityExcellent
	case r2 >= 0.50:
		return QualityGood
	case r2 >= 0.30:
		return QualityFair
	case r2 >= 0.10:
		return QualityPoor
	default:
		return QualityVeryPoor
	}
}

// VIFLevel classifies a variance inflation factor. Non-finite VIFs come from a
// singular factor correlation matrix.
func VIFLevel(vif float64) string {
	switch {
	case math.IsNaN(vif) || math.IsInf(vif, 0) || vif > vifSevereThreshold:
		return VIFSevere
	case vif > vifModerateThreshold:
		return VIFModerate
	default:
		return VIFOK
	}
}

// VarianceInflation returns the VIF of every column of x: the diagonal of the
// inverse of the columns' correlation matrix. All entries are +Inf when that
// matrix is singular.
func VarianceInflation(x [][]float64) []float64 {
	k := factorCount(x)
	out := make([]float64, k)
	if k == 0 {
		return out
	}
	if k == 1 {
		out[0] = 1
		return out
	}

	cols := columns(x, k)
	corr := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		corr.SetSym(i, i, 1)
		for j := i + 1; j < k; j++ {
			r := stat.Correlation(cols[i], cols[j], nil)
			if math.IsNaN(r) {
				return fillInf(out)
			}
			corr.SetSym(i, j, r)
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(corr); err != nil {
		return fillInf(out)
	}
	for i := 0; i < k; i++ {
		v := inv.At(i, i)
		if v < 1 || math.IsNaN(v) {
			// Numerically unstable inverse
			v = math.Inf(1)
		}
		out[i] = v
	}
	return out
}

// ConditionNumber returns the 2-norm condition number of the standardized
// factor design. +Inf when a column has no variance.
func ConditionNumber(x [][]float64) float64 {
	n, k := len(x), factorCount(x)
	if n == 0 || k == 0 {
		return math.Inf(1)
	}
	z, _, _, ok := standardize(x, n, k)
	if !ok {
		return math.Inf(1)
	}
	return mat.Cond(z, 2)
}

func columns(x [][]float64, k int) [][]float64 {
	cols := make([][]float64, k)
	for j := range cols {
		cols[j] = make([]float64, len(x))
		for i, row := range x {
			cols[j][i] = row[j]
		}
	}
	return cols
}

func fillInf(out []float64) []float64 {
	for i := range out {
		out[i] = math.Inf(1)
	}
	return out
}
