package factors

import (
	"math"

	"github.com/aristath/riskengine/internal/domain"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Regression methods
const (
	MethodOLS   = "ols"
	MethodRidge = "ridge"
	MethodAuto  = "auto"
	MethodMixed = "mixed" // portfolio level when positions used different methods
)

// regressionFit holds the coefficients and diagnostics of one multivariate fit.
// Slices are indexed by factor column; the intercept is kept separately.
type regressionFit struct {
	Method       string
	Intercept    float64
	Coefficients []float64
	StdErrors    []float64
	TStats       []float64
	PValues      []float64
	RSquared     float64
	Observations int
}

// fitOLS regresses y on the columns of x with an intercept.
// x is n rows by k factor columns.
func fitOLS(y []float64, x [][]float64) (*regressionFit, error) {
	n, k := len(y), factorCount(x)
	if n <= k+1 {
		return nil, domain.NewCalculationError(domain.ReasonInsufficientData, "%d observations for %d factors", n, k)
	}

	design := designMatrix(x, n, k)
	yVec := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(design.T(), design)
	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return nil, domain.NewCalculationError(domain.ReasonSingularMatrix, "normal equations not invertible: %v", err)
	}

	var xty mat.VecDense
	xty.MulVec(design.T(), yVec)
	var beta mat.VecDense
	beta.MulVec(&inv, &xty)

	sse, r2 := residualStats(design, &beta, y)
	df := n - k - 1
	sigma2 := sse / float64(df)

	fit := &regressionFit{
		Method:       MethodOLS,
		Intercept:    beta.AtVec(0),
		Coefficients: make([]float64, k),
		StdErrors:    make([]float64, k),
		RSquared:     r2,
		Observations: n,
	}
	for j := 0; j < k; j++ {
		fit.Coefficients[j] = beta.AtVec(j + 1)
		fit.StdErrors[j] = math.Sqrt(math.Max(sigma2*inv.At(j+1, j+1), 0))
	}
	fit.TStats, fit.PValues = tTests(fit.Coefficients, fit.StdErrors, df)
	return fit, nil
}

// fitRidge regresses y on standardized columns of x with an L2 penalty of
// lambda × n on the slopes only. Coefficients are mapped back to the original
// scale; standard errors come from the sandwich covariance σ² A⁻¹ Z'Z A⁻¹.
func fitRidge(y []float64, x [][]float64, lambda float64) (*regressionFit, error) {
	n, k := len(y), factorCount(x)
	if n <= k+1 {
		return nil, domain.NewCalculationError(domain.ReasonInsufficientData, "%d observations for %d factors", n, k)
	}

	z, means, scales, ok := standardize(x, n, k)
	if !ok {
		return nil, domain.NewCalculationError(domain.ReasonSingularMatrix, "factor column without variance")
	}
	yMean := stat.Mean(y, nil)
	yc := make([]float64, n)
	for i, v := range y {
		yc[i] = v - yMean
	}

	var ztz mat.Dense
	ztz.Mul(z.T(), z)
	var a mat.Dense
	a.CloneFrom(&ztz)
	penalty := lambda * float64(n)
	for j := 0; j < k; j++ {
		a.Set(j, j, a.At(j, j)+penalty)
	}
	var ainv mat.Dense
	if err := ainv.Inverse(&a); err != nil {
		return nil, domain.NewCalculationError(domain.ReasonSingularMatrix, "ridge system not invertible: %v", err)
	}

	var zty mat.VecDense
	zty.MulVec(z.T(), mat.NewVecDense(n, yc))
	var betaZ mat.VecDense
	betaZ.MulVec(&ainv, &zty)

	// Residuals on the centered problem equal residuals with the recovered intercept
	sse, r2 := residualStats(z, &betaZ, yc)
	df := n - k - 1
	sigma2 := sse / float64(df)

	var sandwich, tmp mat.Dense
	tmp.Mul(&ainv, &ztz)
	sandwich.Mul(&tmp, &ainv)

	fit := &regressionFit{
		Method:       MethodRidge,
		Coefficients: make([]float64, k),
		StdErrors:    make([]float64, k),
		RSquared:     r2,
		Observations: n,
	}
	intercept := yMean
	for j := 0; j < k; j++ {
		fit.Coefficients[j] = betaZ.AtVec(j) / scales[j]
		fit.StdErrors[j] = math.Sqrt(math.Max(sigma2*sandwich.At(j, j), 0)) / scales[j]
		intercept -= fit.Coefficients[j] * means[j]
	}
	fit.Intercept = intercept
	fit.TStats, fit.PValues = tTests(fit.Coefficients, fit.StdErrors, df)
	return fit, nil
}

func factorCount(x [][]float64) int {
	if len(x) == 0 {
		return 0
	}
	return len(x[0])
}

// designMatrix prepends an intercept column to x
func designMatrix(x [][]float64, n, k int) *mat.Dense {
	data := make([]float64, 0, n*(k+1))
	for _, row := range x {
		data = append(data, 1)
		data = append(data, row...)
	}
	return mat.NewDense(n, k+1, data)
}

// standardize centers and scales every column of x.
// ok is false when a column has no variance.
func standardize(x [][]float64, n, k int) (*mat.Dense, []float64, []float64, bool) {
	means := make([]float64, k)
	scales := make([]float64, k)
	col := make([]float64, n)
	for j := 0; j < k; j++ {
		for i := 0; i < n; i++ {
			col[i] = x[i][j]
		}
		means[j], scales[j] = stat.MeanStdDev(col, nil)
		if !(scales[j] > 0) {
			return nil, nil, nil, false
		}
	}
	z := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			z.Set(i, j, (x[i][j]-means[j])/scales[j])
		}
	}
	return z, means, scales, true
}

// residualStats returns the residual sum of squares and R² of y ≈ design·beta
func residualStats(design mat.Matrix, beta *mat.VecDense, y []float64) (float64, float64) {
	var fitted mat.VecDense
	fitted.MulVec(design, beta)

	mean := stat.Mean(y, nil)
	var sse, sst float64
	for i, v := range y {
		r := v - fitted.AtVec(i)
		sse += r * r
		d := v - mean
		sst += d * d
	}
	if sst == 0 {
		return sse, 0
	}
	return sse, 1 - sse/sst
}

// tTests computes t statistics and two-sided Student-t p-values
func tTests(coefficients, stdErrors []float64, df int) ([]float64, []float64) {
	tStats := make([]float64, len(coefficients))
	pValues := make([]float64, len(coefficients))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}
	for j, b := range coefficients {
		se := stdErrors[j]
		switch {
		case se > 0:
			tStats[j] = b / se
			pValues[j] = 2 * (1 - dist.CDF(math.Abs(tStats[j])))
		case b == 0:
			tStats[j] = 0
			pValues[j] = 1
		default:
			// Exact fit: infinitely significant
			tStats[j] = math.Inf(sign(b))
			pValues[j] = 0
		}
	}
	return tStats, pValues
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

// normalPValue is the two-sided p-value of a z statistic
func normalPValue(z float64) float64 {
	if math.IsNaN(z) {
		return 1
	}
	return 2 * (1 - distuv.UnitNormal.CDF(math.Abs(z)))
}
