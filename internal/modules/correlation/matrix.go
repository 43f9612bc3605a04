package correlation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// psdTolerance is the most negative eigenvalue accepted without correction
	psdTolerance = -1e-10
)

// psdReport describes the eigen-structure of a correlation matrix before and
// after correction
type psdReport struct {
	eigenvalues    []float64 // final matrix, ascending
	minEigenBefore float64
	minEigenAfter  float64
	corrected      bool
}

// ensurePSD checks that m is positive semi-definite and, when it is not,
// replaces it in place with the nearest unit-diagonal matrix obtained by
// clipping negative eigenvalues to zero.
func ensurePSD(m [][]float64) (psdReport, error) {
	n := len(m)
	var report psdReport
	if n == 0 {
		return report, nil
	}

	values, vectors, err := eigen(m)
	if err != nil {
		return report, err
	}
	report.minEigenBefore = values[0]
	report.minEigenAfter = values[0]
	report.eigenvalues = values
	if values[0] >= psdTolerance {
		return report, nil
	}

	clipped := make([]float64, n)
	for i, v := range values {
		clipped[i] = math.Max(v, 0)
	}
	var rebuilt, tmp mat.Dense
	tmp.Mul(vectors, mat.NewDiagDense(n, clipped))
	rebuilt.Mul(&tmp, vectors.T())

	scale := make([]float64, n)
	for i := 0; i < n; i++ {
		d := rebuilt.At(i, i)
		if d <= 0 {
			return report, fmt.Errorf("corrected matrix has non-positive diagonal at %d", i)
		}
		scale[i] = math.Sqrt(d)
	}
	for i := 0; i < n; i++ {
		m[i][i] = 1
		for j := i + 1; j < n; j++ {
			v := rebuilt.At(i, j) / (scale[i] * scale[j])
			v = math.Max(-1, math.Min(1, v))
			m[i][j], m[j][i] = v, v
		}
	}

	values, _, err = eigen(m)
	if err != nil {
		return report, err
	}
	report.corrected = true
	report.minEigenAfter = values[0]
	report.eigenvalues = values
	return report, nil
}

// eigen returns the ascending eigenvalues and the eigenvectors of symmetric m
func eigen(m [][]float64) ([]float64, *mat.Dense, error) {
	n := len(m)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, m[i][j])
		}
	}
	var es mat.EigenSym
	if ok := es.Factorize(sym, true); !ok {
		return nil, nil, fmt.Errorf("eigen decomposition of %dx%d correlation matrix failed", n, n)
	}
	var vectors mat.Dense
	es.VectorsTo(&vectors)
	return es.Values(nil), &vectors, nil
}

// effectivePositions is (Σλ)² / Σλ²: n for uncorrelated holdings, 1 when
// every holding moves together
func effectivePositions(eigenvalues []float64) float64 {
	var sum, sumSq float64
	for _, v := range eigenvalues {
		v = math.Max(v, 0)
		sum += v
		sumSq += v * v
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / sumSq
}
