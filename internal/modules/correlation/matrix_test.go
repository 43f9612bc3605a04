package correlation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsurePSD_CorrectsIndefiniteMatrix(t *testing.T) {
	m := [][]float64{
		{1, 0.9, -0.9},
		{0.9, 1, 0.9},
		{-0.9, 0.9, 1},
	}

	report, err := ensurePSD(m)
	require.NoError(t, err)

	assert.True(t, report.corrected)
	assert.Less(t, report.minEigenBefore, -1e-8)
	assert.GreaterOrEqual(t, report.minEigenAfter, -1e-10)
	for i := range m {
		assert.Equal(t, 1.0, m[i][i])
		for j := range m {
			assert.Equal(t, m[i][j], m[j][i])
			assert.LessOrEqual(t, math.Abs(m[i][j]), 1.0)
		}
	}
	for _, v := range report.eigenvalues {
		assert.GreaterOrEqual(t, v, -1e-10)
	}
}

func TestEnsurePSD_CorrectsSlightlyNegativeEigenvalue(t *testing.T) {
	// Minimum eigenvalue is about -2.7e-9
	m := [][]float64{
		{1, 0.5, 0.5},
		{0.5, 1, -0.5 - 4e-9},
		{0.5, -0.5 - 4e-9, 1},
	}

	report, err := ensurePSD(m)
	require.NoError(t, err)

	assert.Less(t, report.minEigenBefore, -1e-10)
	assert.Greater(t, report.minEigenBefore, -1e-8)
	assert.True(t, report.corrected)
	assert.GreaterOrEqual(t, report.minEigenAfter, -1e-10)
	for i := range m {
		assert.Equal(t, 1.0, m[i][i])
	}
}

func TestEnsurePSD_LeavesValidMatrixAlone(t *testing.T) {
	m := [][]float64{
		{1, 0.3, 0.1},
		{0.3, 1, 0.2},
		{0.1, 0.2, 1},
	}
	original := [][]float64{
		{1, 0.3, 0.1},
		{0.3, 1, 0.2},
		{0.1, 0.2, 1},
	}

	report, err := ensurePSD(m)
	require.NoError(t, err)
	assert.False(t, report.corrected)
	assert.Equal(t, original, m)
	assert.Equal(t, report.minEigenBefore, report.minEigenAfter)
	assert.Greater(t, report.minEigenBefore, 0.0)
}

func TestEnsurePSD_Empty(t *testing.T) {
	report, err := ensurePSD(nil)
	require.NoError(t, err)
	assert.False(t, report.corrected)
}

func TestEffectivePositions(t *testing.T) {
	// Identity: every holding independent
	assert.InDelta(t, 4.0, effectivePositions([]float64{1, 1, 1, 1}), 1e-12)
	// All-ones matrix of size 3 has eigenvalues 0, 0, 3
	assert.InDelta(t, 1.0, effectivePositions([]float64{0, 0, 3}), 1e-12)
	// Tiny negative round-off is ignored
	assert.InDelta(t, 1.0, effectivePositions([]float64{-1e-12, 0, 3}), 1e-9)
	assert.Equal(t, 0.0, effectivePositions(nil))
}

func TestMinOverlap(t *testing.T) {
	assert.Equal(t, 30, MinOverlap(90))
	assert.Equal(t, 20, MinOverlap(30))
	assert.Equal(t, 20, MinOverlap(60))
	assert.Equal(t, 50, MinOverlap(150))
}

func TestCorrelationPValue(t *testing.T) {
	assert.InDelta(t, 1.0, correlationPValue(0, 50), 1e-12)
	assert.Less(t, correlationPValue(0.8, 100), 0.001)
	assert.Greater(t, correlationPValue(0.1, 30), 0.05)
	assert.Equal(t, 0.0, correlationPValue(1, 30))
	assert.Equal(t, 1.0, correlationPValue(0.5, 2))
	// Symmetric in the sign of r
	assert.InDelta(t, correlationPValue(0.3, 40), correlationPValue(-0.3, 40), 1e-12)
}
