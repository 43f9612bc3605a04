package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.CacheLookup(LookupHit)
	r.CacheLookup(LookupHit)
	r.CacheLookup(LookupMiss)
	r.CacheBuilt(12, 3400)
	r.PSDCorrection()
	r.StressLossCapped()
	r.Regression("ols", "ok")
	r.PhaseFinished("factor", "success", "", 120*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.CacheLookups.WithLabelValues(LookupHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CacheLookups.WithLabelValues(LookupMiss)))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.CacheSymbols))
	assert.Equal(t, 3400.0, testutil.ToFloat64(r.CachePoints))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.PSDCorrected))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StressCapped))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Regressions.WithLabelValues("ols", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.PhaseOutcomes.WithLabelValues("factor", "success", "")))
}

func TestRegistry_RunLifecycle(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ActiveRuns))

	r.RunFinished("completed")
	assert.Equal(t, 0.0, testutil.ToFloat64(r.ActiveRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Runs.WithLabelValues("completed")))
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry

	assert.NotPanics(t, func() {
		r.CacheLookup(LookupHit)
		r.CacheBuilt(1, 1)
		r.SetBreakerState("x", 2)
		r.PhaseFinished("factor", "failed", "x", time.Second)
		r.Regression("ridge", "ok")
		r.PSDCorrection()
		r.StressLossCapped()
		r.RunStarted()
		r.RunFinished("failed")
	})
	assert.NotNil(t, r.Handler())
}

func TestRegistry_Handler(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.CacheLookup(LookupMiss)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `riskengine_price_cache_lookups_total{result="miss"} 1`)
}
