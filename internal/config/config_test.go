package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RISK_DATA_DIR", t.TempDir())
	t.Setenv("FACTOR_REGRESSION_METHOD", "")
	t.Setenv("FACTOR_LOOKBACK_DAYS", "")
	t.Setenv("FACTOR_MIN_OBSERVATIONS", "")
	t.Setenv("BATCH_MAX_CONCURRENCY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.Equal(t, MethodAuto, cfg.Factor.Method)
	assert.Equal(t, 150, cfg.Factor.LookbackDays)
	assert.Equal(t, 60, cfg.Factor.MinObservations)
	assert.Equal(t, 5.0, cfg.Factor.BetaCap)
	assert.Equal(t, 100.0, cfg.Factor.ConditionThreshold)
	assert.Equal(t, 90, cfg.Correlation.LookbackDays)
	assert.Equal(t, 0.01, cfg.Correlation.MinPositionWeight)
	assert.Equal(t, 4, cfg.Batch.MaxConcurrency)
	assert.False(t, cfg.Archive.Enabled())
	assert.Equal(t, filepath.Join(cfg.DataDir, "analytics.db"), cfg.DatabasePath("analytics"))
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RISK_DATA_DIR", t.TempDir())
	t.Setenv("FACTOR_REGRESSION_METHOD", "RIDGE")
	t.Setenv("FACTOR_BETA_CAP", "3.5")
	t.Setenv("BATCH_MAX_CONCURRENCY", "8")
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("ARCHIVE_S3_BUCKET", "risk-archive")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, MethodRidge, cfg.Factor.Method)
	assert.Equal(t, 3.5, cfg.Factor.BetaCap)
	assert.Equal(t, 8, cfg.Batch.MaxConcurrency)
	assert.Equal(t, 8080, cfg.Port, "unparseable values fall back to defaults")
	assert.True(t, cfg.Archive.Enabled())
}

func TestLoad_InvalidMethodFailsFast(t *testing.T) {
	t.Setenv("RISK_DATA_DIR", t.TempDir())
	t.Setenv("FACTOR_REGRESSION_METHOD", "lasso")

	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidRegressionMethod)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StressScenariosPath: "x.yaml",
			Factor: FactorConfig{
				Method: MethodOLS, LookbackDays: 150, MinObservations: 60,
				BetaCap: 5, RidgeLambda: 0.1, ConditionThreshold: 100,
			},
			Correlation: CorrelationConfig{LookbackDays: 90, MinPositionWeight: 0.01},
			Batch:       BatchConfig{MaxConcurrency: 1},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name     string
		mutate   func(c *Config)
		expected error
	}{
		{"min observations above lookback", func(c *Config) { c.Factor.MinObservations = 200 }, ErrInvalidFactorConfig},
		{"zero beta cap", func(c *Config) { c.Factor.BetaCap = 0 }, ErrInvalidFactorConfig},
		{"negative weight", func(c *Config) { c.Correlation.MinPositionWeight = -0.1 }, ErrInvalidCorrelation},
		{"zero concurrency", func(c *Config) { c.Batch.MaxConcurrency = 0 }, ErrInvalidBatchConfig},
		{"no scenario path", func(c *Config) { c.StressScenariosPath = "" }, ErrMissingScenarioPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), tt.expected)
		})
	}
}

func TestShippedScenarioFileIsValid(t *testing.T) {
	file, err := LoadScenarioFile(filepath.Join("..", "..", "config", "stress_scenarios.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 0.95, *file.Settings.MaxAbsCorrelation)
	assert.Equal(t, 0.99, *file.Settings.LossCapFraction)
	assert.NotEmpty(t, file.Scenarios)

	inactive := 0
	for _, s := range file.Scenarios {
		if !s.IsActive() {
			inactive++
		}
	}
	assert.Equal(t, 1, inactive)
}

func TestParseScenarioFile_MissingCorrelationBoundFailsFast(t *testing.T) {
	doc := `
settings:
  loss_cap_fraction: 0.99
scenarios:
  - id: crash
    name: Crash
    severity: severe
    shocks: {market: -0.2}
`
	_, err := ParseScenarioFile([]byte(doc))
	assert.ErrorIs(t, err, ErrMissingCorrelationBound)
}

func TestParseScenarioFile_Errors(t *testing.T) {
	base := "settings:\n  max_abs_correlation: %s\n  loss_cap_fraction: %s\n"
	scenario := "scenarios:\n  - id: a\n    name: A\n    severity: %s\n    shocks: {market: %s}\n"

	tests := []struct {
		name     string
		doc      string
		expected error
	}{
		{"zero correlation bound", fmt.Sprintf(base, "0", "0.99") + fmt.Sprintf(scenario, "mild", "-0.1"), ErrInvalidCorrelationBound},
		{"bound above one", fmt.Sprintf(base, "1.5", "0.99") + fmt.Sprintf(scenario, "mild", "-0.1"), ErrInvalidCorrelationBound},
		{"missing loss cap", "settings:\n  max_abs_correlation: 0.9\n" + fmt.Sprintf(scenario, "mild", "-0.1"), ErrMissingLossCap},
		{"no scenarios", fmt.Sprintf(base, "0.9", "0.99"), ErrNoScenarios},
		{"bad severity", fmt.Sprintf(base, "0.9", "0.99") + fmt.Sprintf(scenario, "apocalyptic", "-0.1"), ErrInvalidScenario},
		{"shock below -100%", fmt.Sprintf(base, "0.9", "0.99") + fmt.Sprintf(scenario, "mild", "-1.5"), ErrInvalidScenario},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenarioFile([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestLoadScenarioFile_MissingFile(t *testing.T) {
	_, err := LoadScenarioFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
