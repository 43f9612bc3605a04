// Package config provides configuration management functionality.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Regression methods accepted by FACTOR_REGRESSION_METHOD
const (
	MethodOLS   = "ols"
	MethodRidge = "ridge"
	MethodAuto  = "auto"
)

// Config holds application configuration
type Config struct {
	DataDir             string // Base directory for all databases (always absolute)
	LogLevel            string
	StressScenariosPath string
	Port                int
	DevMode             bool
	Factor              FactorConfig
	Correlation         CorrelationConfig
	Batch               BatchConfig
	Archive             ArchiveConfig
}

// FactorConfig tunes the factor regressions
type FactorConfig struct {
	Method             string  // ols, ridge or auto
	LookbackDays       int     // Return observations per regression
	MinObservations    int     // Fewer aligned observations exclude the position
	BetaCap            float64 // |beta| above this is clipped
	RidgeLambda        float64
	ConditionThreshold float64 // auto switches to ridge above this condition number
}

// CorrelationConfig tunes the position correlation matrix
type CorrelationConfig struct {
	LookbackDays      int
	MinPositionWeight float64 // Fraction of gross exposure below which a position is left out
}

// BatchConfig tunes the orchestrator and its schedule
type BatchConfig struct {
	Schedule       string // Cron spec with seconds; empty disables the scheduler
	MaxConcurrency int    // Portfolios processed in parallel
}

// ArchiveConfig configures the optional S3 archive of run summaries
type ArchiveConfig struct {
	Bucket          string // Empty disables archiving
	Prefix          string
	Region          string
	Endpoint        string // Custom endpoint for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int // Archives older than this are rotated out; 0 keeps all
}

// Enabled reports whether run summaries are archived
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Configuration errors
var (
	ErrInvalidRegressionMethod = errors.New("invalid regression method")
	ErrInvalidFactorConfig     = errors.New("invalid factor configuration")
	ErrInvalidCorrelation      = errors.New("invalid correlation configuration")
	ErrInvalidBatchConfig      = errors.New("invalid batch configuration")
	ErrMissingScenarioPath     = errors.New("stress scenario path is required")
)

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("RISK_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		Port:                getEnvAsInt("HTTP_PORT", 8080),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		StressScenariosPath: getEnv("STRESS_SCENARIOS_PATH", "config/stress_scenarios.yaml"),
		Factor: FactorConfig{
			Method:             strings.ToLower(getEnv("FACTOR_REGRESSION_METHOD", MethodAuto)),
			LookbackDays:       getEnvAsInt("FACTOR_LOOKBACK_DAYS", 150),
			MinObservations:    getEnvAsInt("FACTOR_MIN_OBSERVATIONS", 60),
			BetaCap:            getEnvAsFloat("FACTOR_BETA_CAP", 5),
			RidgeLambda:        getEnvAsFloat("FACTOR_RIDGE_LAMBDA", 0.1),
			ConditionThreshold: getEnvAsFloat("FACTOR_CONDITION_THRESHOLD", 100),
		},
		Correlation: CorrelationConfig{
			LookbackDays:      getEnvAsInt("CORRELATION_LOOKBACK_DAYS", 90),
			MinPositionWeight: getEnvAsFloat("CORRELATION_MIN_POSITION_WEIGHT", 0.01),
		},
		Batch: BatchConfig{
			Schedule:       getEnv("BATCH_SCHEDULE", "0 30 22 * * 1-5"),
			MaxConcurrency: getEnvAsInt("BATCH_MAX_CONCURRENCY", 4),
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			Prefix:          getEnv("ARCHIVE_S3_PREFIX", "risk-runs/"),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("ARCHIVE_RETENTION_DAYS", 90),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DatabasePath returns the file path of a named database inside DataDir
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// Validate checks that every numeric setting is usable
func (c *Config) Validate() error {
	switch c.Factor.Method {
	case MethodOLS, MethodRidge, MethodAuto:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRegressionMethod, c.Factor.Method)
	}
	if c.Factor.LookbackDays < 2 || c.Factor.MinObservations < 2 {
		return fmt.Errorf("%w: lookback %d, min observations %d", ErrInvalidFactorConfig, c.Factor.LookbackDays, c.Factor.MinObservations)
	}
	if c.Factor.MinObservations > c.Factor.LookbackDays {
		return fmt.Errorf("%w: min observations %d exceeds lookback %d", ErrInvalidFactorConfig, c.Factor.MinObservations, c.Factor.LookbackDays)
	}
	if c.Factor.BetaCap <= 0 || c.Factor.RidgeLambda < 0 || c.Factor.ConditionThreshold <= 0 {
		return fmt.Errorf("%w: beta cap, ridge lambda and condition threshold must be positive", ErrInvalidFactorConfig)
	}
	if c.Correlation.LookbackDays < 2 {
		return fmt.Errorf("%w: lookback %d", ErrInvalidCorrelation, c.Correlation.LookbackDays)
	}
	if c.Correlation.MinPositionWeight < 0 || c.Correlation.MinPositionWeight >= 1 {
		return fmt.Errorf("%w: min position weight %v", ErrInvalidCorrelation, c.Correlation.MinPositionWeight)
	}
	if c.Batch.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max concurrency %d", ErrInvalidBatchConfig, c.Batch.MaxConcurrency)
	}
	if c.StressScenariosPath == "" {
		return ErrMissingScenarioPath
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
