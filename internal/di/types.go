// Package di provides dependency injection wiring and initialization.
package di

import (
	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/events"
	"github.com/aristath/riskengine/internal/metrics"
	"github.com/aristath/riskengine/internal/modules/batch"
	"github.com/aristath/riskengine/internal/modules/correlation"
	"github.com/aristath/riskengine/internal/modules/factors"
	"github.com/aristath/riskengine/internal/modules/history"
	"github.com/aristath/riskengine/internal/modules/portfolio"
	"github.com/aristath/riskengine/internal/modules/stress"
	"github.com/aristath/riskengine/internal/reliability"
	"github.com/aristath/riskengine/internal/scheduler"
)

// Container holds all dependencies for the application. It is created by
// Wire and handed to the server and the CLI.
type Container struct {
	// Databases
	PortfolioDB *database.DB // Portfolios and positions (read-only to the engine)
	HistoryDB   *database.DB // Daily closing prices
	AnalyticsDB *database.DB // Calculation sets, runs and results

	// Shared infrastructure
	Registry     *domain.FactorRegistry
	Metrics      *metrics.Registry
	EventBus     *events.Bus
	EventManager *events.Manager

	// Repositories
	PortfolioRepo   *portfolio.Repository
	PriceStore      *history.PriceStore
	FactorRepo      *factors.Repository
	CorrelationRepo *correlation.Repository
	StressRepo      *stress.Repository
	SetRepo         *batch.SetRepository
	RunRepo         *batch.RunRepository

	// Services
	Scenarios          *stress.ScenarioSet
	FactorCalculator   *factors.Calculator
	CorrelationService *correlation.Service
	StressEngine       *stress.Engine
	Orchestrator       *batch.Orchestrator
	Archiver           *reliability.RunArchiver // nil when archiving is disabled
}

// Databases returns the open databases by name
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		database.NamePortfolio: c.PortfolioDB,
		database.NameHistory:   c.HistoryDB,
		database.NameAnalytics: c.AnalyticsDB,
	}
}

// Close closes every open database
func (c *Container) Close() {
	for _, db := range c.Databases() {
		if db != nil {
			db.Close()
		}
	}
}

// JobInstances holds the scheduled jobs
type JobInstances struct {
	NightlyBatch        *scheduler.NightlyBatchJob
	CheckWALCheckpoints *scheduler.CheckWALCheckpointsJob
	DailyMaintenance    *reliability.DailyMaintenanceJob
}

// All returns every job, for manual triggering
func (j *JobInstances) All() []scheduler.Job {
	return []scheduler.Job{j.NightlyBatch, j.CheckWALCheckpoints, j.DailyMaintenance}
}
