package di

import (
	"context"
	"fmt"

	"github.com/aristath/riskengine/internal/config"
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
	"github.com/rs/zerolog"
)

// InitializeRepositories creates the repositories over the open databases
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container.PortfolioDB == nil || container.HistoryDB == nil || container.AnalyticsDB == nil {
		return fmt.Errorf("databases must be initialized before repositories")
	}

	container.PortfolioRepo = portfolio.NewRepository(container.PortfolioDB.Conn(), log)
	container.PriceStore = history.NewPriceStore(container.HistoryDB.Conn(), log)

	analytics := container.AnalyticsDB.Conn()
	container.FactorRepo = factors.NewRepository(analytics, log)
	container.CorrelationRepo = correlation.NewRepository(analytics, log)
	container.StressRepo = stress.NewRepository(analytics, log)
	container.SetRepo = batch.NewSetRepository(analytics, log)
	container.RunRepo = batch.NewRunRepository(analytics, log)

	log.Debug().Msg("Repositories initialized")
	return nil
}

// InitializeServices creates the calculators, the orchestrator and the
// optional run archiver
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	registry, err := domain.NewFactorRegistry(domain.DefaultFactors)
	if err != nil {
		return fmt.Errorf("failed to build factor registry: %w", err)
	}
	container.Registry = registry

	container.Metrics = metrics.NewDefault()
	for name, db := range container.Databases() {
		if err := container.Metrics.RegisterDB(db.Conn(), name); err != nil {
			return fmt.Errorf("failed to register %s database metrics: %w", name, err)
		}
	}

	container.EventBus = events.NewBus()
	container.EventManager = events.NewManager(container.EventBus, log)

	scenarios, err := stress.LoadScenarioSet(cfg.StressScenariosPath, registry)
	if err != nil {
		return fmt.Errorf("failed to load stress scenarios: %w", err)
	}
	container.Scenarios = scenarios

	container.FactorCalculator = factors.NewCalculator(cfg.Factor, registry, container.PortfolioRepo, container.Metrics, log)
	container.CorrelationService = correlation.NewService(cfg.Correlation, registry, container.PortfolioRepo, container.Metrics, log)
	container.StressEngine = stress.NewEngine(
		scenarios,
		registry,
		container.PortfolioRepo,
		container.FactorRepo,
		cfg.Correlation.LookbackDays,
		container.Metrics,
		log,
	)

	if cfg.Archive.Enabled() {
		client, err := reliability.NewS3Client(context.Background(), cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to create archive client: %w", err)
		}
		container.Archiver = reliability.NewRunArchiver(client, cfg.Archive.Bucket, cfg.Archive.Prefix, container.EventManager, log)
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Run archiving enabled")
	}

	deps := batch.Deps{
		Reader:           container.PortfolioRepo,
		Prices:           container.PriceStore,
		Registry:         registry,
		Factors:          container.FactorCalculator,
		FactorStore:      container.FactorRepo,
		Correlation:      container.CorrelationService,
		CorrelationStore: container.CorrelationRepo,
		Stress:           container.StressEngine,
		StressStore:      container.StressRepo,
		Sets:             container.SetRepo,
		Runs:             container.RunRepo,
		Events:           container.EventManager,
		Metrics:          container.Metrics,
	}
	// A nil *RunArchiver must not become a non-nil interface
	if container.Archiver != nil {
		deps.Archiver = container.Archiver
	}
	container.Orchestrator = batch.NewOrchestrator(cfg.Batch, LookbackDays(cfg), deps, log)

	log.Debug().Msg("Services initialized")
	return nil
}

// LookbackDays returns the longest return window any phase needs
func LookbackDays(cfg *config.Config) int {
	if cfg.Correlation.LookbackDays > cfg.Factor.LookbackDays {
		return cfg.Correlation.LookbackDays
	}
	return cfg.Factor.LookbackDays
}
