// Package main is the entry point of the risk engine daemon. It serves the
// results API and runs the nightly batch on its cron schedule.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/di"
	batchhandlers "github.com/aristath/riskengine/internal/modules/batch/handlers"
	correlationhandlers "github.com/aristath/riskengine/internal/modules/correlation/handlers"
	factorhandlers "github.com/aristath/riskengine/internal/modules/factors/handlers"
	stresshandlers "github.com/aristath/riskengine/internal/modules/stress/handlers"
	"github.com/aristath/riskengine/internal/scheduler"
	"github.com/aristath/riskengine/internal/server"
	"github.com/aristath/riskengine/pkg/logger"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting risk engine")

	container, jobs, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// Runs left open by a crash or restart can never finish
	if _, err := container.RunRepo.FailStale(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to close stale batch runs")
	}

	sched := scheduler.New(log)
	if err := di.ScheduleJobs(sched, jobs, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule jobs")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:       log,
		Databases: container.Databases(),
		EventBus:  container.EventBus,
		Metrics:   container.Metrics,
		Batch:     container.Orchestrator,
		Jobs:      jobs.All(),
		Handlers:  routeHandlers(container, log),
		DataDir:   cfg.DataDir,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Waits for a scheduled run in progress
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// routeHandlers builds the module handlers mounted under /api
func routeHandlers(c *di.Container, log zerolog.Logger) []server.RouteRegistrar {
	return []server.RouteRegistrar{
		factorhandlers.NewHandler(c.FactorRepo, log),
		correlationhandlers.NewHandler(c.CorrelationRepo, log),
		stresshandlers.NewHandler(c.StressRepo, c.Scenarios, log),
		batchhandlers.NewHandler(c.Orchestrator, c.RunRepo, c.SetRepo, log),
	}
}
