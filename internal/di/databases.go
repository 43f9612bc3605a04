package di

import (
	"fmt"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the portfolio, history and analytics databases
// and applies their schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	open := func(name string) (*database.DB, error) {
		db, err := database.New(database.Config{
			Path:    cfg.DatabasePath(name),
			Profile: database.ProfileFor(name),
			Name:    name,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s database: %w", name, err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", name, err)
		}
		log.Info().Str("database", name).Str("path", db.Path()).Msg("Database ready")
		return db, nil
	}

	var err error
	if container.PortfolioDB, err = open(database.NamePortfolio); err != nil {
		return nil, err
	}
	if container.HistoryDB, err = open(database.NameHistory); err != nil {
		container.Close()
		return nil, err
	}
	if container.AnalyticsDB, err = open(database.NameAnalytics); err != nil {
		container.Close()
		return nil, err
	}

	return container, nil
}
