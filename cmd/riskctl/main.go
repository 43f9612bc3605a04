// Package main is riskctl, the command line companion of the risk engine:
// one-shot batch runs, schema migration, scenario checks and price imports.
package main

import (
	"fmt"
	"os"

	"github.com/aristath/riskengine/internal/config"
	"github.com/aristath/riskengine/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	logLevel string
	pretty   bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "riskctl",
		Short: "Factor and risk analytics engine CLI",
		Long: `riskctl runs batch calculations, applies database schemas, validates
stress scenario files and imports historical prices.

Configuration comes from the environment (and a .env file), exactly as for
the server: RISK_DATA_DIR, STRESS_SCENARIOS_PATH, FACTOR_*, CORRELATION_*.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	root.PersistentFlags().BoolVar(&opts.pretty, "pretty", true, "Human readable log output")

	root.AddCommand(
		newRunCmd(opts),
		newRunsCmd(opts),
		newMigrateCmd(opts),
		newScenariosCmd(),
		newPricesCmd(opts),
	)
	return root
}

// load reads the configuration and builds the logger. Logs go to stderr so
// command output on stdout stays machine readable.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	log := logger.New(logger.Config{
		Level:  level,
		Pretty: o.pretty,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, log, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
