package main

import (
	"fmt"

	"github.com/aristath/riskengine/internal/di"
	"github.com/spf13/cobra"
)

func newMigrateCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the portfolio, history and analytics schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := global.load(cmd)
			if err != nil {
				return err
			}
			container, err := di.InitializeDatabases(cfg, log)
			if err != nil {
				return err
			}
			defer container.Close()

			for name, db := range container.Databases() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", name, db.Path())
			}
			return nil
		},
	}
}
