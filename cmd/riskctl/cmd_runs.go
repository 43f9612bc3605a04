package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/aristath/riskengine/internal/di"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/batch"
	"github.com/spf13/cobra"
)

func newRunsCmd(global *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent batch runs",
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

			runs, err := batch.NewRunRepository(container.AnalyticsDB.Conn(), log).List(context.Background(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tFROM\tTO\tCOMMITTED\tFAILED\tTRIGGER")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.Status, domain.DateKey(r.From), domain.DateKey(r.To), r.Committed, r.Failed, r.TriggeredBy)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}
