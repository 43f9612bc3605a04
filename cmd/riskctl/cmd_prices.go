package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aristath/riskengine/internal/database"
	"github.com/aristath/riskengine/internal/modules/history"
	"github.com/spf13/cobra"
)

func newPricesCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Manage historical prices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.csv>...",
		Short: "Import daily prices from CSV (symbol,date,close[,open,high,low,volume])",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := global.load(cmd)
			if err != nil {
				return err
			}
			db, err := database.New(database.Config{
				Path:    cfg.DatabasePath(database.NameHistory),
				Profile: database.ProfileFor(database.NameHistory),
				Name:    database.NameHistory,
			})
			if err != nil {
				return fmt.Errorf("failed to open history database: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return fmt.Errorf("failed to migrate history database: %w", err)
			}

			store := history.NewPriceStore(db.Conn(), log)
			total := 0
			for _, path := range args {
				n, err := importFile(cmd.Context(), store, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows\n", path, n)
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d rows\n", total)
			return nil
		},
	})
	return cmd
}

func importFile(ctx context.Context, store *history.PriceStore, path string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	n, err := store.ImportCSV(ctx, f)
	if err != nil {
		return n, fmt.Errorf("failed to import %s: %w", path, err)
	}
	return n, nil
}
