package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/stress"
	"github.com/spf13/cobra"
)

const scenariosEnv = "STRESS_SCENARIOS_PATH"

func newScenariosCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "Inspect stress scenario files",
	}
	cmd.PersistentFlags().StringVar(&file, "file", "", "Scenario file (default $"+scenariosEnv+" or config/stress_scenarios.yaml)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List scenarios and their shocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadScenarios(file)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tSEVERITY\tACTIVE\tSHOCKS")
			for _, sc := range set.All() {
				shocks := make([]string, 0, len(sc.Shocks))
				for _, s := range sc.Shocks {
					shocks = append(shocks, fmt.Sprintf("%s=%+.2f%%", s.FactorName, s.Value*100))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
					sc.ID, sc.Name, sc.Category, sc.Severity, sc.Active, strings.Join(shocks, " "))
			}
			return tw.Flush()
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check a scenario file against the factor registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := loadScenarios(file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d scenarios (%d active), loss cap %.0f%%, correlation clamp %.2f\n",
				len(set.All()), len(set.Active()), set.Settings.LossCapFraction*100, set.Settings.MaxAbsCorrelation)
			return nil
		},
	}

	cmd.AddCommand(list, validate)
	return cmd
}

func loadScenarios(file string) (*stress.ScenarioSet, error) {
	if file == "" {
		file = os.Getenv(scenariosEnv)
	}
	if file == "" {
		file = "config/stress_scenarios.yaml"
	}
	set, err := stress.LoadScenarioSet(file, domain.MustDefaultRegistry())
	if err != nil {
		return nil, fmt.Errorf("invalid scenario file %s: %w", file, err)
	}
	return set, nil
}
