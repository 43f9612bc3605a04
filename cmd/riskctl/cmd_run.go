package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aristath/riskengine/internal/di"
	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/events"
	"github.com/aristath/riskengine/internal/modules/batch"
	"github.com/aristath/riskengine/internal/scheduler"
	"github.com/spf13/cobra"
)

type runOptions struct {
	from       string
	to         string
	portfolios string
	format     string
	progress   bool
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the batch for a date range",
		Long: `Run factor exposures, correlation matrices and stress tests for every
weekday in [--from, --to] and commit one calculation set per portfolio-date.

Examples:
  riskctl run                                  # latest weekday, all portfolios
  riskctl run --from 2024-06-24 --to 2024-06-28
  riskctl run --from 2024-06-28 --portfolios 1,4 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, global, opts)
		},
	}
	cmd.Flags().StringVar(&opts.from, "from", "", "First calculation date (YYYY-MM-DD, default latest weekday)")
	cmd.Flags().StringVar(&opts.to, "to", "", "Last calculation date (YYYY-MM-DD, default --from)")
	cmd.Flags().StringVar(&opts.portfolios, "portfolios", "", "Comma separated portfolio ids (default all)")
	cmd.Flags().StringVar(&opts.format, "format", "table", "Output format: table, json")
	cmd.Flags().BoolVar(&opts.progress, "progress", true, "Print progress while running")
	return cmd
}

// request turns the flags into a batch request
func (o *runOptions) request(now time.Time) (batch.RunRequest, error) {
	req := batch.RunRequest{TriggeredBy: "cli"}

	from := scheduler.CalculationDate(now)
	if o.from != "" {
		parsed, err := domain.ParseDateKey(o.from)
		if err != nil {
			return req, fmt.Errorf("invalid --from %q: %w", o.from, err)
		}
		from = parsed
	}
	to := from
	if o.to != "" {
		parsed, err := domain.ParseDateKey(o.to)
		if err != nil {
			return req, fmt.Errorf("invalid --to %q: %w", o.to, err)
		}
		to = parsed
	}
	req.From, req.To = from, to

	ids, err := parsePortfolioIDs(o.portfolios)
	if err != nil {
		return req, err
	}
	req.PortfolioIDs = ids

	switch o.format {
	case "table", "json":
	default:
		return req, fmt.Errorf("unknown format %q", o.format)
	}
	return req, nil
}

func parsePortfolioIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid portfolio id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runBatch(cmd *cobra.Command, global *globalOptions, opts *runOptions) error {
	req, err := opts.request(time.Now())
	if err != nil {
		return err
	}

	cfg, log, err := global.load(cmd)
	if err != nil {
		return err
	}
	container, _, err := di.Wire(cfg, log)
	if err != nil {
		return err
	}
	defer container.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.progress {
		ch, unsubscribe := container.EventBus.Subscribe(256)
		defer unsubscribe()
		go printProgress(cmd.ErrOrStderr(), ch)
	}

	summary, err := container.Orchestrator.Run(ctx, req)
	if summary != nil {
		if opts.format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(summary); encErr != nil {
				return encErr
			}
		} else {
			printSummary(cmd.OutOrStdout(), summary)
		}
	}
	if err != nil {
		return fmt.Errorf("batch run failed: %w", err)
	}
	if summary.Status == batch.RunFailed {
		return fmt.Errorf("batch run %s failed: nothing committed", summary.ID)
	}
	return nil
}

func printProgress(w io.Writer, ch <-chan events.EventWithData) {
	for event := range ch {
		switch d := event.Data.(type) {
		case *events.ProgressData:
			fmt.Fprintf(w, "[%d/%d] %s %s\n", d.Current, d.Total, d.Phase, d.Message)
		case *events.PortfolioDateData:
			fmt.Fprintf(w, "portfolio %d %s: %s\n", d.PortfolioID, d.Date, d.Status)
		}
	}
}

func printSummary(w io.Writer, s *batch.RunSummary) {
	fmt.Fprintf(w, "Run %s: %s (%d committed, %d failed)\n", s.ID, s.Status, s.Committed, s.Failed)
	if s.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", s.Error)
	}
	failures := s.Failures()
	if len(failures) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORTFOLIO\tDATE\tPHASE\tREASON")
	for _, o := range failures {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", o.PortfolioID, domain.DateKey(o.Date), o.FailedPhase, o.Reason)
	}
	tw.Flush()
}
