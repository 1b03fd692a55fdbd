package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/tokmeter/pkg/models"
)

func newSummaryCmd(configPath *string) *cobra.Command {
	var (
		from   string
		to     string
		hourly string
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show usage and cost by period and by model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, s, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			now := time.Now().UTC()
			out := cmd.OutOrStdout()

			if hourly != "" {
				if _, err := time.Parse(models.DateLayout, hourly); err != nil {
					return fmt.Errorf("invalid --hourly date (use YYYY-MM-DD): %w", err)
				}
				buckets, err := s.HourlyUsage(ctx, hourly)
				if err != nil {
					return err
				}
				return printHourly(out, buckets)
			}

			periods, err := s.PeriodSummaries(ctx, now)
			if err != nil {
				return err
			}
			lastHour, err := s.TotalsSince(ctx, now.Add(-time.Hour))
			if err != nil {
				return err
			}

			start, end := monthStart(now), now.Format(models.DateLayout)
			if from != "" {
				start = from
			}
			if to != "" {
				end = to
			}
			for _, d := range []string{start, end} {
				if _, err := time.Parse(models.DateLayout, d); err != nil {
					return fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", d, err)
				}
			}
			breakdown, err := s.ModelBreakdown(ctx, start, end)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PERIOD\tRANGE\tREQUESTS\tPROMPT\tCACHED\tCOMPLETION\tCOST")
			fmt.Fprintf(w, "last hour\t-\t%s\n", totalsColumns(lastHour))
			for _, p := range periods {
				fmt.Fprintf(w, "%s\t%s..%s\t%s\n", p.Label, p.Start, p.End, totalsColumns(p.Totals))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\nBy model, %s..%s\n", start, end)
			if len(breakdown) == 0 {
				fmt.Fprintln(out, "No usage data found.")
				return nil
			}
			w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tREQUESTS\tPROMPT\tCACHED\tCOMPLETION\tCOST")
			for _, mt := range breakdown {
				fmt.Fprintf(w, "%s\t%s\n", mt.Model, totalsColumns(mt.Totals))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "start date for the model breakdown (YYYY-MM-DD, default: start of month)")
	cmd.Flags().StringVar(&to, "to", "", "end date for the model breakdown (YYYY-MM-DD, default: today)")
	cmd.Flags().StringVar(&hourly, "hourly", "", "show hourly usage for a UTC date (YYYY-MM-DD)")
	return cmd
}

func printHourly(out io.Writer, buckets []models.HourlyUsage) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOUR\tREQUESTS\tPROMPT\tCACHED\tCOMPLETION\tCOST")
	for _, b := range buckets {
		fmt.Fprintf(w, "%02d:00\t%s\n", b.Hour, totalsColumns(b.Totals))
	}
	return w.Flush()
}

func totalsColumns(t models.Totals) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s",
		humanize.Comma(t.RequestCount),
		humanize.Comma(t.PromptTokens),
		humanize.Comma(t.CachedPromptTokens),
		humanize.Comma(t.CompletionTokens),
		formatCost(t))
}

// formatCost never shows unpriced usage as free.
func formatCost(t models.Totals) string {
	switch {
	case t.RequestCount == 0:
		return "-"
	case t.UnpricedRequests == t.RequestCount:
		return "unknown"
	case !t.CostKnown():
		return fmt.Sprintf("$%.4f + %s unpriced", t.Cost, humanize.Comma(t.UnpricedRequests))
	default:
		return fmt.Sprintf("$%.4f", t.Cost)
	}
}

func monthStart(now time.Time) string {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(models.DateLayout)
}
