package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newRecentCmd(configPath *string) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent usage events with their cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			ctx := context.Background()
			_, s, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			events, err := s.RecentEvents(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No usage events recorded.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSOURCE\tMODEL\tPROMPT\tCACHED\tCOMPLETION\tLATENCY\tCOST")
			for _, e := range events {
				latency := "-"
				if e.LatencyMs != nil {
					latency = (time.Duration(*e.LatencyMs) * time.Millisecond).String()
				}
				cost := "unknown"
				if e.Quote.Known {
					cost = fmt.Sprintf("$%.6f", e.Cost)
				}
				source, _, _ := strings.Cut(e.SourceID, ":")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format("2006-01-02T15:04:05"),
					source, e.Model,
					humanize.Comma(e.PromptTokens),
					humanize.Comma(e.CachedPromptTokens),
					humanize.Comma(e.CompletionTokens),
					latency, cost)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON")
	return cmd
}
