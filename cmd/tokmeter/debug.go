package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pario-ai/tokmeter/pkg/config"
	"github.com/pario-ai/tokmeter/pkg/debuglog"
	"github.com/pario-ai/tokmeter/pkg/metrics"
	"github.com/pario-ai/tokmeter/pkg/models"
)

func newDebugCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Query and manage the proxy request/response debug log",
	}

	cmd.AddCommand(
		newDebugSearchCmd(configPath),
		newDebugShowCmd(configPath),
		newDebugCleanupCmd(configPath),
	)
	return cmd
}

func newDebugSearchCmd(configPath *string) *cobra.Command {
	var (
		model string
		since string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search debug log entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openDebugLog(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			opts := models.DebugQueryOpts{Model: model, Limit: limit}
			if since != "" {
				t, err := time.Parse(models.DateLayout, since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No debug entries found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REQUEST ID\tTIME\tMETHOD\tPATH\tMODEL\tSTATUS\tLATENCY\tBODY")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%dms\t%s\n",
					e.RequestID, humanize.Time(e.CreatedAt), e.Method, e.Path, e.Model,
					e.StatusCode, e.LatencyMs, humanize.Bytes(uint64(len(e.ResponseBody))))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&since, "since", "", "only entries on or after this date (YYYY-MM-DD)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	return cmd
}

func newDebugShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show one request/response pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openDebugLog(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			entries, err := l.Query(context.Background(), models.DebugQueryOpts{RequestID: args[0], Limit: 1})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("debug entry %s not found", args[0])
			}
			e := entries[0]

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Request ID:  %s\n", e.RequestID)
			fmt.Fprintf(out, "Time:        %s\n", e.CreatedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "Request:     %s %s\n", e.Method, e.Path)
			fmt.Fprintf(out, "Model:       %s\n", e.Model)
			fmt.Fprintf(out, "Status:      %d\n", e.StatusCode)
			fmt.Fprintf(out, "Latency:     %dms\n", e.LatencyMs)
			if e.Truncated {
				fmt.Fprintln(out, "Truncated:   yes")
			}
			fmt.Fprintf(out, "\n--- Request headers ---\n%s", formatHeaders(e.RequestHeaders))
			fmt.Fprintf(out, "\n--- Request body ---\n%s\n", prettyJSON(e.RequestBody))
			fmt.Fprintf(out, "\n--- Response headers ---\n%s", formatHeaders(e.ResponseHeaders))
			fmt.Fprintf(out, "\n--- Response body ---\n%s\n", prettyJSON(e.ResponseBody))
			return nil
		},
	}
}

func newDebugCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete debug log files older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openDebugLog(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			n, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d debug log files\n", n)
			return nil
		},
	}
}

func openDebugLog(configPath string) (*debuglog.Logger, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return nil, err
	}
	return debuglog.New(cfg.Debug, metrics.NewWithRegistry(prometheus.NewRegistry()), cliLogger())
}

func formatHeaders(h map[string]string) string {
	if len(h) == 0 {
		return "(none)\n"
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, h[k])
	}
	return b.String()
}

// prettyJSON indents body when it is JSON and returns it unchanged otherwise.
func prettyJSON(body string) string {
	if body == "" {
		return "(empty)"
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return body
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return body
	}
	return string(out)
}
