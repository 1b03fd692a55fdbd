package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pario-ai/tokmeter/pkg/aggregator"
	"github.com/pario-ai/tokmeter/pkg/metrics"
	"github.com/pario-ai/tokmeter/pkg/rebuild"
)

func newRebuildCmd(configPath *string) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute daily stats from stored events and rewind tailer cursors",
		Long: `Truncate daily stats and rewind tailer cursors to offset zero, then replay every stored usage
event. Raw events and price rules are kept. The next run rereads session logs
from the start; records already stored are skipped.

Stop any running collector first, or send it SIGHUP instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("rebuild rewrites derived tables; pass --confirm to proceed")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, s, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			logger := cliLogger()
			agg := aggregator.New(s, aggregator.Config{
				RetryMaxTries:   cfg.Aggregator.RetryMaxTries,
				RetryMaxElapsed: cfg.Aggregator.RetryMaxElapsed,
			}, metrics.NewWithRegistry(prometheus.NewRegistry()), logger)
			done := make(chan error, 1)
			go func() { done <- agg.Run(context.Background()) }()
			defer func() {
				agg.Close()
				<-done
			}()

			rep, err := rebuild.New(agg, s, logger).Rebuild(ctx)
			if err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %s events across %d models in %s\n",
				humanize.Comma(int64(rep.Replayed)), rep.Models, rep.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the rebuild")
	return cmd
}
