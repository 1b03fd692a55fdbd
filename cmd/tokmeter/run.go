package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/tokmeter/pkg/aggregator"
	"github.com/pario-ai/tokmeter/pkg/collector"
	"github.com/pario-ai/tokmeter/pkg/config"
	"github.com/pario-ai/tokmeter/pkg/debuglog"
	"github.com/pario-ai/tokmeter/pkg/logging"
	"github.com/pario-ai/tokmeter/pkg/metrics"
	"github.com/pario-ai/tokmeter/pkg/proxy"
	"github.com/pario-ai/tokmeter/pkg/rebuild"
	"github.com/pario-ai/tokmeter/pkg/store"
	"github.com/pario-ai/tokmeter/pkg/tailer"
)

func newRunCmd(configPath *string) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect usage through the proxy, from session logs, or both",
		Long: `Run the collectors until interrupted.

SIGINT or SIGTERM stops cleanly: the proxy drains in-flight requests, the
tailer checkpoints its cursors and the aggregator flushes. SIGHUP rebuilds
daily stats from the stored events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if mode != "" {
				cfg.Mode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger, closeLog, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "collector mode: proxy, tail or both (overrides config)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	m := metrics.New()

	s, err := store.New(ctx, cfg.DBPath, store.WithDefaultRate(cfg.Pricing.Default()))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = s.Close() }()

	if n, err := s.SeedIfEmpty(ctx, cfg.Pricing.Seed); err != nil {
		return fmt.Errorf("seed prices: %w", err)
	} else if n > 0 {
		logger.Info().Int("rules", n).Msg("price table seeded")
	}

	agg := aggregator.New(s, aggregator.Config{
		FlushInterval:       cfg.Aggregator.FlushInterval,
		RecentCapacity:      cfg.Aggregator.RecentCapacity,
		ChannelCapacity:     cfg.Aggregator.ChannelCapacity,
		ShutdownSendTimeout: cfg.Aggregator.ShutdownSendTimeout,
		RetryMaxTries:       cfg.Aggregator.RetryMaxTries,
		RetryMaxElapsed:     cfg.Aggregator.RetryMaxElapsed,
	}, m, logger)
	aggDone := make(chan error, 1)
	// The aggregator outlives ctx so it can drain what the collectors send
	// while they stop.
	go func() { aggDone <- agg.Run(context.Background()) }()

	var (
		collectors []collector.Collector
		resetters  []rebuild.Resetter
	)
	if cfg.Mode != config.ModeTail {
		var opts []proxy.Option
		if cfg.Debug.Enabled {
			dbg, err := debuglog.New(cfg.Debug, m, logger)
			if err != nil {
				agg.Close()
				<-aggDone
				return fmt.Errorf("debug log: %w", err)
			}
			defer func() { _ = dbg.Close() }()
			opts = append(opts, proxy.WithDebugLogger(dbg))
		}
		px, err := proxy.New(cfg.Proxy, m, logger, opts...)
		if err != nil {
			agg.Close()
			<-aggDone
			return err
		}
		collectors = append(collectors, px)
	}
	if cfg.Mode != config.ModeProxy {
		tl := tailer.New(tailer.Config{
			Dirs:         cfg.Tailer.Dirs,
			Pattern:      cfg.Tailer.Pattern,
			PollInterval: cfg.Tailer.PollInterval,
			MaxLineBytes: cfg.Tailer.MaxLineBytes,
		}, s, m, logger)
		collectors = append(collectors, tl)
		resetters = append(resetters, tl)
	}
	rb := rebuild.New(agg, s, logger, resetters...)

	logger.Info().Str("mode", cfg.Mode).Str("db", cfg.DBPath).Str("version", version).Msg("tokmeter starting")

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range collectors {
		g.Go(func() error {
			if err := collector.Run(gctx, c, agg); err != nil {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			logger.Info().Str("collector", c.Name()).Msg("collector stopped")
			return nil
		})
	}
	if cfg.Mode == config.ModeTail && cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Listen, logger) })
	}
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				rep, err := rb.Rebuild(gctx)
				if err != nil {
					logger.Error().Err(err).Msg("rebuild failed")
					continue
				}
				logger.Info().Int("events", rep.Replayed).Msg("rebuild requested by SIGHUP done")
			}
		}
	})

	runErr := g.Wait()
	agg.Close()
	aggErr := <-aggDone
	if aggErr != nil {
		aggErr = fmt.Errorf("aggregator: %w", aggErr)
	}
	logger.Info().Msg("tokmeter stopped")
	return errors.Join(runErr, aggErr)
}

// serveMetrics exposes /metrics when the proxy, which normally serves it, is
// not running.
func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: %w", err)
	}
}
