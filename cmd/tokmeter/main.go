package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pario-ai/tokmeter/pkg/config"
	"github.com/pario-ai/tokmeter/pkg/store"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "tokmeter",
		Short:        "tokmeter - token usage and cost meter for LLM command line tools",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config file (default: tokmeter.toml or tokmeter.yaml when present)")

	root.AddCommand(
		newRunCmd(&configPath),
		newSummaryCmd(&configPath),
		newRecentCmd(&configPath),
		newPricesCmd(&configPath),
		newRebuildCmd(&configPath),
		newDebugCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads the config and opens the event store it names.
func openStore(ctx context.Context, configPath string) (*config.Config, *store.SQLiteStore, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return nil, nil, err
	}
	s, err := store.New(ctx, cfg.DBPath, store.WithDefaultRate(cfg.Pricing.Default()))
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, s, nil
}

// cliLogger is used by one-shot commands; it only reports warnings and above.
func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
}
