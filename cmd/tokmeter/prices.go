package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pario-ai/tokmeter/pkg/models"
)

func newPricesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Inspect and edit the price table",
	}

	cmd.AddCommand(
		newPricesListCmd(configPath),
		newPricesAddCmd(configPath),
		newPricesBackfillCmd(configPath),
		newPricesMissingCmd(configPath),
	)
	return cmd
}

func newPricesListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List price rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, s, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			rules, err := s.ListPriceRules(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rules) == 0 {
				fmt.Fprintln(out, "No price rules. They are seeded from the config on the first run.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMODEL PREFIX\tEFFECTIVE FROM\tPROMPT/M\tCACHED/M\tCOMPLETION/M")
			for _, r := range rules {
				cached := "-"
				if r.CachedPromptPerMillion != nil {
					cached = fmt.Sprintf("$%g", *r.CachedPromptPerMillion)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t$%g\t%s\t$%g\n",
					r.ID, r.ModelPrefix, r.EffectiveFrom, r.PromptPerMillion, cached, r.CompletionPerMillion)
			}
			return w.Flush()
		},
	}
}

func newPricesAddCmd(configPath *string) *cobra.Command {
	var (
		prompt     float64
		cached     float64
		completion float64
		from       string
	)

	cmd := &cobra.Command{
		Use:   "add <model-prefix>",
		Short: "Add a price rule, a new point on the prefix's timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				from = time.Now().UTC().Format(models.DateLayout)
			}
			rule := models.PriceRule{
				ModelPrefix:          args[0],
				PromptPerMillion:     prompt,
				CompletionPerMillion: completion,
				EffectiveFrom:        from,
			}
			if cmd.Flags().Changed("cached") {
				rule.CachedPromptPerMillion = &cached
			}

			ctx := context.Background()
			_, s, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			added, err := s.AddPriceRule(ctx, rule)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added rule %d: %s from %s\n", added.ID, added.ModelPrefix, added.EffectiveFrom)
			return nil
		},
	}

	cmd.Flags().Float64Var(&prompt, "prompt", 0, "USD per million prompt tokens")
	cmd.Flags().Float64Var(&cached, "cached", 0, "USD per million cached prompt tokens (default: prompt rate)")
	cmd.Flags().Float64Var(&completion, "completion", 0, "USD per million completion tokens")
	cmd.Flags().StringVar(&from, "from", "", "effective date (YYYY-MM-DD, default: today)")
	return cmd
}

func newPricesBackfillCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill <rule-id> <effective-from>",
		Short: "Move a rule's effective date; costs of past usage re-derive from it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id %q: %w", args[0], err)
			}

			ctx := context.Background()
			_, s, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := s.SetEffectiveFrom(ctx, id, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rule %d now effective from %s\n", id, args[1])
			return nil
		},
	}
}

func newPricesMissingCmd(configPath *string) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "missing",
		Short: "List models with usage on days no price rule covers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, s, err := openStore(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			missing, err := s.MissingPriceModels(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(missing) == 0 {
				fmt.Fprintln(out, "Every model with usage has a price rule.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tREQUESTS\tFIRST SEEN\tLAST SEEN")
			for _, m := range missing {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Model, humanize.Comma(m.RequestCount), m.FirstSeen, m.LastSeen)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if strict {
				return errors.New("models without price rules found")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any model is missing a price")
	return cmd
}
