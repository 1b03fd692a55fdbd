package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pario-ai/tokmeter/pkg/models"
)

// ListPriceRules returns every price rule ordered by prefix and effective date.
func (s *SQLiteStore) ListPriceRules(ctx context.Context) ([]models.PriceRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_prefix, prompt_per_million, cached_prompt_per_million,
		        completion_per_million, effective_from, created_at
		 FROM price_rules ORDER BY model_prefix ASC, effective_from ASC`)
	if err != nil {
		return nil, fmt.Errorf("list price rules: %w", err)
	}
	defer rows.Close()

	var rules []models.PriceRule
	for rows.Next() {
		var (
			r       models.PriceRule
			cached  sql.NullFloat64
			created string
		)
		if err := rows.Scan(&r.ID, &r.ModelPrefix, &r.PromptPerMillion, &cached,
			&r.CompletionPerMillion, &r.EffectiveFrom, &created); err != nil {
			return nil, fmt.Errorf("scan price rule: %w", err)
		}
		if cached.Valid {
			v := cached.Float64
			r.CachedPromptPerMillion = &v
		}
		r.CreatedAt, _ = parseTS(created)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// AddPriceRule inserts a new point on a prefix's timeline and returns it with
// its id.
func (s *SQLiteStore) AddPriceRule(ctx context.Context, r models.PriceRule) (models.PriceRule, error) {
	if err := validateRule(r); err != nil {
		return r, err
	}
	now := s.now()
	var cached sql.NullFloat64
	if r.CachedPromptPerMillion != nil {
		cached = sql.NullFloat64{Float64: *r.CachedPromptPerMillion, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO price_rules
		 (model_prefix, prompt_per_million, cached_prompt_per_million, completion_per_million,
		  effective_from, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ModelPrefix, r.PromptPerMillion, cached, r.CompletionPerMillion,
		r.EffectiveFrom, formatTS(now), formatTS(now),
	)
	if err != nil {
		return r, fmt.Errorf("add price rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return r, fmt.Errorf("add price rule id: %w", err)
	}
	r.ID = id
	r.CreatedAt = now.UTC()
	return r, nil
}

// SetEffectiveFrom moves a rule to a new effective date. The old date is kept
// in previous_effective_from. Stored events are untouched; costs re-derive on
// the next read.
func (s *SQLiteStore) SetEffectiveFrom(ctx context.Context, id int64, date string) error {
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		return fmt.Errorf("set effective date: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE price_rules
		 SET previous_effective_from = effective_from, effective_from = ?, updated_at = ?
		 WHERE id = ?`,
		date, formatTS(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("set effective date: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set effective date: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("price rule %d: %w", id, ErrNotFound)
	}
	return nil
}

// SeedIfEmpty inserts rules only when the price table has no rows. It returns
// the number of rules inserted.
func (s *SQLiteStore) SeedIfEmpty(ctx context.Context, rules []models.PriceRule) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_rules`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count price rules: %w", err)
	}
	if count > 0 {
		return 0, nil
	}
	n := 0
	for _, r := range rules {
		if _, err := s.AddPriceRule(ctx, r); err != nil {
			return n, fmt.Errorf("seed %s: %w", r.ModelPrefix, err)
		}
		n++
	}
	return n, nil
}

// MissingPriceModels lists models with recorded usage on days no price rule
// covers. Usage priced only by the default rate is included.
func (s *SQLiteStore) MissingPriceModels(ctx context.Context) ([]models.ModelUsage, error) {
	res, err := s.Resolver(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, model, request_count FROM daily_stats ORDER BY model ASC, date ASC`)
	if err != nil {
		return nil, fmt.Errorf("missing price models: %w", err)
	}
	defer rows.Close()

	byModel := make(map[string]*models.ModelUsage)
	for rows.Next() {
		var (
			date, model string
			count       int64
		)
		if err := rows.Scan(&date, &model, &count); err != nil {
			return nil, fmt.Errorf("scan missing price model: %w", err)
		}
		if res.Resolve(model, date).Source == models.QuoteRule {
			continue
		}
		mu, ok := byModel[model]
		if !ok {
			mu = &models.ModelUsage{Model: model, FirstSeen: date}
			byModel[model] = mu
		}
		mu.RequestCount += count
		mu.LastSeen = date
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.ModelUsage, 0, len(byModel))
	for _, mu := range byModel {
		out = append(out, *mu)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func validateRule(r models.PriceRule) error {
	if r.ModelPrefix == "" {
		return errors.New("price rule: model prefix is required")
	}
	if r.PromptPerMillion < 0 || r.CompletionPerMillion < 0 ||
		(r.CachedPromptPerMillion != nil && *r.CachedPromptPerMillion < 0) {
		return fmt.Errorf("price rule %s: rates must be non-negative", r.ModelPrefix)
	}
	if _, err := time.Parse(models.DateLayout, r.EffectiveFrom); err != nil {
		return fmt.Errorf("price rule %s: effective_from: %w", r.ModelPrefix, err)
	}
	return nil
}
