package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pario-ai/tokmeter/pkg/models"
	"github.com/pario-ai/tokmeter/pkg/pricing"
)

// QueryRange returns daily stats with start <= date <= end, each priced at
// the rule in effect on its own date. Dates are YYYY-MM-DD.
func (s *SQLiteStore) QueryRange(ctx context.Context, start, end string) ([]models.PricedStat, error) {
	res, err := s.Resolver(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, model, prompt_tokens, cached_prompt_tokens, completion_tokens, request_count
		 FROM daily_stats WHERE date >= ? AND date <= ? ORDER BY date ASC, model ASC`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var stats []models.PricedStat
	for rows.Next() {
		var d models.DailyStat
		if err := rows.Scan(&d.Date, &d.Model, &d.PromptTokens, &d.CachedPromptTokens, &d.CompletionTokens, &d.RequestCount); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		stats = append(stats, res.Price(d))
	}
	return stats, rows.Err()
}

// Totals sums QueryRange over a date range.
func (s *SQLiteStore) Totals(ctx context.Context, start, end string) (models.Totals, error) {
	stats, err := s.QueryRange(ctx, start, end)
	if err != nil {
		return models.Totals{}, err
	}
	var t models.Totals
	for _, st := range stats {
		t.AddStat(st)
	}
	return t, nil
}

// ModelBreakdown returns per-model totals over a date range, most expensive first.
func (s *SQLiteStore) ModelBreakdown(ctx context.Context, start, end string) ([]models.ModelTotals, error) {
	stats, err := s.QueryRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byModel := make(map[string]*models.Totals)
	for _, st := range stats {
		t, ok := byModel[st.Model]
		if !ok {
			t = &models.Totals{}
			byModel[st.Model] = t
		}
		t.AddStat(st)
	}
	out := make([]models.ModelTotals, 0, len(byModel))
	for m, t := range byModel {
		out = append(out, models.ModelTotals{Model: m, Totals: *t})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Totals.Cost != out[j].Totals.Cost {
			return out[i].Totals.Cost > out[j].Totals.Cost
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// PeriodSummaries returns totals for today, the current ISO week, the current
// month and the trailing twelve months, relative to now in UTC.
func (s *SQLiteStore) PeriodSummaries(ctx context.Context, now time.Time) ([]models.PeriodSummary, error) {
	now = now.UTC()
	today := now.Format(models.DateLayout)
	weekday := (int(now.Weekday()) + 6) % 7 // Monday = 0
	periods := []models.PeriodSummary{
		{Label: "Today", Start: today, End: today},
		{Label: "This week", Start: now.AddDate(0, 0, -weekday).Format(models.DateLayout), End: today},
		{Label: "This month", Start: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(models.DateLayout), End: today},
		{Label: "Last 12 months", Start: now.AddDate(-1, 0, 1).Format(models.DateLayout), End: today},
	}
	for i := range periods {
		t, err := s.Totals(ctx, periods[i].Start, periods[i].End)
		if err != nil {
			return nil, fmt.Errorf("summary %s: %w", periods[i].Label, err)
		}
		periods[i].Totals = t
	}
	return periods, nil
}

// RecentEvents returns up to limit events, most recent first, priced at their
// own timestamps.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]models.PricedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	res, err := s.Resolver(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, ts, model, prompt_tokens, cached_prompt_tokens, completion_tokens, latency_ms
		 FROM usage_events ORDER BY ts DESC, source_id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var events []models.PricedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, res.PriceEvent(e))
	}
	return events, rows.Err()
}

// TotalsSince sums raw events with a timestamp at or after since.
func (s *SQLiteStore) TotalsSince(ctx context.Context, since time.Time) (models.Totals, error) {
	res, err := s.Resolver(ctx)
	if err != nil {
		return models.Totals{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, model, SUM(prompt_tokens), SUM(cached_prompt_tokens), SUM(completion_tokens), COUNT(*)
		 FROM usage_events WHERE ts >= ? GROUP BY date, model`,
		formatTS(since),
	)
	if err != nil {
		return models.Totals{}, fmt.Errorf("totals since: %w", err)
	}
	defer rows.Close()

	var t models.Totals
	for rows.Next() {
		var d models.DailyStat
		if err := rows.Scan(&d.Date, &d.Model, &d.PromptTokens, &d.CachedPromptTokens, &d.CompletionTokens, &d.RequestCount); err != nil {
			return models.Totals{}, fmt.Errorf("scan totals since: %w", err)
		}
		t.AddStat(res.Price(d))
	}
	return t, rows.Err()
}

// HourlyUsage returns 24 buckets of usage for a UTC date, hour 0 first.
func (s *SQLiteStore) HourlyUsage(ctx context.Context, date string) ([]models.HourlyUsage, error) {
	res, err := s.Resolver(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(ts, 12, 2) AS hour, model,
		        SUM(prompt_tokens), SUM(cached_prompt_tokens), SUM(completion_tokens), COUNT(*)
		 FROM usage_events WHERE date = ? GROUP BY hour, model`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("hourly usage: %w", err)
	}
	defer rows.Close()

	buckets := make([]models.HourlyUsage, 24)
	for h := range buckets {
		buckets[h].Hour = h
	}
	for rows.Next() {
		var hour string
		d := models.DailyStat{Date: date}
		if err := rows.Scan(&hour, &d.Model, &d.PromptTokens, &d.CachedPromptTokens, &d.CompletionTokens, &d.RequestCount); err != nil {
			return nil, fmt.Errorf("scan hourly usage: %w", err)
		}
		h, err := strconv.Atoi(hour)
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("scan hourly usage: bad hour %q", hour)
		}
		buckets[h].Totals.AddStat(res.Price(d))
	}
	return buckets, rows.Err()
}

const (
	sumEventsQuery = `SELECT model, SUM(prompt_tokens), SUM(cached_prompt_tokens), SUM(completion_tokens), COUNT(*)
		 FROM usage_events GROUP BY model`
	sumDailyQuery = `SELECT model, SUM(prompt_tokens), SUM(cached_prompt_tokens), SUM(completion_tokens), SUM(request_count)
		 FROM daily_stats GROUP BY model`
)

// SumEvents returns per-model sums over the raw events table.
func (s *SQLiteStore) SumEvents(ctx context.Context) (map[string]models.Delta, error) {
	return sumByModel(ctx, s.db, sumEventsQuery)
}

// SumDaily returns per-model sums over the daily stats table.
func (s *SQLiteStore) SumDaily(ctx context.Context) (map[string]models.Delta, error) {
	return sumByModel(ctx, s.db, sumDailyQuery)
}

// Reconcile returns both per-model sums read from one snapshot, so a
// concurrent flush cannot make them disagree.
func (s *SQLiteStore) Reconcile(ctx context.Context) (events, daily map[string]models.Delta, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin reconcile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if events, err = sumByModel(ctx, tx, sumEventsQuery); err != nil {
		return nil, nil, err
	}
	if daily, err = sumByModel(ctx, tx, sumDailyQuery); err != nil {
		return nil, nil, err
	}
	return events, daily, nil
}

func sumByModel(ctx context.Context, x execer, query string) (map[string]models.Delta, error) {
	rows, err := x.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sum by model: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Delta)
	for rows.Next() {
		var (
			m string
			d models.Delta
		)
		if err := rows.Scan(&m, &d.PromptTokens, &d.CachedPromptTokens, &d.CompletionTokens, &d.RequestCount); err != nil {
			return nil, fmt.Errorf("scan sum by model: %w", err)
		}
		out[m] = d
	}
	return out, rows.Err()
}

// Resolver builds a price resolver from the current price rules.
func (s *SQLiteStore) Resolver(ctx context.Context) (*pricing.Resolver, error) {
	rules, err := s.ListPriceRules(ctx)
	if err != nil {
		return nil, err
	}
	return pricing.NewResolver(rules, s.defaultRate), nil
}
