package models

import "time"

// DateLayout is the storage and display layout for calendar dates.
const DateLayout = "2006-01-02"

// UsageEvent is one normalized record of token consumption for a single request.
// It is immutable once created by a collector.
type UsageEvent struct {
	SourceID           string    `json:"source_id"`
	Timestamp          time.Time `json:"timestamp"`
	Model              string    `json:"model"`
	PromptTokens       int64     `json:"prompt_tokens"`
	CachedPromptTokens int64     `json:"cached_prompt_tokens"`
	CompletionTokens   int64     `json:"completion_tokens"`
	LatencyMs          *int64    `json:"latency_ms,omitempty"`
}

// Date returns the UTC calendar date the event is aggregated under.
func (e UsageEvent) Date() string {
	return e.Timestamp.UTC().Format(DateLayout)
}

// TotalTokens returns prompt plus completion tokens. Cached prompt tokens are a
// subset of prompt tokens and are not added again.
func (e UsageEvent) TotalTokens() int64 {
	return e.PromptTokens + e.CompletionTokens
}

// Valid reports whether the event can be ingested.
func (e UsageEvent) Valid() bool {
	return e.SourceID != "" && e.Model != "" && !e.Timestamp.IsZero() &&
		e.PromptTokens >= 0 && e.CachedPromptTokens >= 0 && e.CompletionTokens >= 0
}

// Delta is an increment applied to a DailyStat row.
type Delta struct {
	PromptTokens       int64
	CachedPromptTokens int64
	CompletionTokens   int64
	RequestCount       int64
}

// DeltaOf returns the DailyStat increment contributed by a single event.
func DeltaOf(e UsageEvent) Delta {
	return Delta{
		PromptTokens:       e.PromptTokens,
		CachedPromptTokens: e.CachedPromptTokens,
		CompletionTokens:   e.CompletionTokens,
		RequestCount:       1,
	}
}

// Add accumulates another delta.
func (d *Delta) Add(o Delta) {
	d.PromptTokens += o.PromptTokens
	d.CachedPromptTokens += o.CachedPromptTokens
	d.CompletionTokens += o.CompletionTokens
	d.RequestCount += o.RequestCount
}

// DailyStat is the cumulative usage for one (date, model) pair.
type DailyStat struct {
	Date               string `json:"date"`
	Model              string `json:"model"`
	PromptTokens       int64  `json:"prompt_tokens"`
	CachedPromptTokens int64  `json:"cached_prompt_tokens"`
	CompletionTokens   int64  `json:"completion_tokens"`
	RequestCount       int64  `json:"request_count"`
}

// PricedStat is a DailyStat joined with the price in effect on its date.
type PricedStat struct {
	DailyStat
	Quote Quote   `json:"quote"`
	Cost  float64 `json:"cost"`
}

// PricedEvent is a UsageEvent with its resolved cost.
type PricedEvent struct {
	UsageEvent
	Quote Quote   `json:"quote"`
	Cost  float64 `json:"cost"`
}

// Totals aggregates usage across many rows. Cost only includes rows whose price
// resolved; UnpricedRequests counts the requests that did not.
type Totals struct {
	PromptTokens       int64   `json:"prompt_tokens"`
	CachedPromptTokens int64   `json:"cached_prompt_tokens"`
	CompletionTokens   int64   `json:"completion_tokens"`
	RequestCount       int64   `json:"request_count"`
	Cost               float64 `json:"cost"`
	UnpricedRequests   int64   `json:"unpriced_requests"`
}

// TotalTokens returns prompt plus completion tokens.
func (t Totals) TotalTokens() int64 {
	return t.PromptTokens + t.CompletionTokens
}

// CostKnown reports whether every request in the totals had a resolvable price.
func (t Totals) CostKnown() bool {
	return t.UnpricedRequests == 0
}

// AddStat folds a priced stat into the totals.
func (t *Totals) AddStat(s PricedStat) {
	t.PromptTokens += s.PromptTokens
	t.CachedPromptTokens += s.CachedPromptTokens
	t.CompletionTokens += s.CompletionTokens
	t.RequestCount += s.RequestCount
	if s.Quote.Known {
		t.Cost += s.Cost
	} else {
		t.UnpricedRequests += s.RequestCount
	}
}

// PeriodSummary is a named date range with its totals.
type PeriodSummary struct {
	Label  string `json:"label"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Totals Totals `json:"totals"`
}

// HourlyUsage is the usage within one UTC hour of a day.
type HourlyUsage struct {
	Hour   int    `json:"hour"`
	Totals Totals `json:"totals"`
}

// ModelUsage is usage of one model on days no price rule covers.
type ModelUsage struct {
	Model        string `json:"model"`
	RequestCount int64  `json:"request_count"`
	FirstSeen    string `json:"first_seen"`
	LastSeen     string `json:"last_seen"`
}

// ModelTotals is the usage of one model over a range.
type ModelTotals struct {
	Model  string `json:"model"`
	Totals Totals `json:"totals"`
}
