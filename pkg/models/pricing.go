package models

import "time"

// PriceRule is one point on a model prefix's price timeline. Rates are USD per
// million tokens.
type PriceRule struct {
	ID                     int64     `json:"id" yaml:"-" toml:"-"`
	ModelPrefix            string    `json:"model_prefix" yaml:"model_prefix" toml:"model_prefix"`
	PromptPerMillion       float64   `json:"prompt_per_million" yaml:"prompt_per_million" toml:"prompt_per_million"`
	CachedPromptPerMillion *float64  `json:"cached_prompt_per_million,omitempty" yaml:"cached_prompt_per_million" toml:"cached_prompt_per_million"`
	CompletionPerMillion   float64   `json:"completion_per_million" yaml:"completion_per_million" toml:"completion_per_million"`
	EffectiveFrom          string    `json:"effective_from" yaml:"effective_from" toml:"effective_from"`
	CreatedAt              time.Time `json:"created_at" yaml:"-" toml:"-"`
}

// CachedRate returns the cached prompt rate, falling back to the prompt rate
// when the rule does not price cached tokens separately.
func (r PriceRule) CachedRate() float64 {
	if r.CachedPromptPerMillion != nil {
		return *r.CachedPromptPerMillion
	}
	return r.PromptPerMillion
}

// DefaultRate is the fallback price used when no rule matches.
type DefaultRate struct {
	PromptPerMillion       float64  `yaml:"prompt_per_million" toml:"prompt_per_million"`
	CachedPromptPerMillion *float64 `yaml:"cached_prompt_per_million" toml:"cached_prompt_per_million"`
	CompletionPerMillion   float64  `yaml:"completion_per_million" toml:"completion_per_million"`
}

// QuoteSource describes where a quote came from.
type QuoteSource string

const (
	QuoteRule    QuoteSource = "rule"
	QuoteDefault QuoteSource = "default"
	QuoteUnknown QuoteSource = "unknown"
)

// Quote is the price resolved for a model on a date. When Known is false the
// rates are zero and the cost must be treated as unresolvable, not free.
type Quote struct {
	Known                  bool        `json:"known"`
	Source                 QuoteSource `json:"source"`
	RuleID                 int64       `json:"rule_id,omitempty"`
	ModelPrefix            string      `json:"model_prefix,omitempty"`
	EffectiveFrom          string      `json:"effective_from,omitempty"`
	PromptPerMillion       float64     `json:"prompt_per_million"`
	CachedPromptPerMillion float64     `json:"cached_prompt_per_million"`
	CompletionPerMillion   float64     `json:"completion_per_million"`
}
