// Package pricing resolves the per-million token price of a model on a date
// from a timeline of price rules. It performs no I/O.
package pricing

import (
	"sort"
	"strings"

	"github.com/pario-ai/tokmeter/pkg/models"
)

const perMillion = 1_000_000.0

// Resolver answers price lookups against a fixed snapshot of rules.
type Resolver struct {
	prefixes []string // longest first
	timeline map[string][]models.PriceRule
	def      *models.DefaultRate
}

// NewResolver indexes rules by prefix. Rules of one prefix are ordered by
// effective date; later rules for the same date win. def may be nil.
func NewResolver(rules []models.PriceRule, def *models.DefaultRate) *Resolver {
	r := &Resolver{
		timeline: make(map[string][]models.PriceRule),
		def:      def,
	}
	for _, rule := range rules {
		if rule.ModelPrefix == "" {
			continue
		}
		if _, ok := r.timeline[rule.ModelPrefix]; !ok {
			r.prefixes = append(r.prefixes, rule.ModelPrefix)
		}
		r.timeline[rule.ModelPrefix] = append(r.timeline[rule.ModelPrefix], rule)
	}
	for _, tl := range r.timeline {
		sort.SliceStable(tl, func(i, j int) bool {
			return tl[i].EffectiveFrom < tl[j].EffectiveFrom
		})
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		if len(r.prefixes[i]) != len(r.prefixes[j]) {
			return len(r.prefixes[i]) > len(r.prefixes[j])
		}
		return r.prefixes[i] < r.prefixes[j]
	})
	return r
}

// Resolve returns the quote for model on date (YYYY-MM-DD). The longest
// matching prefix is chosen first; within it the rule with the greatest
// effective date not after date applies. If that prefix has no rule in effect
// yet, or no prefix matches, the default rate is used when configured.
// Otherwise the quote is unknown.
func (r *Resolver) Resolve(model, date string) models.Quote {
	if prefix, ok := r.match(model); ok {
		if rule, ok := latestBefore(r.timeline[prefix], date); ok {
			return models.Quote{
				Known:                  true,
				Source:                 models.QuoteRule,
				RuleID:                 rule.ID,
				ModelPrefix:            rule.ModelPrefix,
				EffectiveFrom:          rule.EffectiveFrom,
				PromptPerMillion:       rule.PromptPerMillion,
				CachedPromptPerMillion: rule.CachedRate(),
				CompletionPerMillion:   rule.CompletionPerMillion,
			}
		}
	}
	if r.def != nil {
		cached := r.def.PromptPerMillion
		if r.def.CachedPromptPerMillion != nil {
			cached = *r.def.CachedPromptPerMillion
		}
		return models.Quote{
			Known:                  true,
			Source:                 models.QuoteDefault,
			PromptPerMillion:       r.def.PromptPerMillion,
			CachedPromptPerMillion: cached,
			CompletionPerMillion:   r.def.CompletionPerMillion,
		}
	}
	return models.Quote{Source: models.QuoteUnknown}
}

// Matches reports whether some rule prefix matches model, regardless of date.
func (r *Resolver) Matches(model string) bool {
	_, ok := r.match(model)
	return ok
}

func (r *Resolver) match(model string) (string, bool) {
	for _, p := range r.prefixes {
		if strings.HasPrefix(model, p) {
			return p, true
		}
	}
	return "", false
}

func latestBefore(tl []models.PriceRule, date string) (models.PriceRule, bool) {
	// Dates are ISO formatted so lexical order is chronological.
	i := sort.Search(len(tl), func(i int) bool { return tl[i].EffectiveFrom > date })
	if i == 0 {
		return models.PriceRule{}, false
	}
	return tl[i-1], true
}

// Cost returns the USD cost of the given token counts under q. cached is the
// portion of prompt billed at the cached rate. Unknown quotes cost nothing and
// callers must check q.Known before presenting the figure.
func Cost(q models.Quote, prompt, cached, completion int64) float64 {
	if !q.Known {
		return 0
	}
	cached = min(max(cached, 0), prompt)
	uncached := prompt - cached
	return float64(uncached)*q.PromptPerMillion/perMillion +
		float64(cached)*q.CachedPromptPerMillion/perMillion +
		float64(completion)*q.CompletionPerMillion/perMillion
}

// Price resolves and prices a daily stat.
func (r *Resolver) Price(s models.DailyStat) models.PricedStat {
	q := r.Resolve(s.Model, s.Date)
	return models.PricedStat{
		DailyStat: s,
		Quote:     q,
		Cost:      Cost(q, s.PromptTokens, s.CachedPromptTokens, s.CompletionTokens),
	}
}

// PriceEvent resolves and prices a single event at its own timestamp.
func (r *Resolver) PriceEvent(e models.UsageEvent) models.PricedEvent {
	q := r.Resolve(e.Model, e.Date())
	return models.PricedEvent{
		UsageEvent: e,
		Quote:      q,
		Cost:       Cost(q, e.PromptTokens, e.CachedPromptTokens, e.CompletionTokens),
	}
}
