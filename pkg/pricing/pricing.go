// Package pricing holds the in-memory model price table used for
// informational emit-time cost computation. The canonical cost for
// reporting is recomputed by the store's priced views with the same
// matching rule, so the two never disagree on semantics.
package pricing

import "strings"

// Price is one rate entry. Model is a prefix key: an event priced against
// the table matches the entry with the longest model prefix among those
// whose effective date is not after the event date. Rates are USD per one
// million tokens.
type Price struct {
	Model             string   `toml:"model"`
	EffectiveFrom     string   `toml:"effective_from"` // YYYY-MM-DD
	Currency          string   `toml:"currency"`
	PromptPer1M       float64  `toml:"prompt_per_1m"`
	CachedPromptPer1M *float64 `toml:"cached_prompt_per_1m"`
	CompletionPer1M   float64  `toml:"completion_per_1m"`
}

// Table is an immutable, read-only price list. Construct once at startup
// and pass by handle; request handling never mutates it.
type Table struct {
	prices []Price
}

func NewTable(prices []Price) *Table {
	copied := make([]Price, len(prices))
	copy(copied, prices)
	return &Table{prices: copied}
}

// Lookup returns the best-matching price for a model on a given date
// (YYYY-MM-DD): longest model prefix first, then latest effective_from.
// Returns nil when nothing matches.
func (t *Table) Lookup(model, date string) *Price {
	var best *Price
	for i := range t.prices {
		p := &t.prices[i]
		if !strings.HasPrefix(model, p.Model) || p.EffectiveFrom > date {
			continue
		}
		if best == nil ||
			len(p.Model) > len(best.Model) ||
			(len(p.Model) == len(best.Model) && p.EffectiveFrom > best.EffectiveFrom) {
			best = p
		}
	}
	return best
}

// Cost prices an event's counters against the best-matching entry.
// Returns nil when no price matches, never a fabricated number.
func (t *Table) Cost(model, date string, promptTokens, cachedPromptTokens, completionTokens uint64) *float64 {
	price := t.Lookup(model, date)
	if price == nil {
		return nil
	}
	cost := Cost(price, promptTokens, cachedPromptTokens, completionTokens)
	return &cost
}

// Cost applies the blended cache-aware formula. Cached tokens are part of
// the prompt count, not additive; a missing cached rate falls back to the
// full prompt rate.
func Cost(price *Price, promptTokens, cachedPromptTokens, completionTokens uint64) float64 {
	cached := min(cachedPromptTokens, promptTokens)
	uncached := promptTokens - cached

	cachedRate := price.PromptPer1M
	if price.CachedPromptPer1M != nil {
		cachedRate = *price.CachedPromptPer1M
	}

	return (float64(uncached)*price.PromptPer1M +
		float64(cached)*cachedRate +
		float64(completionTokens)*price.CompletionPer1M) / 1_000_000.0
}

func rate(v float64) *float64 { return &v }

// Defaults is the seed price list applied on first run (and inserted into
// an empty prices table). Dates mark published rate changes.
func Defaults() []Price {
	return []Price{
		{Model: "gpt-4o", EffectiveFrom: "2024-08-01", Currency: "USD", PromptPer1M: 2.50, CachedPromptPer1M: rate(1.25), CompletionPer1M: 10.00},
		{Model: "gpt-4o-mini", EffectiveFrom: "2024-08-01", Currency: "USD", PromptPer1M: 0.15, CachedPromptPer1M: rate(0.075), CompletionPer1M: 0.60},
		{Model: "gpt-4.1", EffectiveFrom: "2025-04-14", Currency: "USD", PromptPer1M: 2.00, CachedPromptPer1M: rate(0.50), CompletionPer1M: 8.00},
		{Model: "gpt-4.1-mini", EffectiveFrom: "2025-04-14", Currency: "USD", PromptPer1M: 0.40, CachedPromptPer1M: rate(0.10), CompletionPer1M: 1.60},
		{Model: "gpt-4.1-nano", EffectiveFrom: "2025-04-14", Currency: "USD", PromptPer1M: 0.10, CachedPromptPer1M: rate(0.025), CompletionPer1M: 0.40},
		{Model: "gpt-5", EffectiveFrom: "2025-08-07", Currency: "USD", PromptPer1M: 1.25, CachedPromptPer1M: rate(0.125), CompletionPer1M: 10.00},
		{Model: "gpt-5-mini", EffectiveFrom: "2025-08-07", Currency: "USD", PromptPer1M: 0.25, CachedPromptPer1M: rate(0.025), CompletionPer1M: 2.00},
		{Model: "gpt-5-nano", EffectiveFrom: "2025-08-07", Currency: "USD", PromptPer1M: 0.05, CachedPromptPer1M: rate(0.005), CompletionPer1M: 0.40},
		{Model: "o3", EffectiveFrom: "2025-06-10", Currency: "USD", PromptPer1M: 2.00, CachedPromptPer1M: rate(0.50), CompletionPer1M: 8.00},
		{Model: "o4-mini", EffectiveFrom: "2025-04-16", Currency: "USD", PromptPer1M: 1.10, CachedPromptPer1M: rate(0.275), CompletionPer1M: 4.40},
	}
}
