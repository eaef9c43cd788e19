// Package usage defines the token-usage event model shared by the proxy,
// the aggregator and the session-log ingestor, plus the best-effort
// extraction helpers that pull usage and conversation hints out of
// OpenAI-compatible request and response payloads.
package usage

import "time"

// Metrics holds the token counters reported by an upstream response.
type Metrics struct {
	PromptTokens       uint64
	CachedPromptTokens uint64
	CompletionTokens   uint64
	TotalTokens        uint64
	ReasoningTokens    uint64

	// Model is the model identifier reported alongside the usage block,
	// preferred over the request-body hint when present.
	Model string
}

// Event is one usage record, emitted once per forwarded request (or per
// ingested session-log delta). Counters are zero and UsageIncluded false
// when the upstream did not report usage numbers.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	Model          string    `json:"model"`
	Title          string    `json:"title,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`

	PromptTokens       uint64 `json:"prompt_tokens"`
	CachedPromptTokens uint64 `json:"cached_prompt_tokens"`
	CompletionTokens   uint64 `json:"completion_tokens"`
	TotalTokens        uint64 `json:"total_tokens"`
	ReasoningTokens    uint64 `json:"reasoning_tokens"`

	UsageIncluded bool `json:"usage_included"`

	// CostUSD is the informational emit-time cost computed against the
	// in-memory pricing table. The canonical cost is recomputed by the
	// store views at read time; this value is never persisted.
	CostUSD *float64 `json:"cost_usd,omitempty"`
}

// UnknownModel is recorded when neither the request body nor the upstream
// usage block named a model.
const UnknownModel = "unknown"

// Normalize enforces the counter invariants: cached prompt tokens never
// exceed prompt tokens, reasoning tokens never exceed completion tokens,
// and a zero total is replaced by prompt+completion.
func (e *Event) Normalize() {
	if e.Model == "" {
		e.Model = UnknownModel
	}
	if e.CachedPromptTokens > e.PromptTokens {
		e.CachedPromptTokens = e.PromptTokens
	}
	if e.ReasoningTokens > e.CompletionTokens {
		e.ReasoningTokens = e.CompletionTokens
	}
	if e.TotalTokens == 0 {
		e.TotalTokens = e.PromptTokens + e.CompletionTokens
	}
}
