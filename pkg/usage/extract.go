package usage

// ExtractMetrics pulls a Metrics out of a decoded JSON object carrying a
// "usage" sub-object, accepting both chat-completions field names
// (prompt_tokens/completion_tokens) and Responses-API names
// (input_tokens/output_tokens). Returns false when the object has no
// usable usage block.
func ExtractMetrics(value map[string]any) (Metrics, bool) {
	raw, ok := value["usage"].(map[string]any)
	if !ok {
		return Metrics{}, false
	}

	m := Metrics{}
	m.PromptTokens = firstUint(raw, "prompt_tokens", "input_tokens")
	m.CompletionTokens = firstUint(raw, "completion_tokens", "output_tokens")

	m.TotalTokens = jsonUint(raw, "total_tokens")
	if m.TotalTokens == 0 {
		m.TotalTokens = m.PromptTokens + m.CompletionTokens
	}

	cached := uint64(0)
	if details, ok := raw["prompt_tokens_details"].(map[string]any); ok {
		cached = jsonUint(details, "cached_tokens")
	}
	if cached == 0 {
		if details, ok := raw["input_tokens_details"].(map[string]any); ok {
			cached = jsonUint(details, "cached_tokens")
		}
	}
	m.CachedPromptTokens = min(cached, m.PromptTokens)

	reasoning := uint64(0)
	if details, ok := raw["output_tokens_details"].(map[string]any); ok {
		reasoning = jsonUint(details, "reasoning_tokens")
	}
	if reasoning == 0 {
		reasoning = jsonUint(raw, "reasoning_tokens")
	}
	m.ReasoningTokens = min(reasoning, m.CompletionTokens)

	if model, ok := value["model"].(string); ok {
		m.Model = model
	}

	return m, true
}

// jsonUint extracts a non-negative integer from a decoded JSON map,
// handling the float64 representation of JSON numbers.
func jsonUint(m map[string]any, key string) uint64 {
	v, ok := m[key].(float64)
	if !ok || v <= 0 {
		return 0
	}
	return uint64(v)
}

func firstUint(m map[string]any, keys ...string) uint64 {
	for _, key := range keys {
		if v := jsonUint(m, key); v > 0 {
			return v
		}
	}
	return 0
}
