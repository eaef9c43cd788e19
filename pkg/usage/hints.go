package usage

import (
	"encoding/json"
	"strings"
)

// Hints carries the best-effort request-body metadata attached to an
// event. Extraction never fails: malformed JSON simply yields zero hints.
type Hints struct {
	Model          string
	Title          string
	ConversationID string
}

// ExtractRequestHints inspects an OpenAI-compatible request body for the
// model name, a title candidate (first genuine user message in either the
// Responses-API "input" array or the chat "messages" array), and a
// conversation identifier from "prompt_cache_key".
func ExtractRequestHints(body []byte) Hints {
	hints := Hints{}

	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return hints
	}

	if model, ok := root["model"].(string); ok {
		hints.Model = model
	}
	if key, ok := root["prompt_cache_key"].(string); ok {
		hints.ConversationID = strings.TrimSpace(key)
	}

	for _, field := range []string{"input", "messages"} {
		items, ok := root[field].([]any)
		if !ok {
			continue
		}
		if title := firstUserTitle(items); title != "" {
			hints.Title = title
			break
		}
	}

	return hints
}

// firstUserTitle finds the first user-role element whose textual content
// survives the boilerplate filter, snippet-formatted to the title limit.
func firstUserTitle(items []any) string {
	for _, item := range items {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}
		text := messageText(msg["content"])
		if text == "" || isBoilerplate(text) {
			continue
		}
		return Snippet(text, TitleLimit)
	}
	return ""
}

// messageText flattens a message content value: either a plain string or
// an array of typed parts carrying "text" fields.
func messageText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// ExtractResponseSummary pulls an assistant-reply snippet from a buffered
// (non-streaming) response body. It first walks the Responses-API
// "output" array for an assistant message, concatenating its output_text
// blocks, then falls back to chat-completions "choices[0].message.content".
func ExtractResponseSummary(body []byte) string {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return ""
	}

	if text := responsesOutputText(root); text != "" {
		return Snippet(text, SummaryLimit)
	}
	if text := chatChoiceText(root); text != "" {
		return Snippet(text, SummaryLimit)
	}
	return ""
}

func responsesOutputText(root map[string]any) string {
	output, ok := root["output"].([]any)
	if !ok {
		return ""
	}
	for _, item := range output {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if kind, _ := msg["type"].(string); kind != "message" {
			continue
		}
		if role, _ := msg["role"].(string); role != "assistant" {
			continue
		}
		if text := OutputTextBlocks(msg["content"]); text != "" {
			return text
		}
	}
	return ""
}

func chatChoiceText(root map[string]any) string {
	choices, ok := root["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	msg, ok := choice["message"].(map[string]any)
	if !ok {
		return ""
	}
	return messageText(msg["content"])
}

// OutputTextBlocks concatenates the "output_text" parts of a
// Responses-API message content array, space-joined.
func OutputTextBlocks(content any) string {
	parts, ok := content.([]any)
	if !ok {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if kind, _ := part["type"].(string); kind != "output_text" {
			continue
		}
		if text, ok := part["text"].(string); ok && text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, " ")
}
