package usage

import "strings"

const (
	// TitleLimit bounds the stored first-user-message snippet.
	TitleLimit = 100
	// SummaryLimit bounds the stored assistant-reply snippet.
	SummaryLimit = 160
)

// boilerplateMarkers disqualify a user message from becoming a title.
// Agent harnesses prepend instruction blocks that look like user turns;
// a title made of one is useless in the dashboard.
var boilerplateMarkers = []string{
	"<environment_context>",
	"# agents.md instructions",
	"<instructions>",
	"<user_instructions>",
	"<system_instructions>",
	"<developer_instructions>",
	"<system>",
}

// Snippet collapses runs of whitespace to single spaces, trims, and
// truncates to maxChars Unicode scalars, appending an ellipsis when the
// text was cut.
func Snippet(text string, maxChars int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= maxChars {
		return collapsed
	}
	return string(runes[:maxChars-1]) + "…"
}

// isBoilerplate reports whether the text is harness scaffolding rather
// than a human prompt.
func isBoilerplate(text string) bool {
	lowered := strings.ToLower(text)
	for _, marker := range boilerplateMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
