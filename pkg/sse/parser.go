// Package sse provides a purpose-built SSE (Server-Sent Events) usage
// parser for the codexusage proxy. It reassembles blank-line-delimited
// events from arbitrarily chunked upstream bytes and extracts token usage
// and a response summary without ever interfering with forwarding: the
// raw bytes always reach the client verbatim through the Tap.
//
// This package intentionally does NOT provide SSE writer or server
// capabilities.
//
// See the SSE specification:
// https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/codexusage/codexusage/pkg/usage"
)

// eventDelim terminates one SSE event.
var eventDelim = []byte("\n\n")

// Capture is the final result of parsing one SSE stream: the usage block
// (nil when the upstream never reported one), an assistant-reply snippet,
// and whether the stream looked like a chat-completions stream (which
// carries no usage by default).
type Capture struct {
	Usage     *usage.Metrics
	Summary   string
	ChatStyle bool
}

// Parser is a chunk-fed state machine over an SSE byte stream. Feed may
// be called with any chunking of the stream, including splits inside
// "data:" lines, inside JSON payloads, or between the two delimiter
// newlines; the final capture is invariant under re-chunking. A malformed
// event (invalid UTF-8 or JSON) is dropped without desyncing the parser.
type Parser struct {
	buf       []byte
	usage     *usage.Metrics
	summary   strings.Builder
	chatStyle bool
}

// NewParser creates an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends a chunk and processes every completed event in the buffer.
func (p *Parser) Feed(chunk []byte) {
	p.buf = append(p.buf, chunk...)
	for {
		i := bytes.Index(p.buf, eventDelim)
		if i < 0 {
			return
		}
		raw := p.buf[:i+len(eventDelim)]
		p.processEvent(raw)
		p.buf = p.buf[i+len(eventDelim):]
	}
}

// TakeCapture returns the accumulated capture. Call after the stream ends.
func (p *Parser) TakeCapture() Capture {
	return Capture{
		Usage:     p.usage,
		Summary:   usage.Snippet(p.summary.String(), usage.SummaryLimit),
		ChatStyle: p.chatStyle,
	}
}

// processEvent handles one raw blank-line-terminated event.
func (p *Parser) processEvent(raw []byte) {
	if !utf8.Valid(raw) {
		return
	}

	var payload strings.Builder
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		value, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		// A single leading space after the colon is stripped per spec;
		// multiple data lines are joined with a newline.
		value = strings.TrimPrefix(value, " ")
		if payload.Len() > 0 {
			payload.WriteByte('\n')
		}
		payload.WriteString(value)
	}
	if payload.Len() == 0 {
		return
	}

	var value map[string]any
	if err := json.Unmarshal([]byte(payload.String()), &value); err != nil {
		return
	}

	kind, hasKind := value["type"].(string)
	switch {
	case !hasKind:
		// Chat-completions chunks have no event type. An explicit
		// "chat.completion*" object marker or a bare choices array both
		// mean this stream will not carry a usage block.
		if _, hasChoices := value["choices"]; hasChoices {
			object, hasObject := value["object"].(string)
			if !hasObject || strings.HasPrefix(object, "chat.completion") {
				p.chatStyle = true
			}
		}
	case kind == "response.completed":
		if response, ok := value["response"].(map[string]any); ok {
			if m, ok := usage.ExtractMetrics(response); ok {
				p.usage = &m
			}
		}
		p.chatStyle = false
	case kind == "response.output_item.done":
		p.appendAssistantText(value)
	}
}

// appendAssistantText accumulates output_text blocks from a completed
// assistant message item into the summary buffer, space-joined.
func (p *Parser) appendAssistantText(value map[string]any) {
	item, ok := value["item"].(map[string]any)
	if !ok {
		return
	}
	if kind, _ := item["type"].(string); kind != "message" {
		return
	}
	if role, _ := item["role"].(string); role != "assistant" {
		return
	}
	text := usage.OutputTextBlocks(item["content"])
	if text == "" {
		return
	}
	if p.summary.Len() > 0 {
		p.summary.WriteByte(' ')
	}
	p.summary.WriteString(text)
}
