// Package reqlog writes a newline-delimited JSON audit trail of proxied
// traffic. Entries are queued onto a bounded channel and written by a
// single goroutine, so logging never adds synchronous disk I/O to a
// request; on a full queue the entry is dropped and counted.
//
// A nil *Logger is valid and silently discards everything, which is how
// the proxy runs when no log path is configured.
package reqlog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// queueCap bounds the pending entry channel.
const queueCap = 4096

// Entry kinds, in the order they appear for one exchange.
const (
	KindRequest       = "request"
	KindResponse      = "response"
	KindResponseChunk = "response_chunk"
	KindStreamEnd     = "response_stream_end"
)

// redactedHeaders lose their values before hitting disk.
var redactedHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api-key":             {},
	"cookie":              {},
	"set-cookie":          {},
}

// Entry is one NDJSON line. Kind discriminates which optional fields are
// populated.
type Entry struct {
	Kind      string            `json:"kind"`
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      *Body             `json:"body,omitempty"`
}

// Body carries a request or response payload. Valid UTF-8 is stored as
// text, anything else as base64, with the original byte length either way.
type Body struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
	Len      int    `json:"len"`
}

// Logger is the asynchronous NDJSON writer.
type Logger struct {
	out    io.WriteCloser
	logger *zap.Logger

	entries chan Entry
	done    chan struct{}

	seq       atomic.Uint64
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// Open creates (or appends to) the NDJSON file at path and starts the
// writer goroutine.
func Open(path string, logger *zap.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening request log: %w", err)
	}
	return NewWriter(f, logger), nil
}

// NewWriter starts a logger over an arbitrary sink. Used by tests.
func NewWriter(out io.WriteCloser, logger *zap.Logger) *Logger {
	l := &Logger{
		out:     out,
		logger:  logger,
		entries: make(chan Entry, queueCap),
		done:    make(chan struct{}),
	}
	go l.write()
	return l
}

// NextID mints a per-process request identifier, "req-1" upward.
func (l *Logger) NextID() string {
	if l == nil {
		return ""
	}
	return fmt.Sprintf("req-%d", l.seq.Add(1))
}

// LogRequest records an incoming client request before forwarding.
func (l *Logger) LogRequest(id, method, path string, headers map[string][]string, body []byte) {
	if l == nil {
		return
	}
	l.enqueue(Entry{
		Kind:      KindRequest,
		ID:        id,
		Timestamp: time.Now().UTC(),
		Method:    method,
		Path:      path,
		Headers:   redact(headers),
		Body:      encodeBody(body),
	})
}

// LogResponse records a buffered (non-streaming) upstream response.
func (l *Logger) LogResponse(id string, status int, headers map[string][]string, body []byte) {
	if l == nil {
		return
	}
	l.enqueue(Entry{
		Kind:      KindResponse,
		ID:        id,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Headers:   redact(headers),
		Body:      encodeBody(body),
	})
}

// LogStreamStart records the response head of a streaming exchange. The
// body arrives later as chunks.
func (l *Logger) LogStreamStart(id string, status int, headers map[string][]string) {
	if l == nil {
		return
	}
	l.enqueue(Entry{
		Kind:      KindResponse,
		ID:        id,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Headers:   redact(headers),
	})
}

// LogResponseChunk records one forwarded chunk of a streaming response.
func (l *Logger) LogResponseChunk(id string, chunk []byte) {
	if l == nil {
		return
	}
	l.enqueue(Entry{
		Kind:      KindResponseChunk,
		ID:        id,
		Timestamp: time.Now().UTC(),
		Body:      encodeBody(chunk),
	})
}

// LogStreamEnd marks the end of a streaming response.
func (l *Logger) LogStreamEnd(id string) {
	if l == nil {
		return
	}
	l.enqueue(Entry{
		Kind:      KindStreamEnd,
		ID:        id,
		Timestamp: time.Now().UTC(),
	})
}

// Dropped reports how many entries were discarded on a full queue.
func (l *Logger) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Close drains pending entries and closes the sink. Safe on nil and safe
// to call more than once.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		close(l.entries)
	})
	<-l.done
}

func (l *Logger) enqueue(e Entry) {
	select {
	case l.entries <- e:
	default:
		dropped := l.dropped.Add(1)
		l.logger.Warn("request log queue full, dropping entry",
			zap.String("kind", e.Kind),
			zap.String("id", e.ID),
			zap.Uint64("dropped_total", dropped),
		)
	}
}

func (l *Logger) write() {
	defer close(l.done)
	enc := json.NewEncoder(l.out)
	for e := range l.entries {
		if err := enc.Encode(e); err != nil {
			l.logger.Error("failed to write request log entry",
				zap.String("id", e.ID),
				zap.Error(err),
			)
		}
	}
	if err := l.out.Close(); err != nil {
		l.logger.Warn("failed to close request log", zap.Error(err))
	}
}

// redact flattens headers to single values (comma-joined) and blanks
// credential-bearing ones.
func redact(headers map[string][]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if _, sensitive := redactedHeaders[strings.ToLower(name)]; sensitive {
			out[name] = "<redacted>"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// encodeBody wraps a payload, choosing utf8 text when the bytes are valid
// and base64 otherwise. Empty bodies are omitted entirely.
func encodeBody(body []byte) *Body {
	if len(body) == 0 {
		return nil
	}
	if utf8.Valid(body) {
		return &Body{Encoding: "utf8", Data: string(body), Len: len(body)}
	}
	return &Body{
		Encoding: "base64",
		Data:     base64.StdEncoding.EncodeToString(body),
		Len:      len(body),
	}
}
