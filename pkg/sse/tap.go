package sse

import (
	"io"
	"sync"
)

// Tap wraps an upstream response body so the byte stream can be observed
// while being forwarded to the client unchanged.
//
//	┌──────────────────────┐
//	│ upstream body Reader │
//	└──────────────────────┘
//	           │
//	           ▼
//	┌──────────────────────┐     ┌────────────────┐
//	│      Tap.Read        │────▶│ Parser.Feed    │
//	└──────────────────────┘     │ observe (log)  │
//	           │                 └────────────────┘
//	           ▼
//	  downstream client (verbatim)
//
// On stream completion (EOF or error) the tap delivers the parser's final
// capture on a single-shot channel, strictly before the proxy assembles
// the request's usage event.
type Tap struct {
	body    io.ReadCloser
	parser  *Parser
	observe func([]byte)

	once    sync.Once
	capture chan Capture
}

// NewTap wraps body. The observe callback receives every chunk (for the
// request logger) and may be nil.
func NewTap(body io.ReadCloser, observe func([]byte)) *Tap {
	return &Tap{
		body:    body,
		parser:  NewParser(),
		observe: observe,
		capture: make(chan Capture, 1),
	}
}

// Read forwards bytes from the upstream body, feeding each chunk to the
// parser and the observer on the way through.
func (t *Tap) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	if n > 0 {
		chunk := p[:n]
		t.parser.Feed(chunk)
		if t.observe != nil {
			t.observe(chunk)
		}
	}
	if err != nil {
		t.finish()
	}
	return n, err
}

// Close releases the upstream body and delivers the capture if the
// stream was abandoned before EOF.
func (t *Tap) Close() error {
	err := t.body.Close()
	t.finish()
	return err
}

// Capture returns the single-shot channel carrying the final capture.
func (t *Tap) Capture() <-chan Capture {
	return t.capture
}

func (t *Tap) finish() {
	t.once.Do(func() {
		t.capture <- t.parser.TakeCapture()
		close(t.capture)
	})
}
