// Package ingest tails an agent session log (newline-delimited JSON) and
// turns the token-count records it finds into usage events, as an
// alternative capture path for clients that write local logs instead of
// honoring a proxy base URL.
//
// Progress through each file is persisted as a byte offset in the
// .codexusage/ directory so a restart resumes where the last run stopped
// instead of double-counting.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codexusage/codexusage/pkg/dotdir"
	"github.com/codexusage/codexusage/pkg/usage"
)

// Emitter receives usage events parsed out of the session log.
type Emitter interface {
	Enqueue(ev usage.Event) bool
}

// Tailer follows one session log file.
type Tailer struct {
	path    string
	emitter Emitter
	logger  *zap.Logger

	ddm *dotdir.Manager

	// configDir overrides the .codexusage/ directory holding the cursor
	// file; empty means the default dotdir resolution.
	configDir string

	// fallbackSession labels events from lines that carry no id of their
	// own, one fresh id per tailer run.
	fallbackSession string
}

// New creates a tailer for the session log at path. Cursor state lives in
// the .codexusage/ directory resolved from configDir.
func New(path string, emitter Emitter, logger *zap.Logger, configDir string) *Tailer {
	return &Tailer{
		path:            path,
		emitter:         emitter,
		logger:          logger,
		ddm:             dotdir.NewManager(),
		configDir:       configDir,
		fallbackSession: uuid.NewString(),
	}
}

// Run follows the log until ctx is canceled, emitting an event for every
// line that carries token usage. The read offset is saved on shutdown.
func (t *Tailer) Run(ctx context.Context) error {
	abs, err := filepath.Abs(t.path)
	if err != nil {
		return fmt.Errorf("resolving session log path: %w", err)
	}

	state, err := t.ddm.LoadCursorState(t.configDir)
	if err != nil {
		return err
	}

	file, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("opening session log: %w", err)
	}
	defer file.Close()

	offset := state.Offsets[abs]
	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat session log: %w", err)
	}
	if offset > stat.Size() {
		// The file was truncated or rotated since the cursor was saved.
		t.logger.Info("session log shrank, restarting from the top",
			zap.String("path", abs),
			zap.Int64("saved_offset", offset),
		)
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek session log: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating log watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching log dir: %w", err)
	}

	save := func() {
		state.Offsets[abs] = offset
		if err := t.ddm.SaveCursorState(state, t.configDir); err != nil {
			t.logger.Warn("failed to save ingest cursors", zap.Error(err))
		}
	}
	defer save()

	if offset, err = t.readAvailable(file, offset); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(abs) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if offset, err = t.readAvailable(file, offset); err != nil {
				return err
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("log watcher error: %w", err)
		}
	}
}

// readAvailable consumes complete lines from the current offset, emitting
// usage events for the ones that carry token counts. A trailing partial
// line is left for the next write to complete; the returned offset always
// points at the first unread byte of a line boundary.
func (t *Tailer) readAvailable(file *os.File, offset int64) (int64, error) {
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek session log: %w", err)
	}

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			return offset, fmt.Errorf("reading session log: %w", err)
		}
		offset += int64(len(line))
		t.processLine(bytes.TrimSpace(line))
	}
}

// processLine parses one NDJSON line and emits an event when it carries
// usage. Lines without usage (and unparseable lines) are skipped quietly;
// session logs interleave many record kinds.
func (t *Tailer) processLine(line []byte) {
	if len(line) == 0 {
		return
	}

	var root map[string]any
	if err := json.Unmarshal(line, &root); err != nil {
		return
	}

	metrics, ok := findMetrics(root)
	if !ok {
		return
	}

	ev := usage.Event{
		Timestamp:          lineTimestamp(root),
		Model:              metrics.Model,
		ConversationID:     lineSession(root, t.fallbackSession),
		PromptTokens:       metrics.PromptTokens,
		CachedPromptTokens: metrics.CachedPromptTokens,
		CompletionTokens:   metrics.CompletionTokens,
		TotalTokens:        metrics.TotalTokens,
		ReasoningTokens:    metrics.ReasoningTokens,
		UsageIncluded:      true,
	}
	ev.Normalize()

	t.emitter.Enqueue(ev)
}

// findMetrics looks for a usage block on the record itself, then inside
// the common envelope fields session logs wrap payloads in.
func findMetrics(root map[string]any) (usage.Metrics, bool) {
	if m, ok := usage.ExtractMetrics(root); ok {
		return m, true
	}
	for _, field := range []string{"info", "payload", "response"} {
		if nested, ok := root[field].(map[string]any); ok {
			if m, ok := usage.ExtractMetrics(nested); ok {
				return m, true
			}
		}
	}
	return usage.Metrics{}, false
}

func lineTimestamp(root map[string]any) time.Time {
	if raw, ok := root["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}

func lineSession(root map[string]any, fallback string) string {
	for _, field := range []string{"session_id", "conversation_id"} {
		if v, ok := root[field].(string); ok {
			if id := strings.TrimSpace(v); id != "" {
				return id
			}
		}
	}
	return fallback
}
