package dotdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	cursorsFile = "ingest_cursors.json"
)

// CursorState records how far the session-log ingestor has read into each
// log file, keyed by absolute path, so a restart resumes instead of
// double-counting.
type CursorState struct {
	// Offsets maps a session log path to the byte offset of the first
	// unread line.
	Offsets map[string]int64 `json:"offsets"`
}

// LoadCursorState loads the ingest cursors from a target
// .codexusage/ingest_cursors.json. Returns an empty state if the file
// does not exist. If overrideDir is non-empty, it is used instead of the
// default ~/.codexusage/ location.
func (m *Manager) LoadCursorState(overrideDir string) (*CursorState, error) {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, cursorsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &CursorState{Offsets: map[string]int64{}}, nil
		}
		return nil, fmt.Errorf("reading ingest cursors: %w", err)
	}

	state := &CursorState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parsing ingest cursors: %w", err)
	}
	if state.Offsets == nil {
		state.Offsets = map[string]int64{}
	}

	return state, nil
}

// SaveCursorState persists the ingest cursors to a target
// .codexusage/ingest_cursors.json.
func (m *Manager) SaveCursorState(state *CursorState, overrideDir string) error {
	if state == nil {
		return errors.New("cannot save nil cursor state")
	}

	dir, err := m.Target(overrideDir)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling ingest cursors: %w", err)
	}

	path := filepath.Join(dir, cursorsFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing ingest cursors: %w", err)
	}

	return nil
}

// ClearCursorState removes the cursor file so the next ingest run starts
// from the beginning. Returns nil if the file doesn't exist.
func (m *Manager) ClearCursorState(overrideDir string) error {
	dir, err := m.Target(overrideDir)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, cursorsFile)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("removing ingest cursors: %w", err)
	}

	return nil
}
