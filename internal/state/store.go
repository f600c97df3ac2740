package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcome is how an update run ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeInstalled Outcome = "installed"
	OutcomeUpToDate  Outcome = "up-to-date"
	OutcomeFailed    Outcome = "failed"
)

// Installed identifies the server pack currently on disk.
type Installed struct {
	FileID      int       `json:"file_id"`
	FileName    string    `json:"file_name"`
	InstalledAt time.Time `json:"installed_at"`
}

// Run is the record of one update attempt.
type Run struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	FileID     int       `json:"file_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// Snapshot is a copy of the store's contents.
type Snapshot struct {
	Installed *Installed `json:"installed,omitempty"`
	LastRun   *Run       `json:"last_run,omitempty"`
}

// Store keeps the install state in memory and mirrors every change to a JSON
// file. A Store with an empty path keeps state in memory only.
type Store struct {
	mu   sync.RWMutex
	path string
	snap Snapshot
}

// Open loads path if it exists. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(b, &s.snap); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", path, err)
	}
	return s, nil
}

// NewMemory returns a store that is never persisted.
func NewMemory() *Store { return &Store{} }

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out Snapshot
	if s.snap.Installed != nil {
		v := *s.snap.Installed
		out.Installed = &v
	}
	if s.snap.LastRun != nil {
		v := *s.snap.LastRun
		out.LastRun = &v
	}
	return out
}

// InstalledFileID returns the installed file id, or 0 when nothing is known.
func (s *Store) InstalledFileID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.Installed == nil {
		return 0
	}
	return s.snap.Installed.FileID
}

// BeginRun records a new running attempt.
func (s *Store) BeginRun(runID, trigger string, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastRun = &Run{RunID: runID, Trigger: trigger, StartedAt: now, Outcome: OutcomeRunning}
	return s.saveLocked()
}

// FinishRun closes the current run. When outcome is OutcomeInstalled, inst
// becomes the installed pack.
func (s *Store) FinishRun(runID string, fileID int, outcome Outcome, runErr error, inst *Installed, now time.Time) error {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.snap.LastRun
	if r == nil || r.RunID != runID {
		r = &Run{RunID: runID, StartedAt: now}
	}
	r.FinishedAt = now
	r.FileID = fileID
	r.Outcome = outcome
	r.Error = ""
	if runErr != nil {
		r.Error = runErr.Error()
	}
	s.snap.LastRun = r

	if outcome == OutcomeInstalled && inst != nil {
		v := *inst
		if v.InstalledAt.IsZero() {
			v.InstalledAt = now
		}
		s.snap.Installed = &v
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
