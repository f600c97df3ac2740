package runlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one NDJSON line of the update event log.
type Record struct {
	RunID      string `json:"run_id"`
	Timestamp  string `json:"ts"`
	Type       string `json:"type"`
	Stage      string `json:"stage,omitempty"`
	Trigger    string `json:"trigger,omitempty"`
	FileID     int    `json:"file_id,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Logger appends Records to an NDJSON file, one flushed line per record so a
// crashed run still leaves its last stage on disk. All methods are safe for
// concurrent use, and a nil *Logger accepts every call and writes nothing.
type Logger struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	now func() time.Time
}

// New opens path for appending, creating it and its directory if needed.
func New(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Logger{
		f:   f,
		w:   bufio.NewWriter(f),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close flushes and closes the file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	flushErr := l.w.Flush()
	if err := l.f.Close(); err != nil {
		return err
	}
	return flushErr
}

// Log appends rec, stamping it with the current time when Timestamp is empty.
// Encoding and write errors are dropped: the event log never fails a run.
func (l *Logger) Log(rec Record) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp == "" {
		rec.Timestamp = l.now().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_, _ = l.w.Write(append(line, '\n'))
	_ = l.w.Flush()
}

// Stage is a timed step of one run. Fields set before Done are copied into
// the closing record.
type Stage struct {
	FileID   int
	FileName string
	Bytes    int64

	l     *Logger
	runID string
	name  string
	start time.Time
}

// Start logs a "stage" record and returns the Stage to close with Done.
func (l *Logger) Start(runID, stage string, fileID int) *Stage {
	s := &Stage{FileID: fileID, l: l, runID: runID, name: stage}
	if l == nil {
		return s
	}
	s.start = l.now()
	l.Log(Record{RunID: runID, Type: "stage", Stage: stage, FileID: fileID})
	return s
}

// Done logs a "stage_done" record with the elapsed time and err, if any.
func (s *Stage) Done(err error) {
	if s.l == nil {
		return
	}
	rec := Record{
		RunID:      s.runID,
		Type:       "stage_done",
		Stage:      s.name,
		FileID:     s.FileID,
		FileName:   s.FileName,
		Bytes:      s.Bytes,
		DurationMS: s.l.now().Sub(s.start).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.l.Log(rec)
}

// MakeRunID returns a random identifier for one update run.
func MakeRunID() string { return "run-" + uuid.NewString() }
