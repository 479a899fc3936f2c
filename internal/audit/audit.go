// Package audit writes the process-wide action audit trail: one JSON object
// per line. The log is the only shared sink in the host and is serialized
// with a mutex.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Entry is one audited action execution.
type Entry struct {
	Timestamp  time.Time      `json:"ts"`
	TaskID     string         `json:"task_id"`
	Step       int            `json:"step"`
	ActionIdx  int            `json:"action_idx"`
	Capability string         `json:"capability"`
	Input      map[string]any `json:"input,omitempty"`
	Outcome    string         `json:"outcome"`
	DurationMs int64          `json:"duration_ms"`
}

// Log appends entries to a JSONL sink.
type Log struct {
	mu      sync.Mutex
	encoder *json.Encoder
	closer  io.Closer
}

// Open creates a file-backed audit log. An empty path returns a log that
// discards entries.
func Open(path string) (*Log, error) {
	if path == "" {
		return &Log{}, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &Log{encoder: json.NewEncoder(file), closer: file}, nil
}

// NewWriter builds a log over an arbitrary writer (tests).
func NewWriter(w io.Writer) *Log {
	return &Log{encoder: json.NewEncoder(w)}
}

// Record appends one entry. Write failures are reported so the caller can
// log them; they never fail the action itself.
func (l *Log) Record(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.encoder == nil {
		return nil
	}
	return l.encoder.Encode(entry)
}

// Close releases the underlying file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	l.encoder = nil
	return err
}
