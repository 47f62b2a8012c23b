package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LogLine is one record of the JSONL audit log. The replay tool consumes
// these verbatim.
type LogLine struct {
	RoutingKey string          `json:"routing_key"`
	Event      json.RawMessage `json:"event"`
}

// LogWriter appends validated events to a JSONL file, one object per line.
type LogWriter struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenLog opens (or creates) the audit log for appending.
func OpenLog(path string) (*LogWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &LogWriter{f: f, path: path}, nil
}

// Append writes one event line. Safe for concurrent use.
func (w *LogWriter) Append(routingKey string, event json.RawMessage) error {
	line, err := json.Marshal(LogLine{RoutingKey: routingKey, Event: event})
	if err != nil {
		return fmt.Errorf("failed to encode audit log line: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("failed to append to audit log: %w", err)
	}
	return nil
}

// Path returns the log file location.
func (w *LogWriter) Path() string {
	return w.path
}

// Close flushes and closes the underlying file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
