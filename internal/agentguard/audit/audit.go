// Package audit implements the append-only JSON-lines audit trail: one
// JSON object per line, written under OS-level atomicity for records
// smaller than the pipe-buffer size, never read back by this process.
// Every entry's fields pass through common/redact.Map before they are
// serialized, so neither a registered secret value nor a string stored
// under one of the config's secret field names ever reaches disk.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kurogane-sec/agentguard/common/redact"
	"github.com/kurogane-sec/agentguard/common/trace"
)

// Logger appends JSON-line entries to a single file. A single mutex
// serializes writes from this process; cross-process atomicity for any
// individual append still relies on the write being smaller than the
// platform's atomic-write guarantee, which every entry here is.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) the audit log at path for appending.
// The parent directory is created with mode 0700 and the file with mode
// 0600.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{file: f}, nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	return l.file.Close()
}

// Entry is a single audit record. Action-specific fields are carried in
// Fields and flattened into the same JSON object as ts/action/principal/
// traceId.
type Entry struct {
	Action    string
	Principal string
	TraceID   string
	Fields    map[string]any
}

// Write appends entry as one JSON line. The leading ts field
// is always the wall-clock time of the call, in ISO-8601 UTC.
func (l *Logger) Write(entry Entry) error {
	ts, _ := json.Marshal(time.Now().UTC().Format(time.RFC3339Nano))
	fields := redact.Map(entry.Fields)
	record := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		record[k] = v
	}
	delete(record, "ts")
	record["action"] = entry.Action
	record["principal"] = entry.Principal
	if entry.TraceID != "" {
		record["traceId"] = entry.TraceID
	}

	rest, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	// json.Marshal sorts map keys, so ts is written ahead of them by hand.
	line := append([]byte(`{"ts":`), ts...)
	line = append(line, ',')
	line = append(line, rest[1:]...)
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

// NewTraceID generates a fresh request trace ID using the same shape as
// common/trace.GenerateID, exposed here to avoid every caller importing
// common/trace directly just to start a request's correlation id.
func NewTraceID() string {
	return trace.GenerateID()
}
