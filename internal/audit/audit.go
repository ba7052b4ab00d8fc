// Package audit writes the append-only audit trail: one newline-delimited
// JSON record per state-relevant event, one file per UTC calendar day.
// Entries are never mutated or deleted after write.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Actor identifies who caused an event.
type Actor string

const (
	ActorHuman  Actor = "human"
	ActorSystem Actor = "system"
	ActorLoop   Actor = "autonomous_loop"
)

// Entry is a single audit log record. Params are sanitized before the entry
// is constructed, never after.
type Entry struct {
	Time           time.Time         `json:"ts"`
	Event          string            `json:"event"`
	Actor          Actor             `json:"actor"`
	ItemID         string            `json:"item_id,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	ApprovalStatus string            `json:"approval_status,omitempty"`
	Outcome        string            `json:"outcome,omitempty"`
}

// Logger appends entries to daily NDJSON files in a directory.
type Logger struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewLogger creates the audit directory if needed and returns a logger.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	return &Logger{dir: dir, now: time.Now}, nil
}

// Log sanitizes params, constructs the entry, and appends it to today's
// file.
func (l *Logger) Log(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = l.now().UTC()
	}
	e.Params = Redact(e.Params)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling audit entry: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(l.dir, "audit-"+e.Time.UTC().Format("2006-01-02")+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Dir returns the audit log directory.
func (l *Logger) Dir() string {
	return l.dir
}
