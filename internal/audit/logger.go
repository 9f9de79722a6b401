// Package audit implements the append-only device activity log.
//
// Every uplink, downlink, class switch and notable stack event becomes one
// JSON line in audit.jsonl. Rotation is size-based; retention follows the
// configured backup and age limits.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Outcome codes recorded with each entry.
const (
	OutcomeSuccess    = "SUCCESS"
	OutcomeWouldBlock = "WOULD_BLOCK"
	OutcomeSuppressed = "SUPPRESSED"
	OutcomeError      = "ERROR"
)

// Entry is a single audit record.
type Entry struct {
	ID      string    `json:"id"`
	TS      time.Time `json:"ts"`
	Kind    string    `json:"kind"`
	Class   string    `json:"class,omitempty"`
	Port    uint8     `json:"port,omitempty"`
	Payload string    `json:"payload,omitempty"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// Logger writes audit records to a rotating JSONL file.
type Logger struct {
	mu     sync.Mutex
	out    *lumberjack.Logger
	closed bool
}

// Options configures rotation and retention.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger creates an audit logger writing to <dir>/audit.jsonl.
func NewLogger(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("audit directory not set")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	return &Logger{
		out: &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "audit.jsonl"),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   false,
		},
	}, nil
}

// LogUplink records an uplink attempt.
func (l *Logger) LogUplink(class string, port uint8, payload string, outcome string, detail string) {
	l.write(Entry{
		Kind:    "uplink",
		Class:   class,
		Port:    port,
		Payload: payload,
		Outcome: outcome,
		Detail:  detail,
	})
}

// LogDownlink records a received downlink.
func (l *Logger) LogDownlink(class string, port uint8, payload string) {
	l.write(Entry{
		Kind:    "downlink",
		Class:   class,
		Port:    port,
		Payload: payload,
		Outcome: OutcomeSuccess,
	})
}

// LogClassSwitch records a class-switch attempt.
func (l *Logger) LogClassSwitch(target string, outcome string, detail string) {
	l.write(Entry{
		Kind:    "classSwitch",
		Class:   target,
		Outcome: outcome,
		Detail:  detail,
	})
}

// LogEvent records a stack event of note (join failure, tx error, ...).
func (l *Logger) LogEvent(event string, class string, outcome string) {
	l.write(Entry{
		Kind:    "event",
		Class:   class,
		Detail:  event,
		Outcome: outcome,
	})
}

// write stamps and appends one entry. Failures go to stderr; audit logging
// never takes the device down.
func (l *Logger) write(entry Entry) {
	entry.ID = uuid.NewString()
	entry.TS = time.Now().UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal audit entry: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write audit entry: %v\n", err)
	}
}

// Close stops the logger and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.out.Close()
}
