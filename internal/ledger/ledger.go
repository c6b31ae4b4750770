// Package ledger records the session activity log.
//
// Entries are immutable and append-only. The in-memory slice mirrors an
// activity.jsonl file written with O_APPEND, one JSON object per line, so
// a resumed session can replay what an earlier process did. Only the
// orchestrator appends entries; every other component publishes bus
// events that the orchestrator translates into entries.
package ledger

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/logging"
)

// FileName is the activity log file inside the session directory.
const FileName = "activity.jsonl"

// EntryType classifies an activity log entry.
type EntryType string

const (
	// TypeInfo marks routine activity (claims, phase changes).
	TypeInfo EntryType = "info"
	// TypeSuccess marks completed work (verification passed, issue done).
	TypeSuccess EntryType = "success"
	// TypeError marks failures surfaced to the operator.
	TypeError EntryType = "error"
	// TypeWarning marks absorbed trouble (ignored failures, retries).
	TypeWarning EntryType = "warning"
	// TypeAgent marks notable agent output.
	TypeAgent EntryType = "agent"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case TypeInfo, TypeSuccess, TypeError, TypeWarning, TypeAgent:
		return true
	}
	return false
}

// Entry is one immutable activity record. IssueID is empty for
// session-level entries.
type Entry struct {
	ID        string    `json:"id"`
	Type      EntryType `json:"type"`
	Message   string    `json:"message"`
	IssueID   string    `json:"issue_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEntry builds an entry ready for Append. ID and Timestamp are left
// for Append to assign.
func NewEntry(t EntryType, message, issueID string) Entry {
	return Entry{Type: t, Message: message, IssueID: issueID}
}

// Log is the append-only activity log.
type Log struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	logger  *logging.Logger
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger attaches a logger. Nil is ignored.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLog creates an activity log backed by the JSONL file at path.
// An empty path keeps the log in memory only.
func NewLog(path string, opts ...Option) *Log {
	l := &Log{
		path:   path,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the backing file path, empty for in-memory logs.
func (l *Log) Path() string { return l.path }

// Append assigns the entry an ID and timestamp, records it, and writes
// it to the backing file. The in-memory view gains the entry even when
// the disk append fails, so activity stays visible in-process; the
// caller decides what to do with the write error.
func (l *Log) Append(e Entry) (Entry, error) {
	if !e.Type.Valid() {
		return Entry{}, errors.NewValidationError("unknown entry type").
			WithField("type").WithValue(string(e.Type))
	}
	if e.Message == "" {
		return Entry{}, errors.NewValidationError("entry message is empty")
	}

	e.ID = newEntryID()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if l.path == "" {
		return e, nil
	}
	if err := appendLine(l.path, e); err != nil {
		l.logger.Warn("activity log write failed", "path", l.path, "error", err)
		return e, err
	}
	return e, nil
}

// Entries returns a copy of all recorded entries in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Len returns the number of recorded entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Tail returns the most recent n entries in append order. It returns
// everything when n exceeds the log length.
func (l *Log) Tail(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}
	return slices.Clone(l.entries[len(l.entries)-n:])
}

// ByIssue returns the entries recorded for one issue, in append order.
func (l *Log) ByIssue(issueID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.IssueID == issueID {
			out = append(out, e)
		}
	}
	return out
}

// Load replays the backing file into memory, replacing the current view.
// It runs once on resume, before any appends. Malformed lines are logged
// and skipped rather than failing the whole replay; a missing file is a
// fresh session, not an error. Returns the number of entries loaded.
func (l *Log) Load() (int, error) {
	if l.path == "" {
		return 0, nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	var loaded []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Warn("skipping malformed activity entry", "path", l.path, "line", lineNo, "error", err)
			continue
		}
		if !e.Type.Valid() {
			l.logger.Warn("skipping activity entry with unknown type", "path", l.path, "line", lineNo, "type", string(e.Type))
			continue
		}
		loaded = append(loaded, e)
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read activity log: %w", err)
	}

	l.mu.Lock()
	l.entries = loaded
	l.mu.Unlock()
	return len(loaded), nil
}

// appendLine writes one JSON line with O_APPEND so concurrent processes
// tailing the file always see whole records.
func appendLine(path string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// newEntryID creates a short random hex ID.
// Falls back to a timestamp-based ID if crypto/rand fails.
func newEntryID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}
	return hex.EncodeToString(b)
}
