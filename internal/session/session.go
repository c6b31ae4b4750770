// Package session persists AutoBuild session state to the local filesystem.
//
// # Layout
//
// Everything lives under the data directory (default ".autobuild"):
//
//	{data}/sessions/{id}/session.json    latest snapshot, written atomically
//	{data}/sessions/{id}/session.lock    PID lock while a process owns the session
//	{data}/sessions/{id}/activity.jsonl  append-only activity log (internal/ledger)
//	{data}/sessions/{id}/progress/       one YAML record per in-flight issue
//
// # Recovery
//
// Snapshots are written with tmp + fsync + rename, so a crash leaves either
// the previous snapshot or the new one, never a torn file. The lock file
// records the owning PID; a new process takes over a lock whose owner is
// dead, which is how `autobuild resume` recovers after a crash.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/queue"
)

const (
	// SessionsDirName is the directory under the data dir holding all sessions.
	SessionsDirName = "sessions"
	// SnapshotFileName is the session state file within a session directory.
	SnapshotFileName = "session.json"
	// LockFileName is the PID lock file within a session directory.
	LockFileName = "session.lock"
	// ProgressDirName is the per-issue progress directory within a session directory.
	ProgressDirName = "progress"
)

// SessionsDir returns the directory that holds every session.
func SessionsDir(dataDir string) string {
	return filepath.Join(dataDir, SessionsDirName)
}

// Dir returns the directory for one session.
func Dir(dataDir, sessionID string) string {
	return filepath.Join(SessionsDir(dataDir), sessionID)
}

// NewID creates a short random hex session ID.
// Falls back to a timestamp-based ID if crypto/rand fails.
func NewID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xFFFFFFFF)
	}
	return hex.EncodeToString(b)
}

// Settings is the runtime-adjustable half of the session configuration.
// The orchestrator applies updates between issues; the latest values are
// persisted with every snapshot so a resumed session keeps them.
type Settings struct {
	AutoCommit              bool `json:"auto_commit"`
	MaxRetries              int  `json:"max_retries"`
	PriorityThreshold       int  `json:"priority_threshold"`
	RequireHumanReview      bool `json:"require_human_review"`
	MaxConcurrentIssues     int  `json:"max_concurrent_issues"`
	IgnoreUnrelatedFailures bool `json:"ignore_unrelated_failures"`
}

// SettingsFromConfig seeds runtime settings from loaded configuration.
func SettingsFromConfig(cfg config.SessionConfig) Settings {
	return Settings{
		AutoCommit:              cfg.AutoCommit,
		MaxRetries:              cfg.MaxRetries,
		PriorityThreshold:       cfg.PriorityThreshold,
		RequireHumanReview:      cfg.RequireHumanReview,
		MaxConcurrentIssues:     cfg.MaxConcurrentIssues,
		IgnoreUnrelatedFailures: cfg.IgnoreUnrelatedFailures,
	}
}

// Normalize clamps out-of-range values to the nearest legal ones.
func (s Settings) Normalize() Settings {
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.MaxConcurrentIssues < 1 {
		s.MaxConcurrentIssues = 1
	}
	if s.PriorityThreshold < 0 {
		s.PriorityThreshold = 0
	}
	return s
}

// WorkerState is a worker slot's last reported state, persisted so other
// processes (the status command) can see what a live session is doing.
type WorkerState struct {
	Slot       int    `json:"slot"`
	Phase      string `json:"phase"`
	IssueID    string `json:"issue_id,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// Snapshot is the persisted session aggregate: identity, status, settings,
// the queue partitions, and the worker table. The orchestrator writes one
// on every partition or status change.
type Snapshot struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Settings  Settings       `json:"settings"`
	Queue     queue.Snapshot `json:"queue"`
	Workers   []WorkerState  `json:"workers,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Validate checks the snapshot is usable as a persistence target.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.NewValidationError("snapshot is nil")
	}
	if s.ID == "" {
		return errors.NewValidationError("session ID is empty")
	}
	if strings.ContainsAny(s.ID, `/\`) {
		return errors.NewValidationError("session ID contains path separators").
			WithField("id").WithValue(s.ID)
	}
	return nil
}

// InFlight returns the issue IDs that were claimed when the snapshot was
// taken. Resume requeues these: work restarts, it does not continue
// mid-phase.
func (s *Snapshot) InFlight() []string {
	return append([]string(nil), s.Queue.Claimed...)
}
