package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/logging"
)

// Lock is an exclusive per-session lock backed by a PID file. It keeps
// two AutoBuild processes from driving the same session at once.
type Lock struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	// Internal fields (not serialized)
	lockPath string
	logger   *logging.Logger
}

// AcquireLock takes the session lock, replacing a stale lock whose owning
// process is dead. Returns an error wrapping ErrSessionLocked when a live
// process holds it. The logger may be nil; locks are often taken before
// logging is set up.
func AcquireLock(sessionDir, sessionID string, logger *logging.Logger) (*Lock, error) {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	lockPath := filepath.Join(sessionDir, LockFileName)

	if existing, err := ReadLock(lockPath); err == nil {
		if isProcessAlive(existing.PID) {
			return nil, fmt.Errorf("%w: held by PID %d on %s",
				errors.ErrSessionLocked, existing.PID, existing.Hostname)
		}
		oldPID := existing.PID
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
		if logger != nil {
			logger.Warn("stale session lock cleaned", "session_id", sessionID, "old_pid", oldPID)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		SessionID: sessionID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		lockPath:  lockPath,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	// O_EXCL closes the window between the staleness check and the write:
	// if another process creates the file first, creation fails here.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := ReadLock(lockPath); readErr == nil {
				return nil, fmt.Errorf("%w: held by PID %d on %s",
					errors.ErrSessionLocked, existing.PID, existing.Hostname)
			}
			return nil, errors.ErrSessionLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	if logger != nil {
		logger.Info("session lock acquired", "session_id", sessionID, "pid", lock.PID)
	}
	return lock, nil
}

// Release removes the lock file if this process still owns it.
// Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.lockPath == "" {
		return nil
	}

	existing, err := ReadLock(l.lockPath)
	if err != nil {
		return nil
	}
	if existing.PID != l.PID {
		return nil
	}

	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	if l.logger != nil {
		l.logger.Info("session lock released", "session_id", l.SessionID)
	}
	return nil
}

// ReadLock parses a lock file.
func ReadLock(lockPath string) (*Lock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	lock.lockPath = lockPath
	return &lock, nil
}

// IsLocked reports whether a live process holds the session lock.
// A lock whose owner is dead counts as unlocked.
func IsLocked(sessionDir string) (*Lock, bool) {
	lock, err := ReadLock(filepath.Join(sessionDir, LockFileName))
	if err != nil {
		return nil, false
	}
	if !isProcessAlive(lock.PID) {
		return lock, false
	}
	return lock, true
}

// isProcessAlive checks whether a PID is still running.
// Signal 0 probes for existence without disturbing the process.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
