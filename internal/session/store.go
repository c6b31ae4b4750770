package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/autobuildhq/autobuild/internal/errors"
)

// Store reads and writes session snapshots under a data directory.
// Writes are atomic (tmp + fsync + rename), so readers in other
// processes never observe a torn snapshot.
type Store struct {
	dataDir string
	mu      sync.RWMutex
}

// NewStore creates a Store rooted at dataDir, creating the sessions
// directory if needed.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(SessionsDir(dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// Dir returns the directory for one session.
func (st *Store) Dir(sessionID string) string {
	return Dir(st.dataDir, sessionID)
}

// Save writes the snapshot to {sessions}/{id}/session.json atomically.
func (st *Store) Save(snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := st.Dir(snap.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	return atomicWriteFile(filepath.Join(dir, SnapshotFileName), data, 0o644)
}

// Load reads a session snapshot. A missing session wraps
// ErrSessionNotFound; an unparseable file wraps ErrSessionCorrupted.
func (st *Store) Load(sessionID string) (*Snapshot, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(st.Dir(sessionID), SnapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("session", sessionID).
				WithCause(errors.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrSessionCorrupted, err)
	}
	if snap.ID == "" {
		return nil, fmt.Errorf("%w: snapshot has no session ID", errors.ErrSessionCorrupted)
	}
	if snap.ID != sessionID {
		return nil, fmt.Errorf("%w: snapshot ID %q does not match directory %q",
			errors.ErrSessionCorrupted, snap.ID, sessionID)
	}
	return &snap, nil
}

// Exists reports whether a session snapshot exists.
func (st *Store) Exists(sessionID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()

	_, err := os.Stat(filepath.Join(st.Dir(sessionID), SnapshotFileName))
	return err == nil
}

// Delete removes a session directory and everything in it.
func (st *Store) Delete(sessionID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	dir := st.Dir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("session", sessionID).
				WithCause(errors.ErrSessionNotFound)
		}
		return fmt.Errorf("check session directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete session directory: %w", err)
	}
	return nil
}

// Info summarizes one stored session for listings.
type Info struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Queued    int    `json:"queued"`
	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Review    int    `json:"review"`
	Locked    bool   `json:"locked"`
	LockPID   int    `json:"lock_pid,omitempty"`
	Dir       string `json:"dir"`
}

// List summarizes every stored session, most recently updated first.
// Unreadable sessions are skipped rather than failing the listing.
func (st *Store) List() ([]Info, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	entries, err := os.ReadDir(SessionsDir(st.dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	type row struct {
		info    Info
		updated int64
	}
	var rows []row
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		data, err := os.ReadFile(filepath.Join(st.Dir(id), SnapshotFileName))
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}

		info := Info{
			ID:        id,
			Status:    snap.Status,
			Queued:    len(snap.Queue.Queued),
			Claimed:   len(snap.Queue.Claimed),
			Completed: len(snap.Queue.Completed),
			Review:    len(snap.Queue.HumanReview),
			Dir:       st.Dir(id),
		}
		if lock, held := IsLocked(st.Dir(id)); held {
			info.Locked = true
			info.LockPID = lock.PID
		}
		rows = append(rows, row{info: info, updated: snap.UpdatedAt.UnixNano()})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].updated > rows[j].updated })
	infos := make([]Info, len(rows))
	for i, r := range rows {
		infos[i] = r.info
	}
	return infos, nil
}

// atomicWriteFile writes data through a temp file in the target directory
// and renames it into place, so the destination is never half-written.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	renamed := false
	defer func() {
		if !renamed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("set temp file permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	renamed = true
	return nil
}
