package issue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autobuildhq/autobuild/internal/errors"
)

// backlogFile is the serialized form of a YAML backlog.
type backlogFile struct {
	Issues []*Issue `yaml:"issues"`
}

// backlogEntry mirrors Issue with a pointer priority so an omitted key can
// be told apart from an explicit zero (critical).
type backlogEntry struct {
	ID           string       `yaml:"id"`
	Title        string       `yaml:"title"`
	Description  string       `yaml:"description"`
	Status       Status       `yaml:"status"`
	Priority     *int         `yaml:"priority"`
	Type         string       `yaml:"type"`
	Dependencies []Dependency `yaml:"dependencies"`
	Phase        int          `yaml:"phase"`
	URL          string       `yaml:"url"`
	CreatedAt    time.Time    `yaml:"created_at"`
}

// LoadBacklog reads a YAML backlog file and returns its issues in file
// order. Omitted fields get defaults: status defaults to open and priority
// to medium. Every issue is validated and duplicate IDs are rejected.
func LoadBacklog(path string) ([]*Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}

	var bf struct {
		Issues []backlogEntry `yaml:"issues"`
	}
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parse backlog %s: %w", path, err)
	}

	issues := make([]*Issue, 0, len(bf.Issues))
	seen := make(map[string]bool, len(bf.Issues))
	for _, entry := range bf.Issues {
		is := &Issue{
			ID:           entry.ID,
			Title:        entry.Title,
			Description:  entry.Description,
			Status:       entry.Status,
			Priority:     PriorityMedium,
			Type:         entry.Type,
			Dependencies: entry.Dependencies,
			Phase:        entry.Phase,
			URL:          entry.URL,
			CreatedAt:    entry.CreatedAt,
		}
		if is.Status == "" {
			is.Status = StatusOpen
		}
		if entry.Priority != nil {
			is.Priority = Priority(*entry.Priority)
		}
		if err := is.Validate(); err != nil {
			return nil, fmt.Errorf("backlog issue %q: %w", entry.ID, err)
		}
		if seen[is.ID] {
			return nil, fmt.Errorf("backlog issue %q: duplicate id", is.ID)
		}
		seen[is.ID] = true
		issues = append(issues, is)
	}
	return issues, nil
}

// SaveBacklog writes the issues to a YAML backlog file. The write is
// atomic: data goes to a temporary file first, then is renamed into place.
func SaveBacklog(path string, issues []*Issue) error {
	data, err := yaml.Marshal(backlogFile{Issues: issues})
	if err != nil {
		return fmt.Errorf("marshal backlog: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create backlog dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// FileTracker is a Tracker backed by a YAML backlog file. Reads are served
// from memory; status updates are written back atomically so state survives
// restarts. The file's modification time is checked on every operation, and
// external edits are picked up by reloading. An external edit that changes
// the status of the issue being updated surfaces as ErrConflict.
type FileTracker struct {
	mu     sync.Mutex
	path   string
	issues map[string]*Issue // issueID -> issue
	order  []string          // issue IDs in file order
	mtime  time.Time
}

// NewFileTracker creates a FileTracker from an existing backlog file.
func NewFileTracker(path string) (*FileTracker, error) {
	t := &FileTracker{path: path}
	if err := t.reloadLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the backlog file this tracker reads and writes.
func (t *FileTracker) Path() string {
	return t.path
}

// Get returns a copy of the issue with the given ID.
func (t *FileTracker) Get(_ context.Context, id string) (*Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.maybeReloadLocked(); err != nil {
		return nil, err
	}
	is, ok := t.issues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	return is.Clone(), nil
}

// List returns copies of all issues in file order.
func (t *FileTracker) List(_ context.Context) ([]*Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.maybeReloadLocked(); err != nil {
		return nil, err
	}
	out := make([]*Issue, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.issues[id].Clone())
	}
	return out, nil
}

// UpdateStatus transitions the issue with the given ID to status and
// persists the change. If the file changed on disk and that change touched
// this issue's status, the update is rejected with ErrConflict so the
// caller can requeue and re-fetch.
func (t *FileTracker) UpdateStatus(_ context.Context, id string, status Status) error {
	if !status.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unknown status, valid values are %v", ValidStatuses())).
			WithField("status").WithValue(string(status))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.issues[id]
	if !ok {
		// The issue may have been added externally since the last load.
		if _, err := t.maybeReloadLocked(); err != nil {
			return err
		}
		if prev, ok = t.issues[id]; !ok {
			return fmt.Errorf("%w: %s", ErrIssueNotFound, id)
		}
	} else {
		prevStatus := prev.Status
		reloaded, err := t.maybeReloadLocked()
		if err != nil {
			return err
		}
		if reloaded {
			cur, ok := t.issues[id]
			if !ok {
				return errors.NewTrackerError("issue removed externally", ErrConflict).
					WithIssueID(id).WithConflict(true)
			}
			if cur.Status != prevStatus {
				return errors.NewTrackerError("issue status changed externally", ErrConflict).
					WithIssueID(id).WithConflict(true)
			}
			prev = cur
		}
	}

	old := prev.Status
	prev.Status = status
	if err := t.saveLocked(); err != nil {
		prev.Status = old
		return errors.NewTrackerError("persist backlog", err).WithIssueID(id)
	}
	return nil
}

// reloadLocked replaces the in-memory state with the file's contents and
// records the file's modification time. Caller holds t.mu.
func (t *FileTracker) reloadLocked() error {
	issues, err := LoadBacklog(t.path)
	if err != nil {
		return err
	}
	t.issues = make(map[string]*Issue, len(issues))
	t.order = make([]string, 0, len(issues))
	for _, is := range issues {
		t.issues[is.ID] = is
		t.order = append(t.order, is.ID)
	}
	fi, err := os.Stat(t.path)
	if err != nil {
		return fmt.Errorf("stat backlog: %w", err)
	}
	t.mtime = fi.ModTime()
	return nil
}

// maybeReloadLocked re-reads the backlog when the file changed on disk
// since the last load. Returns true when a reload happened. Caller holds t.mu.
func (t *FileTracker) maybeReloadLocked() (bool, error) {
	fi, err := os.Stat(t.path)
	if err != nil {
		return false, errors.NewTrackerError("stat backlog", err)
	}
	if fi.ModTime().Equal(t.mtime) {
		return false, nil
	}
	if err := t.reloadLocked(); err != nil {
		return false, errors.NewTrackerError("reload backlog", err)
	}
	return true, nil
}

// saveLocked writes the in-memory state back to the backlog file and
// refreshes the recorded modification time. Caller holds t.mu.
func (t *FileTracker) saveLocked() error {
	issues := make([]*Issue, 0, len(t.order))
	for _, id := range t.order {
		issues = append(issues, t.issues[id])
	}
	if err := SaveBacklog(t.path, issues); err != nil {
		return err
	}
	fi, err := os.Stat(t.path)
	if err != nil {
		return fmt.Errorf("stat backlog: %w", err)
	}
	t.mtime = fi.ModTime()
	return nil
}
