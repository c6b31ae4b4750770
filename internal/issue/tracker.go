package issue

import (
	"context"
	"fmt"
	"sync"

	"github.com/autobuildhq/autobuild/internal/errors"
)

// Sentinel errors returned by Tracker implementations.
var (
	// ErrIssueNotFound indicates the tracker has no issue with the given ID.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrConflict indicates the issue was modified externally since it was
	// last read. Callers should requeue the issue and re-fetch tracker state.
	ErrConflict = errors.ErrTrackerConflict
)

// Tracker is the capability for reading and updating issues in the system
// that owns them. Implementations must be safe for concurrent use.
//
// UpdateStatus reports external modification by returning an error matching
// ErrConflict; the caller requeues the issue and re-fetches.
type Tracker interface {
	// Get returns the issue with the given ID.
	Get(ctx context.Context, id string) (*Issue, error)

	// List returns all issues known to the tracker.
	List(ctx context.Context) ([]*Issue, error)

	// UpdateStatus transitions the issue with the given ID to status.
	UpdateStatus(ctx context.Context, id string, status Status) error
}

// MemoryTracker is an in-memory Tracker for tests and embedded use.
// All methods are safe for concurrent use via an internal mutex.
type MemoryTracker struct {
	mu     sync.RWMutex
	issues map[string]*Issue // issueID -> issue
	order  []string          // issue IDs in insertion order
}

// NewMemoryTracker creates a MemoryTracker seeded with the given issues.
// Each issue is validated; duplicate IDs are rejected.
func NewMemoryTracker(issues ...*Issue) (*MemoryTracker, error) {
	t := &MemoryTracker{
		issues: make(map[string]*Issue, len(issues)),
	}
	for _, is := range issues {
		if err := t.Add(is); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add registers a new issue with the tracker. The issue is copied, so the
// caller's value can be mutated freely afterwards.
func (t *MemoryTracker) Add(is *Issue) error {
	if err := is.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.issues[is.ID]; ok {
		return errors.NewAlreadyExistsError("issue", is.ID)
	}
	t.issues[is.ID] = is.Clone()
	t.order = append(t.order, is.ID)
	return nil
}

// Get returns a copy of the issue with the given ID.
func (t *MemoryTracker) Get(_ context.Context, id string) (*Issue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	is, ok := t.issues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	return is.Clone(), nil
}

// List returns copies of all issues in insertion order.
func (t *MemoryTracker) List(_ context.Context) ([]*Issue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Issue, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.issues[id].Clone())
	}
	return out, nil
}

// UpdateStatus transitions the issue with the given ID to status.
func (t *MemoryTracker) UpdateStatus(_ context.Context, id string, status Status) error {
	if !status.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unknown status, valid values are %v", ValidStatuses())).
			WithField("status").WithValue(string(status))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	is, ok := t.issues[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIssueNotFound, id)
	}
	is.Status = status
	return nil
}
