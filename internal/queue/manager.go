// Package queue implements the session's issue pool: atomic claiming in
// phase-group order, requeueing, and the disjoint queued / claimed /
// completed / human-review partition the orchestrator persists.
//
// The Manager holds a local view of tracker issues. Claiming filters for
// eligibility (open status, priority within the session threshold, every
// "blocks" dependency resolved) and orders candidates by phase group,
// then priority, then creation time. All operations are atomic under one
// mutex, so two concurrent claims never return the same issue.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/autobuildhq/autobuild/internal/issue"
)

// Sentinel errors returned by queue operations.
var (
	ErrUnknownIssue      = errors.New("issue not known to queue")
	ErrInvalidTransition = errors.New("invalid queue transition")
)

// Counts is a snapshot of the queue's partition sizes.
type Counts struct {
	Queued      int `json:"queued"`
	Claimed     int `json:"claimed"`
	Completed   int `json:"completed"`
	HumanReview int `json:"human_review"`
	Eligible    int `json:"eligible"`
}

// Total returns the number of issues known to the queue.
func (c Counts) Total() int {
	return c.Queued + c.Claimed + c.Completed + c.HumanReview
}

// Snapshot is the serializable partition state, used for session
// persistence. Claimed issues are recorded so a resumed session can
// requeue work that was in flight when the process stopped.
type Snapshot struct {
	Queued      []string `json:"queued" yaml:"queued"`
	Claimed     []string `json:"claimed" yaml:"claimed"`
	Completed   []string `json:"completed" yaml:"completed"`
	HumanReview []string `json:"human_review" yaml:"human_review"`
}

// Manager owns the issue pool for one session. All methods are safe for
// concurrent use via an internal mutex.
type Manager struct {
	mu        sync.Mutex
	threshold issue.Priority

	issues      map[string]*issue.Issue // issueID -> local copy of tracker content
	queued      map[string]bool         // unclaimed pool, eligible or not
	claimed     map[string]int          // issueID -> worker slot
	completed   map[string]bool
	humanReview map[string]bool
}

// NewManager creates an empty Manager with the given selection threshold.
// Issues with a priority value above the threshold are never claimed.
func NewManager(threshold issue.Priority) *Manager {
	return &Manager{
		threshold:   threshold,
		issues:      make(map[string]*issue.Issue),
		queued:      make(map[string]bool),
		claimed:     make(map[string]int),
		completed:   make(map[string]bool),
		humanReview: make(map[string]bool),
	}
}

// SetThreshold changes the selection threshold. Takes effect on the next
// claim; already-claimed issues are unaffected.
func (m *Manager) SetThreshold(threshold issue.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = threshold
}

// Threshold returns the current selection threshold.
func (m *Manager) Threshold() issue.Priority {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// Add registers issues with the pool. New issues join the queued set;
// issues already known (in any partition) have their content updated
// instead. Issues arriving already closed go straight to completed.
func (m *Manager) Add(issues ...*issue.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, is := range issues {
		m.addLocked(is)
	}
}

// Refresh replaces the pool's view of tracker content. Unknown issues are
// added, known issues have their content updated. Queued issues that were
// closed externally move to completed so they are not selected again.
// Claimed issues keep the content their worker started with.
func (m *Manager) Refresh(issues []*issue.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, is := range issues {
		if _, held := m.claimed[is.ID]; held {
			continue
		}
		m.addLocked(is)
	}
}

// addLocked inserts or updates one issue. Caller holds m.mu.
func (m *Manager) addLocked(is *issue.Issue) {
	cp := is.Clone()
	_, known := m.issues[is.ID]
	m.issues[is.ID] = cp

	if !known {
		if cp.Status == issue.StatusClosed {
			m.completed[cp.ID] = true
		} else {
			m.queued[cp.ID] = true
		}
		return
	}

	// Known and queued but closed externally: retire it.
	if m.queued[cp.ID] && cp.Status == issue.StatusClosed {
		delete(m.queued, cp.ID)
		m.completed[cp.ID] = true
	}
}

// Claim atomically removes and returns the highest-priority eligible issue
// for the given worker slot. Returns (nil, false) when nothing is eligible.
// The returned issue is a copy; the pool keeps its own.
func (m *Manager) Claim(workerID int) (*issue.Issue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.eligibleLocked()
	if len(candidates) == 0 {
		return nil, false
	}

	head := candidates[0]
	delete(m.queued, head.ID)
	m.claimed[head.ID] = workerID
	head.Status = issue.StatusInProgress
	return head.Clone(), true
}

// Release returns a claimed issue to the queued pool, for requeue after a
// review rejection, a tracker conflict, or a session stop with work in
// flight. The issue keeps its original creation time, so its position in
// the claim order is preserved.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.issues[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIssue, id)
	}
	if _, ok := m.claimed[id]; !ok {
		return fmt.Errorf("%w: release of unclaimed issue %s", ErrInvalidTransition, id)
	}
	delete(m.claimed, id)
	m.queued[id] = true
	m.issues[id].Status = issue.StatusOpen
	return nil
}

// Complete moves a claimed or human-review issue to the completed set and
// marks the local copy closed, which resolves any "blocks" dependencies
// pointing at it.
func (m *Manager) Complete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.issues[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIssue, id)
	}
	_, isClaimed := m.claimed[id]
	if !isClaimed && !m.humanReview[id] {
		return fmt.Errorf("%w: complete of issue %s that is neither claimed nor in review", ErrInvalidTransition, id)
	}
	delete(m.claimed, id)
	delete(m.humanReview, id)
	m.completed[id] = true
	m.issues[id].Status = issue.StatusClosed
	return nil
}

// RequireReview moves a claimed issue to the human-review set.
func (m *Manager) RequireReview(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.issues[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIssue, id)
	}
	if _, ok := m.claimed[id]; !ok {
		return fmt.Errorf("%w: review of unclaimed issue %s", ErrInvalidTransition, id)
	}
	delete(m.claimed, id)
	m.humanReview[id] = true
	return nil
}

// Requeue moves a human-review issue back to the queued pool after a
// rejection that asks for another attempt.
func (m *Manager) Requeue(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.issues[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIssue, id)
	}
	if !m.humanReview[id] {
		return fmt.Errorf("%w: requeue of issue %s that is not in review", ErrInvalidTransition, id)
	}
	delete(m.humanReview, id)
	m.queued[id] = true
	m.issues[id].Status = issue.StatusOpen
	return nil
}

// InReview reports whether the issue sits in the human-review set.
func (m *Manager) InReview(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.humanReview[id]
}

// ClaimedBy returns the worker slot holding the issue, if any.
func (m *Manager) ClaimedBy(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	worker, ok := m.claimed[id]
	return worker, ok
}

// Get returns a copy of the pool's view of the issue.
func (m *Manager) Get(id string) (*issue.Issue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.issues[id]
	if !ok {
		return nil, false
	}
	return is.Clone(), true
}

// Counts returns the current partition sizes.
func (m *Manager) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Counts{
		Queued:      len(m.queued),
		Claimed:     len(m.claimed),
		Completed:   len(m.completed),
		HumanReview: len(m.humanReview),
		Eligible:    len(m.eligibleLocked()),
	}
}

// Eligible returns copies of the currently claimable issues in claim order.
func (m *Manager) Eligible() []*issue.Issue {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.eligibleLocked()
	out := make([]*issue.Issue, len(candidates))
	for i, is := range candidates {
		out[i] = is.Clone()
	}
	return out
}

// Drained returns true when no issue is queued or claimed, meaning the
// session has nothing left to do without operator input.
func (m *Manager) Drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued) == 0 && len(m.claimed) == 0
}

// Snapshot returns the partition state with each set sorted for stable
// persistence.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Queued:      sortedKeys(m.queued),
		Completed:   sortedKeys(m.completed),
		HumanReview: sortedKeys(m.humanReview),
	}
	snap.Claimed = make([]string, 0, len(m.claimed))
	for id := range m.claimed {
		snap.Claimed = append(snap.Claimed, id)
	}
	sort.Strings(snap.Claimed)
	return snap
}

// Restore applies a persisted partition to the pool. Issues must be added
// (from a tracker fetch) before restoring; snapshot ids the tracker no
// longer knows are dropped. Claimed ids rejoin the queued set, since
// workers do not survive a restart.
func (m *Manager) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	assign := func(ids []string, dest map[string]bool) {
		for _, id := range ids {
			if _, known := m.issues[id]; !known {
				continue
			}
			delete(m.queued, id)
			delete(m.claimed, id)
			delete(m.completed, id)
			delete(m.humanReview, id)
			dest[id] = true
		}
	}

	assign(snap.Queued, m.queued)
	assign(snap.Claimed, m.queued)
	assign(snap.Completed, m.completed)
	assign(snap.HumanReview, m.humanReview)

	for id := range m.completed {
		m.issues[id].Status = issue.StatusClosed
	}
	for id := range m.queued {
		if m.issues[id].Status == issue.StatusInProgress {
			m.issues[id].Status = issue.StatusOpen
		}
	}
}

// eligibleLocked returns claimable issues sorted into claim order.
// Caller holds m.mu.
func (m *Manager) eligibleLocked() []*issue.Issue {
	var candidates []*issue.Issue
	for id := range m.queued {
		is := m.issues[id]
		if m.isEligibleLocked(is) {
			candidates = append(candidates, is)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return claimLess(candidates[i], candidates[j])
	})
	return candidates
}

// isEligibleLocked reports whether an issue can be claimed right now:
// open, within the priority threshold, and with every "blocks" dependency
// resolved. Caller holds m.mu.
func (m *Manager) isEligibleLocked(is *issue.Issue) bool {
	if is.Status != issue.StatusOpen {
		return false
	}
	if is.Priority > m.threshold {
		return false
	}
	for _, target := range is.BlocksDeps() {
		if !m.depResolvedLocked(target) {
			return false
		}
	}
	return true
}

// depResolvedLocked reports whether a "blocks" target is closed. Unknown
// targets count as unresolved. Caller holds m.mu.
func (m *Manager) depResolvedLocked(targetID string) bool {
	if m.completed[targetID] {
		return true
	}
	target, ok := m.issues[targetID]
	return ok && target.Status == issue.StatusClosed
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
