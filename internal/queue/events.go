package queue

import (
	"sync"

	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/issue"
)

// EventManager wraps a Manager and publishes events to an event bus
// whenever pool membership changes. Its own mutex keeps each operation
// and its events atomic, so depth events arrive in order.
type EventManager struct {
	mu  sync.Mutex
	m   *Manager
	bus *event.Bus
}

// NewEventManager creates an EventManager that publishes on the given bus.
func NewEventManager(m *Manager, bus *event.Bus) *EventManager {
	return &EventManager{m: m, bus: bus}
}

// Claim claims the next eligible issue and publishes an IssueClaimedEvent
// and a QueueDepthEvent.
func (em *EventManager) Claim(workerID int) (*issue.Issue, bool) {
	em.mu.Lock()
	defer em.mu.Unlock()

	is, ok := em.m.Claim(workerID)
	if !ok {
		return nil, false
	}
	em.bus.Publish(event.NewIssueClaimedEvent(is.ID, is.Title, workerID, int(is.Priority)))
	em.publishDepth()
	return is, true
}

// Release requeues a claimed issue and publishes an IssueRequeuedEvent and
// a QueueDepthEvent.
func (em *EventManager) Release(id, reason string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if err := em.m.Release(id); err != nil {
		return err
	}
	em.bus.Publish(event.NewIssueRequeuedEvent(id, reason))
	em.publishDepth()
	return nil
}

// Complete moves an issue to completed and publishes a QueueDepthEvent.
// The richer IssueCompletedEvent is published by the worker, which knows
// whether a commit happened.
func (em *EventManager) Complete(id string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if err := em.m.Complete(id); err != nil {
		return err
	}
	em.publishDepth()
	return nil
}

// RequireReview parks an issue for review and publishes a QueueDepthEvent.
func (em *EventManager) RequireReview(id string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if err := em.m.RequireReview(id); err != nil {
		return err
	}
	em.publishDepth()
	return nil
}

// Requeue returns a review issue to the pool and publishes an
// IssueRequeuedEvent and a QueueDepthEvent.
func (em *EventManager) Requeue(id, reason string) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if err := em.m.Requeue(id); err != nil {
		return err
	}
	em.bus.Publish(event.NewIssueRequeuedEvent(id, reason))
	em.publishDepth()
	return nil
}

// Add registers issues and publishes a QueueDepthEvent.
func (em *EventManager) Add(issues ...*issue.Issue) {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.m.Add(issues...)
	em.publishDepth()
}

// Refresh re-syncs tracker content and publishes a QueueDepthEvent.
func (em *EventManager) Refresh(issues []*issue.Issue) {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.m.Refresh(issues)
	em.publishDepth()
}

// Manager returns the wrapped Manager for reads and for operations that
// do not move issues between partitions.
func (em *EventManager) Manager() *Manager {
	return em.m
}

// Counts returns the current partition sizes.
func (em *EventManager) Counts() Counts {
	return em.m.Counts()
}

// Snapshot returns the partition state for persistence.
func (em *EventManager) Snapshot() Snapshot {
	return em.m.Snapshot()
}

// Restore applies a persisted partition and publishes a QueueDepthEvent.
func (em *EventManager) Restore(snap Snapshot) {
	em.mu.Lock()
	defer em.mu.Unlock()

	em.m.Restore(snap)
	em.publishDepth()
}

// publishDepth publishes the current partition counts.
func (em *EventManager) publishDepth() {
	c := em.m.Counts()
	em.bus.Publish(event.NewQueueDepthEvent(c.Queued, c.Claimed, c.Completed, c.HumanReview))
}

// Ensure the queue event types satisfy the Event interface at compile time.
var (
	_ event.Event = event.IssueClaimedEvent{}
	_ event.Event = event.IssueRequeuedEvent{}
	_ event.Event = event.QueueDepthEvent{}
)
