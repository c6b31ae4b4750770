// Package event defines event types for decoupling components in AutoBuild.
// These events enable communication between the Orchestrator, workers, and
// observers (log sinks, websocket streams) without direct dependencies.
package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "queue.claimed", "worker.phase_changed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionStatus represents the status of an AutoBuild session.
// Mirrors orchestrator.Status for decoupling.
type SessionStatus string

const (
	SessionIdle    SessionStatus = "idle"
	SessionRunning SessionStatus = "running"
	SessionPaused  SessionStatus = "paused"
	SessionError   SessionStatus = "error"
)

// SessionStatusEvent is emitted when the session status changes.
type SessionStatusEvent struct {
	baseEvent
	SessionID      string        // Session identifier
	PreviousStatus SessionStatus // Previous status (empty if first transition)
	CurrentStatus  SessionStatus // New current status
	Reason         string        // Additional context (error message on SessionError)
}

// NewSessionStatusEvent creates a SessionStatusEvent.
func NewSessionStatusEvent(sessionID string, previous, current SessionStatus, reason string) SessionStatusEvent {
	return SessionStatusEvent{
		baseEvent:      newBaseEvent("session.status_changed"),
		SessionID:      sessionID,
		PreviousStatus: previous,
		CurrentStatus:  current,
		Reason:         reason,
	}
}

// -----------------------------------------------------------------------------
// Queue Events
// -----------------------------------------------------------------------------

// IssueClaimedEvent is emitted when a worker claims an issue from the queue.
type IssueClaimedEvent struct {
	baseEvent
	IssueID  string // Issue that was claimed
	Title    string // Issue title for display
	WorkerID int    // Worker slot that claimed it
	Priority int    // Issue priority (0 = critical .. 4 = trivial)
}

// NewIssueClaimedEvent creates an IssueClaimedEvent.
func NewIssueClaimedEvent(issueID, title string, workerID, priority int) IssueClaimedEvent {
	return IssueClaimedEvent{
		baseEvent: newBaseEvent("queue.claimed"),
		IssueID:   issueID,
		Title:     title,
		WorkerID:  workerID,
		Priority:  priority,
	}
}

// IssueRequeuedEvent is emitted when an issue returns to the queue,
// either after a review rejection or when a session resumes with
// in-flight work.
type IssueRequeuedEvent struct {
	baseEvent
	IssueID string // Issue that was requeued
	Reason  string // Why it went back (e.g., "review rejected", "session resumed")
}

// NewIssueRequeuedEvent creates an IssueRequeuedEvent.
func NewIssueRequeuedEvent(issueID, reason string) IssueRequeuedEvent {
	return IssueRequeuedEvent{
		baseEvent: newBaseEvent("queue.requeued"),
		IssueID:   issueID,
		Reason:    reason,
	}
}

// QueueDepthEvent is emitted whenever the queue's partition counts change.
type QueueDepthEvent struct {
	baseEvent
	Queued      int // Unclaimed issues, eligible or not
	Claimed     int // Issues a worker is actively driving
	Completed   int // Finished issues
	HumanReview int // Issues parked for an operator decision
}

// NewQueueDepthEvent creates a QueueDepthEvent.
func NewQueueDepthEvent(queued, claimed, completed, humanReview int) QueueDepthEvent {
	return QueueDepthEvent{
		baseEvent:   newBaseEvent("queue.depth_changed"),
		Queued:      queued,
		Claimed:     claimed,
		Completed:   completed,
		HumanReview: humanReview,
	}
}

// -----------------------------------------------------------------------------
// Worker Events
// -----------------------------------------------------------------------------

// Phase represents a worker's current phase.
// Mirrors worker.Phase for decoupling.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSelecting  Phase = "selecting"
	PhaseWorking    Phase = "working"
	PhaseTesting    Phase = "testing"
	PhaseCommitting Phase = "committing"
	PhaseReviewing  Phase = "reviewing"
	PhaseFixing     Phase = "fixing"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// WorkerPhaseEvent is emitted when a worker transitions between phases.
type WorkerPhaseEvent struct {
	baseEvent
	WorkerID      int    // Worker slot
	IssueID       string // Issue being processed (empty when idle)
	PreviousPhase Phase  // Previous phase
	CurrentPhase  Phase  // New current phase
	RetryCount    int    // Fix attempts consumed for the current issue
}

// NewWorkerPhaseEvent creates a WorkerPhaseEvent.
func NewWorkerPhaseEvent(workerID int, issueID string, previous, current Phase, retryCount int) WorkerPhaseEvent {
	return WorkerPhaseEvent{
		baseEvent:     newBaseEvent("worker.phase_changed"),
		WorkerID:      workerID,
		IssueID:       issueID,
		PreviousPhase: previous,
		CurrentPhase:  current,
		RetryCount:    retryCount,
	}
}

// WorkerFailedEvent is emitted when a worker hits an unrecoverable error
// and its issue is routed to human review.
type WorkerFailedEvent struct {
	baseEvent
	WorkerID int    // Worker slot that failed
	IssueID  string // Issue that was in flight
	Reason   string // Error description
}

// NewWorkerFailedEvent creates a WorkerFailedEvent.
func NewWorkerFailedEvent(workerID int, issueID, reason string) WorkerFailedEvent {
	return WorkerFailedEvent{
		baseEvent: newBaseEvent("worker.failed"),
		WorkerID:  workerID,
		IssueID:   issueID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Issue Outcome Events
// -----------------------------------------------------------------------------

// IssueCompletedEvent is emitted when an issue finishes the pipeline
// successfully and lands in the completed list.
type IssueCompletedEvent struct {
	baseEvent
	IssueID   string // Completed issue
	WorkerID  int    // Worker slot that processed it
	Committed bool   // Whether a commit was created (false when autoCommit is off)
	Summary   string // Agent's summary of the change
}

// NewIssueCompletedEvent creates an IssueCompletedEvent.
func NewIssueCompletedEvent(issueID string, workerID int, committed bool, summary string) IssueCompletedEvent {
	return IssueCompletedEvent{
		baseEvent: newBaseEvent("issue.completed"),
		IssueID:   issueID,
		WorkerID:  workerID,
		Committed: committed,
		Summary:   summary,
	}
}

// IssueEscalatedEvent is emitted when an issue is routed to the
// human-review list instead of completing.
type IssueEscalatedEvent struct {
	baseEvent
	IssueID  string // Escalated issue
	WorkerID int    // Worker slot that was processing it
	Reason   string // Why it needs a human (verification output, agent error)
}

// NewIssueEscalatedEvent creates an IssueEscalatedEvent.
func NewIssueEscalatedEvent(issueID string, workerID int, reason string) IssueEscalatedEvent {
	return IssueEscalatedEvent{
		baseEvent: newBaseEvent("issue.human_review"),
		IssueID:   issueID,
		WorkerID:  workerID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// File Lock Events
// -----------------------------------------------------------------------------

// LockGrantedEvent is emitted when the file coordinator grants a lock set.
type LockGrantedEvent struct {
	baseEvent
	WorkerID string   // Coordinator client that acquired the locks
	Paths    []string // Paths now held
}

// NewLockGrantedEvent creates a LockGrantedEvent.
func NewLockGrantedEvent(workerID string, paths []string) LockGrantedEvent {
	return LockGrantedEvent{
		baseEvent: newBaseEvent("lock.granted"),
		WorkerID:  workerID,
		Paths:     paths,
	}
}

// LockDeniedEvent is emitted when an all-or-nothing acquisition fails
// because another worker holds at least one of the requested paths.
type LockDeniedEvent struct {
	baseEvent
	WorkerID string   // Client whose request was denied
	Paths    []string // Requested paths
	HeldBy   string   // Client holding the conflicting path
}

// NewLockDeniedEvent creates a LockDeniedEvent.
func NewLockDeniedEvent(workerID string, paths []string, heldBy string) LockDeniedEvent {
	return LockDeniedEvent{
		baseEvent: newBaseEvent("lock.denied"),
		WorkerID:  workerID,
		Paths:     paths,
		HeldBy:    heldBy,
	}
}

// LockReleasedEvent is emitted when a client releases its locks.
type LockReleasedEvent struct {
	baseEvent
	WorkerID string // Client that released
	Count    int    // Number of locks released
}

// NewLockReleasedEvent creates a LockReleasedEvent.
func NewLockReleasedEvent(workerID string, count int) LockReleasedEvent {
	return LockReleasedEvent{
		baseEvent: newBaseEvent("lock.released"),
		WorkerID:  workerID,
		Count:     count,
	}
}

// LockExpiredEvent is emitted when held locks pass their lease deadline
// and are reclaimed by the coordinator.
type LockExpiredEvent struct {
	baseEvent
	WorkerID string   // Client whose lease expired
	Paths    []string // Paths that were reclaimed
}

// NewLockExpiredEvent creates a LockExpiredEvent.
func NewLockExpiredEvent(workerID string, paths []string) LockExpiredEvent {
	return LockExpiredEvent{
		baseEvent: newBaseEvent("lock.expired"),
		WorkerID:  workerID,
		Paths:     paths,
	}
}

// -----------------------------------------------------------------------------
// Verification Events
// -----------------------------------------------------------------------------

// VerificationEvent is emitted after each verification gate runs.
type VerificationEvent struct {
	baseEvent
	IssueID  string // Issue being verified
	WorkerID int    // Worker slot running verification
	Gate     string // Gate name: "lint", "tests", or "build"
	Passed   bool   // Whether the gate passed
	Skipped  bool   // True when the gate was disabled in settings
	Output   string // Tail of the gate output (empty on success)
}

// NewVerificationEvent creates a VerificationEvent.
func NewVerificationEvent(issueID string, workerID int, gate string, passed, skipped bool, output string) VerificationEvent {
	return VerificationEvent{
		baseEvent: newBaseEvent("verify.completed"),
		IssueID:   issueID,
		WorkerID:  workerID,
		Gate:      gate,
		Passed:    passed,
		Skipped:   skipped,
		Output:    output,
	}
}

// -----------------------------------------------------------------------------
// Agent Events
// -----------------------------------------------------------------------------

// AgentOutputEvent is emitted for each line of agent output.
// Used to stream agent activity to observers without buffering.
type AgentOutputEvent struct {
	baseEvent
	WorkerID int    // Worker slot running the agent
	IssueID  string // Issue the agent is working on
	Line     string // Single line of agent output
}

// NewAgentOutputEvent creates an AgentOutputEvent.
func NewAgentOutputEvent(workerID int, issueID, line string) AgentOutputEvent {
	return AgentOutputEvent{
		baseEvent: newBaseEvent("agent.output"),
		WorkerID:  workerID,
		IssueID:   issueID,
		Line:      line,
	}
}

// AgentExitedEvent is emitted when an agent task finishes.
type AgentExitedEvent struct {
	baseEvent
	WorkerID      int      // Worker slot that ran the agent
	IssueID       string   // Issue the agent worked on
	Success       bool     // Whether the agent exited cleanly
	FilesModified []string // Files the agent reported touching
}

// NewAgentExitedEvent creates an AgentExitedEvent.
func NewAgentExitedEvent(workerID int, issueID string, success bool, filesModified []string) AgentExitedEvent {
	return AgentExitedEvent{
		baseEvent:     newBaseEvent("agent.exited"),
		WorkerID:      workerID,
		IssueID:       issueID,
		Success:       success,
		FilesModified: filesModified,
	}
}

// -----------------------------------------------------------------------------
// Review Events
// -----------------------------------------------------------------------------

// ReviewRequestedEvent is emitted when a worker parks an issue for
// human review approval.
type ReviewRequestedEvent struct {
	baseEvent
	IssueID  string // Issue awaiting review
	WorkerID int    // Worker slot holding the issue
	Summary  string // What the agent changed
}

// NewReviewRequestedEvent creates a ReviewRequestedEvent.
func NewReviewRequestedEvent(issueID string, workerID int, summary string) ReviewRequestedEvent {
	return ReviewRequestedEvent{
		baseEvent: newBaseEvent("review.requested"),
		IssueID:   issueID,
		WorkerID:  workerID,
		Summary:   summary,
	}
}

// ReviewDecisionEvent is emitted when a human approves or rejects
// a parked issue.
type ReviewDecisionEvent struct {
	baseEvent
	IssueID  string // Issue the decision applies to
	Approved bool   // True to proceed to commit
	Requeue  bool   // On rejection, true returns the issue to the queue
	Feedback string // Optional reviewer feedback
}

// NewReviewDecisionEvent creates a ReviewDecisionEvent.
func NewReviewDecisionEvent(issueID string, approved, requeue bool, feedback string) ReviewDecisionEvent {
	return ReviewDecisionEvent{
		baseEvent: newBaseEvent("review.decision"),
		IssueID:   issueID,
		Approved:  approved,
		Requeue:   requeue,
		Feedback:  feedback,
	}
}
