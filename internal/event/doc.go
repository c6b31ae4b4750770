// Package event provides a pub-sub event bus for decoupled inter-component
// communication in AutoBuild.
//
// This package enables loose coupling between the Orchestrator, workers, and
// observers (activity log sinks, websocket streams, the status command) by
// allowing them to communicate through events rather than direct method
// calls. Components can publish events without knowing who will receive
// them, and subscribe to events without knowing who will produce them.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// The package defines several categories of events:
//
// Session Lifecycle:
//   - [SessionStatusEvent]: Emitted when the session status changes
//
// Queue Events:
//   - [IssueClaimedEvent]: Emitted when a worker claims an issue
//   - [IssueRequeuedEvent]: Emitted when an issue returns to the queue
//
// Worker Events:
//   - [WorkerPhaseEvent]: Emitted when a worker transitions between phases
//   - [WorkerFailedEvent]: Emitted when a worker hits an unrecoverable error
//
// Issue Outcomes:
//   - [IssueCompletedEvent]: Emitted when an issue completes the pipeline
//   - [IssueEscalatedEvent]: Emitted when an issue is routed to human review
//
// File Locks:
//   - [LockGrantedEvent], [LockDeniedEvent], [LockReleasedEvent], [LockExpiredEvent]
//
// Verification:
//   - [VerificationEvent]: Emitted after each lint/tests/build gate
//
// Agent Activity:
//   - [AgentOutputEvent]: Emitted per line of agent output
//   - [AgentExitedEvent]: Emitted when an agent task finishes
//
// Review:
//   - [ReviewRequestedEvent]: Emitted when an issue parks for approval
//   - [ReviewDecisionEvent]: Emitted when a human approves or rejects
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Multiple goroutines can publish
// and subscribe concurrently. Handlers are called synchronously and protected
// against panics - a panicking handler will not prevent other handlers from
// being called.
//
// # Basic Usage
//
//	bus := event.NewBus()
//
//	// Subscribe to specific event types
//	bus.Subscribe("queue.claimed", func(e event.Event) {
//	    claimed := e.(event.IssueClaimedEvent)
//	    log.Printf("Worker %d claimed %s", claimed.WorkerID, claimed.IssueID)
//	})
//
//	// Subscribe to all events (useful for logging)
//	bus.SubscribeAll(func(e event.Event) {
//	    log.Printf("Event: %s at %v", e.EventType(), e.Timestamp())
//	})
//
//	// Publish events
//	bus.Publish(event.NewIssueClaimedEvent("AB-42", "Fix login crash", 0, 1))
//
//	// Unsubscribe when done
//	id := bus.Subscribe("review.decision", handler)
//	bus.Unsubscribe(id)
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action":
//   - session.status_changed
//   - queue.claimed, queue.requeued
//   - worker.phase_changed, worker.failed
//   - issue.completed, issue.human_review
//   - lock.granted, lock.denied, lock.released, lock.expired
//   - verify.completed
//   - agent.output, agent.exited
//   - review.requested, review.decision
package event
