package orchestrator

import (
	"context"
	"fmt"

	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/issue"
	"github.com/autobuildhq/autobuild/internal/ledger"
)

// activityEvents are the worker-side event types the orchestrator turns
// into ledger entries. Session status and review decisions are appended
// directly where they happen, so they are not in this list.
var activityEvents = []string{
	"queue.claimed",
	"queue.requeued",
	"worker.phase_changed",
	"worker.failed",
	"verify.completed",
	"review.requested",
	"issue.completed",
	"issue.human_review",
}

// subscribe forwards worker activity from the bus to the session
// goroutine. Bus handlers run on the publishing worker's goroutine, so
// the handler never blocks: under sustained overload events are dropped
// and counted rather than stalling a worker mid-phase.
func (o *Orchestrator) subscribe() {
	forward := func(e event.Event) {
		select {
		case o.events <- e:
		default:
			o.dropped.Add(1)
		}
	}
	for _, t := range activityEvents {
		o.bus.Subscribe(t, forward)
	}
}

// drainEvents handles everything already queued on the events channel.
// Called before report handling so ledger entries land in the order the
// worker produced them.
func (o *Orchestrator) drainEvents() {
	for {
		select {
		case e := <-o.events:
			o.handleEvent(e)
		default:
			return
		}
	}
}

// handleEvent translates one worker event into ledger entries, tracker
// mirroring, and snapshot persistence.
func (o *Orchestrator) handleEvent(e event.Event) {
	switch ev := e.(type) {
	case event.IssueClaimedEvent:
		o.entry(ledger.TypeInfo, fmt.Sprintf("claimed by worker %d (priority %s)", ev.WorkerID, issue.Priority(ev.Priority)), ev.IssueID)
		o.mirrorStatus(ev.IssueID, issue.StatusInProgress)
		o.persist()

	case event.IssueRequeuedEvent:
		o.entry(ledger.TypeWarning, "requeued: "+ev.Reason, ev.IssueID)
		o.mirrorStatus(ev.IssueID, issue.StatusOpen)
		o.persist()

	case event.WorkerPhaseEvent:
		o.entry(ledger.TypeInfo, fmt.Sprintf("worker %d: %s -> %s", ev.WorkerID, ev.PreviousPhase, ev.CurrentPhase), ev.IssueID)

	case event.WorkerFailedEvent:
		o.entry(ledger.TypeError, fmt.Sprintf("worker %d failed: %s", ev.WorkerID, ev.Reason), ev.IssueID)

	case event.VerificationEvent:
		if ev.Skipped {
			return
		}
		if ev.Passed {
			o.entry(ledger.TypeSuccess, ev.Gate+" passed", ev.IssueID)
		} else {
			o.entry(ledger.TypeWarning, ev.Gate+" failed", ev.IssueID)
		}

	case event.ReviewRequestedEvent:
		o.entry(ledger.TypeInfo, "waiting for human review", ev.IssueID)
		o.mirrorStatus(ev.IssueID, issue.StatusBlocked)
		o.persist()

	case event.IssueCompletedEvent:
		msg := "issue completed"
		if !ev.Committed {
			msg = "issue completed without a commit"
		}
		o.entry(ledger.TypeSuccess, msg, ev.IssueID)
		o.persist()

	case event.IssueEscalatedEvent:
		o.entry(ledger.TypeWarning, "needs human review: "+ev.Reason, ev.IssueID)
		o.persist()
	}
}

// entry appends one immutable activity record. The orchestrator is the
// ledger's only writer; every other component reads it.
func (o *Orchestrator) entry(t ledger.EntryType, message, issueID string) {
	if o.log == nil {
		return
	}
	if _, err := o.log.Append(ledger.NewEntry(t, message, issueID)); err != nil {
		o.logger.Warn("activity log append failed", "error", err)
	}
}

// mirrorStatus pushes an issue's partition move to the tracker. A
// conflict means the issue changed upstream since it was fetched: the
// pool is re-synced, and if the issue is parked in human review with no
// live worker it is requeued so the next attempt works from the fresh
// content.
func (o *Orchestrator) mirrorStatus(issueID string, st issue.Status) {
	if o.tracker == nil || issueID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	err := o.tracker.UpdateStatus(ctx, issueID, st)
	if err == nil {
		return
	}
	if !errors.IsConflict(err) {
		o.logger.Warn("tracker status update failed", "issue", issueID, "status", string(st), "error", err)
		o.entry(ledger.TypeWarning, "tracker update failed: "+err.Error(), issueID)
		return
	}

	o.logger.Warn("tracker conflict, re-syncing pool", "issue", issueID)
	o.entry(ledger.TypeWarning, "issue changed upstream; pool re-synced", issueID)
	o.refreshFromTracker()

	if o.queue.Manager().InReview(issueID) && !o.issueHeldByWorker(issueID) {
		if err := o.queue.Requeue(issueID, "tracker conflict"); err != nil {
			o.logger.Warn("requeue after tracker conflict failed", "issue", issueID, "error", err)
		}
	}
}

// refreshFromTracker replaces the pool's view of tracker content.
// Issues currently claimed by workers keep the content their run
// started with.
func (o *Orchestrator) refreshFromTracker() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	issues, err := o.tracker.List(ctx)
	if err != nil {
		o.logger.Warn("tracker re-fetch failed", "error", err)
		o.entry(ledger.TypeWarning, "tracker re-fetch failed: "+err.Error(), "")
		return
	}
	o.queue.Refresh(issues)
}

// issueHeldByWorker reports whether any live slot is processing the
// issue, parked or otherwise.
func (o *Orchestrator) issueHeldByWorker(issueID string) bool {
	for _, s := range o.slots {
		if s.busy && s.runner != nil && s.runner.IssueID() == issueID {
			return true
		}
	}
	return false
}
