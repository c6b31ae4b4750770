package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/issue"
	"github.com/autobuildhq/autobuild/internal/ledger"
	"github.com/autobuildhq/autobuild/internal/session"
	"github.com/autobuildhq/autobuild/internal/worker"
)

// Run executes the session goroutine until Stop or ctx cancellation. It
// drains active workers before returning, so the caller can treat its
// return as the session being fully torn down. Run may be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.launched.CompareAndSwap(false, true) {
		return errors.ErrSessionAlreadyRunning
	}
	defer close(o.done)

	o.runCtx, o.runCancel = context.WithCancel(ctx)
	defer o.runCancel()

	ticker := time.NewTicker(o.rescan)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			o.beginShutdown("context canceled")
		case fn := <-o.cmds:
			fn()
		case sr := <-o.reports:
			o.handleReport(sr)
		case e := <-o.events:
			o.handleEvent(e)
		case <-ticker.C:
			o.persistIfChanged()
			o.dispatch()
		}
		if o.closing && o.active == 0 {
			o.finalize()
			return nil
		}
	}
}

// startLocked transitions idle -> running.
func (o *Orchestrator) startLocked() error {
	if o.status != event.SessionIdle {
		return errors.ErrSessionAlreadyRunning
	}
	if o.startedAt.IsZero() {
		o.startedAt = time.Now()
	}
	o.park = make(chan struct{})
	o.setStatus(event.SessionRunning, "session started")
	o.dispatch()
	return nil
}

// pauseLocked transitions running -> paused and wakes workers waiting on
// file locks so they return their claims.
func (o *Orchestrator) pauseLocked() error {
	if o.status != event.SessionRunning {
		return errors.ErrSessionNotRunning
	}
	if o.park != nil {
		close(o.park)
		o.park = nil
	}
	o.setStatus(event.SessionPaused, "paused by operator")
	return nil
}

// resumeLocked transitions paused -> running.
func (o *Orchestrator) resumeLocked() error {
	if o.status != event.SessionPaused {
		return errors.ErrSessionNotPaused
	}
	o.park = make(chan struct{})
	o.setStatus(event.SessionRunning, "resumed by operator")
	o.dispatch()
	return nil
}

// beginShutdown starts the drain: no more claims, in-flight agent work is
// canceled, and Run exits once every slot has reported.
func (o *Orchestrator) beginShutdown(reason string) {
	if o.closing {
		return
	}
	o.closing = true
	o.stopReason = reason
	o.logger.Info("session stopping", "reason", reason, "active_workers", o.active)
	o.runCancel()
}

// finalize runs after the last worker report: collect the pool, release
// any leases left behind, persist the terminal snapshot, and notify
// stop waiters.
func (o *Orchestrator) finalize() {
	o.wg.Wait()

	if o.locks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		for _, s := range o.slots {
			if s.runner == nil {
				continue
			}
			if _, err := o.locks.Release(ctx, s.runner.Owner()); err != nil {
				o.logger.Warn("final lease release failed", "owner", s.runner.Owner(), "error", err)
			}
		}
	}

	o.drainEvents()
	o.setStatus(event.SessionIdle, o.stopReason)
	if n := o.dropped.Load(); n > 0 {
		o.logger.Warn("activity events dropped under load", "count", n)
	}
	for _, waiter := range o.stopWaiters {
		waiter <- nil
	}
	o.stopWaiters = nil
	o.logger.Info("session stopped")
}

// approveLocked routes a review decision to the worker parked on the
// issue, or requeues an unparked human-review issue on rejection.
func (o *Orchestrator) approveLocked(issueID string, approved, requeue bool, feedback string) error {
	for _, s := range o.slots {
		if !s.busy || s.runner == nil || s.runner.IssueID() != issueID {
			continue
		}
		if s.runner.Phase() != worker.PhaseReviewing {
			break
		}
		if !s.runner.SubmitDecision(worker.ReviewDecision{Approved: approved, Requeue: requeue, Feedback: feedback}) {
			break
		}
		o.entry(decisionEntryType(approved), decisionMessage(approved, requeue, feedback), issueID)
		return nil
	}

	// No live review holds the issue. A rejection with requeue still
	// works against the human-review partition; an approval cannot,
	// because the working tree from that run is gone.
	if o.queue.Manager().InReview(issueID) {
		if !approved && requeue {
			if err := o.queue.Requeue(issueID, "review rejected"); err != nil {
				return err
			}
			// The requeue event carries the partition move into the
			// ledger and the tracker; this entry records the decision.
			o.entry(ledger.TypeWarning, decisionMessage(false, true, feedback), issueID)
			o.dispatch()
			return nil
		}
		if approved {
			return errors.NewValidationError("no live review holds this issue; requeue it for a fresh run instead").
				WithField("issue").WithValue(issueID)
		}
		// Rejected without requeue: already where it belongs.
		o.entry(ledger.TypeWarning, decisionMessage(false, false, feedback), issueID)
		return nil
	}
	if _, known := o.queue.Manager().Get(issueID); !known {
		return errors.NewNotFoundError("issue", issueID)
	}
	return errors.NewValidationError("issue is not awaiting review").
		WithField("issue").WithValue(issueID)
}

// commitLocked releases a worker parked at the commit boundary.
func (o *Orchestrator) commitLocked(issueID string) error {
	for _, s := range o.slots {
		if !s.busy || s.runner == nil || s.runner.IssueID() != issueID {
			continue
		}
		if s.runner.Phase() != worker.PhaseCommitting {
			break
		}
		if !s.runner.TriggerCommit() {
			break
		}
		o.entry(ledger.TypeInfo, "commit triggered by operator", issueID)
		return nil
	}
	if _, known := o.queue.Manager().Get(issueID); !known {
		return errors.NewNotFoundError("issue", issueID)
	}
	return errors.NewValidationError("issue is not parked at the commit boundary").
		WithField("issue").WithValue(issueID)
}

// settingsLocked applies a settings update.
func (o *Orchestrator) settingsLocked(s session.Settings) error {
	o.settings = s.Normalize()
	o.queue.Manager().SetThreshold(issue.Priority(o.settings.PriorityThreshold))
	o.entry(ledger.TypeInfo, "settings updated", "")
	o.logger.Info("settings updated",
		"max_concurrent", o.settings.MaxConcurrentIssues,
		"max_retries", o.settings.MaxRetries,
		"priority_threshold", o.settings.PriorityThreshold,
		"auto_commit", o.settings.AutoCommit,
		"require_review", o.settings.RequireHumanReview)
	o.persist()
	o.dispatch()
	return nil
}

// addIssuesLocked registers issues with the pool.
func (o *Orchestrator) addIssuesLocked(issues []*issue.Issue) error {
	for _, is := range issues {
		if err := is.Validate(); err != nil {
			return err
		}
	}
	o.queue.Add(issues...)
	o.entry(ledger.TypeInfo, fmt.Sprintf("%d issue(s) added to the pool", len(issues)), "")
	o.persist()
	o.dispatch()
	return nil
}

// statusLocked assembles a Status snapshot.
func (o *Orchestrator) statusLocked() Status {
	return Status{
		SessionID: o.sessionID,
		Status:    o.status,
		Settings:  o.settings,
		Counts:    o.queue.Counts(),
		Workers:   o.workerStates(),
		StartedAt: o.startedAt,
	}
}

// workerStates snapshots every slot that has run at least once.
func (o *Orchestrator) workerStates() []session.WorkerState {
	states := make([]session.WorkerState, 0, len(o.slots))
	for _, s := range o.slots {
		if s.runner == nil {
			continue
		}
		states = append(states, s.runner.State())
	}
	return states
}

// dispatch fills free pool capacity with claim attempts while the
// session is running and eligible issues remain.
func (o *Orchestrator) dispatch() {
	if o.status != event.SessionRunning || o.closing {
		return
	}
	for o.active < o.settings.MaxConcurrentIssues && o.queue.Counts().Eligible > 0 {
		s := o.freeSlot()
		if s == nil {
			return
		}
		o.spawn(s)
	}
}

// freeSlot returns the lowest free slot, growing the pool up to the
// configured size. Returns nil when every slot is busy.
func (o *Orchestrator) freeSlot() *slot {
	for _, s := range o.slots {
		if !s.busy {
			return s
		}
	}
	if len(o.slots) < o.settings.MaxConcurrentIssues {
		s := &slot{id: len(o.slots)}
		o.slots = append(o.slots, s)
		return s
	}
	return nil
}

// spawn hands a slot one claim-and-process cycle on its own goroutine.
// A panic inside the runner is converted into a failure report and the
// runner is retired, so one broken worker cannot take the session down.
func (o *Orchestrator) spawn(s *slot) {
	if s.runner == nil {
		s.runner = o.factory(s.id)
	}
	s.busy = true
	o.active++

	runner := s.runner
	settings := o.settings
	park := o.park
	runCtx := o.runCtx
	o.wg.Go(func() {
		sr := slotReport{report: worker.Report{WorkerID: runner.ID(), Outcome: worker.OutcomeNoWork}}
		defer func() {
			if rec := recover(); rec != nil {
				sr.panicked = true
				sr.report.IssueID = runner.IssueID()
				sr.report.Outcome = worker.OutcomeFailed
				sr.report.Reason = fmt.Sprintf("worker panic: %v", rec)
				sr.report.Err = fmt.Errorf("worker %d panic: %v", runner.ID(), rec)
			}
			o.reports <- sr
		}()
		sr.report = runner.RunOnce(runCtx, settings, park)
	})
}

// handleReport settles one finished worker cycle: free the slot, absorb
// any pending activity events first so the ledger reads in order, apply
// the error taxonomy, and look for more work.
func (o *Orchestrator) handleReport(sr slotReport) {
	o.drainEvents()

	rep := sr.report
	s := o.slotFor(rep.WorkerID)
	if s != nil {
		s.busy = false
		o.active--
		if sr.panicked {
			o.retireSlot(s, rep)
		}
	}

	switch rep.Outcome {
	case worker.OutcomeNoWork:
		// Nothing claimed; the next dispatch is event-driven.
	case worker.OutcomeCompleted:
		o.mirrorStatus(rep.IssueID, issue.StatusClosed)
		o.persist()
	case worker.OutcomeReview, worker.OutcomeFailed:
		o.checkInfrastructure(rep.Err)
		o.mirrorStatus(rep.IssueID, issue.StatusBlocked)
		o.persist()
	case worker.OutcomeRequeued:
		o.checkInfrastructure(rep.Err)
		o.persist()
	}

	o.dispatch()
}

// slotFor returns the slot with the given id, if it exists.
func (o *Orchestrator) slotFor(id int) *slot {
	if id < 0 || id >= len(o.slots) {
		return nil
	}
	return o.slots[id]
}

// retireSlot cleans up after a panicked runner: its claim, if any, is
// escalated to human review, its leases are released, and the runner is
// discarded so the next dispatch builds a fresh one.
func (o *Orchestrator) retireSlot(s *slot, rep worker.Report) {
	o.logger.Error("worker retired after panic", "worker", s.id, "issue", rep.IssueID, "reason", rep.Reason)
	o.entry(ledger.TypeError, rep.Reason, rep.IssueID)

	if rep.IssueID != "" {
		if err := o.queue.RequireReview(rep.IssueID); err != nil {
			o.logger.Warn("escalating panicked claim failed", "issue", rep.IssueID, "error", err)
		}
	}
	if o.locks != nil && s.runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if _, err := o.locks.Release(ctx, s.runner.Owner()); err != nil {
			o.logger.Warn("releasing panicked worker leases failed", "owner", s.runner.Owner(), "error", err)
		}
	}
	s.runner = nil
}

// checkInfrastructure escalates coordinator faults to a session error,
// which halts new claims while active workers drain.
func (o *Orchestrator) checkInfrastructure(err error) {
	if err == nil || o.status == event.SessionError {
		return
	}
	var ce *errors.CoordinatorError
	if !errors.As(err, &ce) {
		return
	}
	o.entry(ledger.TypeError, "file coordinator unavailable: "+ce.Error(), "")
	o.setStatus(event.SessionError, "file coordinator unavailable")
}

// setStatus applies a session status transition, announces it, records
// it, and persists the snapshot.
func (o *Orchestrator) setStatus(next event.SessionStatus, reason string) {
	if o.status == next {
		return
	}
	prev := o.status
	o.status = next
	o.logger.Info("session status changed", "from", string(prev), "to", string(next), "reason", reason)
	o.bus.Publish(event.NewSessionStatusEvent(o.sessionID, prev, next, reason))

	t := ledger.TypeInfo
	if next == event.SessionError {
		t = ledger.TypeError
	}
	o.entry(t, fmt.Sprintf("session %s: %s", next, reason), "")
	o.persist()
}

// persist writes the current session snapshot.
func (o *Orchestrator) persist() {
	if o.store == nil {
		return
	}
	snap := &session.Snapshot{
		ID:        o.sessionID,
		Status:    string(o.status),
		Settings:  o.settings,
		Queue:     o.queue.Snapshot(),
		Workers:   o.workerStates(),
		StartedAt: o.startedAt,
		UpdatedAt: time.Now(),
	}
	if err := o.store.Save(snap); err != nil {
		o.logger.Error("session snapshot save failed", "error", err)
		return
	}
	o.lastSaved = savedState{
		valid:    true,
		status:   o.status,
		settings: o.settings,
		queue:    o.queue.Counts(),
	}
}

// persistIfChanged saves on the rescan tick only when something moved
// since the last write. Catches partition changes whose activity events
// were dropped under load.
func (o *Orchestrator) persistIfChanged() {
	if o.store == nil {
		return
	}
	if o.lastSaved.valid &&
		o.lastSaved.status == o.status &&
		o.lastSaved.settings == o.settings &&
		o.lastSaved.queue == o.queue.Counts() {
		return
	}
	o.persist()
}

// decisionEntryType classifies a review decision for the ledger.
func decisionEntryType(approved bool) ledger.EntryType {
	if approved {
		return ledger.TypeInfo
	}
	return ledger.TypeWarning
}

// decisionMessage renders a review decision for the ledger.
func decisionMessage(approved, requeue bool, feedback string) string {
	var msg string
	switch {
	case approved:
		msg = "review approved"
	case requeue:
		msg = "review rejected, issue requeued"
	default:
		msg = "review rejected, issue left in human review"
	}
	if feedback != "" {
		msg += ": " + feedback
	}
	return msg
}

// restoreMessage renders the session-restored ledger line.
func restoreMessage(inFlight int) string {
	if inFlight == 0 {
		return "session restored from snapshot"
	}
	return fmt.Sprintf("session restored from snapshot; %d in-flight issue(s) requeued", inFlight)
}
