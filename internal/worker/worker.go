// Package worker drives one issue at a time through the processing
// pipeline: claim, lock acquisition, agent invocation, verification,
// review, commit.
//
// # Phase machine
//
// A worker is a small state machine (see Phase and CanTransition). The
// orchestrator runs one Worker per slot and calls RunOnce in a loop; each
// call claims at most one issue and drives it to a terminal outcome,
// returned as a Report. The long-running phases are suspension points:
// working and fixing run until the agent finishes, testing until the
// gates finish, reviewing parks until a decision arrives through
// SubmitDecision, and committing parks until TriggerCommit when
// automatic commits are disabled.
//
// # Coordination
//
// Workers share one working tree. Before the agent runs, the worker
// leases the issue's declared file scope (or the workdir root) from the
// lock coordinator, all or nothing, and heartbeats the leases for as long
// as it works. A denied lease set parks the worker in selecting with
// jittered backoff; it never proceeds with a partial grant. Claims and
// partition moves go through the issue queue, so workers never talk to
// each other directly.
package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/autobuildhq/autobuild/internal/agent"
	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/filelock"
	"github.com/autobuildhq/autobuild/internal/issue"
	"github.com/autobuildhq/autobuild/internal/logging"
	"github.com/autobuildhq/autobuild/internal/session"
	"github.com/autobuildhq/autobuild/internal/verify"
)

// Default pacing for lock acquisition backoff and lease renewal.
const (
	defaultBackoffBase   = 250 * time.Millisecond
	defaultBackoffMax    = 5 * time.Second
	defaultRenewInterval = 2 * time.Minute
	releaseTimeout       = 10 * time.Second
)

// IssueQueue is the slice of the queue manager a worker consumes:
// claiming, plus the partition moves a worker performs on its own issue.
// queue.EventManager satisfies it and publishes claim and requeue events
// on the way through.
type IssueQueue interface {
	Claim(workerID int) (*issue.Issue, bool)
	Release(id, reason string) error
	Complete(id string) error
	RequireReview(id string) error
	Requeue(id, reason string) error
}

// GateRunner runs the verification gate sequence.
type GateRunner interface {
	Run(ctx context.Context, req verify.Request) (*verify.Result, error)
}

// ProgressRecorder persists human-readable progress notes per issue.
type ProgressRecorder interface {
	Write(rec session.ProgressRecord) error
	Remove(issueID string) error
}

// ModificationSource attributes observed file changes to lock owners.
// The filesystem watcher implements it.
type ModificationSource interface {
	FilesModifiedBy(workerID string) []string
	Reset(workerID string)
}

// ReviewDecision resolves a worker parked in the reviewing phase.
type ReviewDecision struct {
	// Approved moves the issue on to committing.
	Approved bool

	// Requeue sends a rejected issue back to the queue for another
	// attempt instead of leaving it in human review.
	Requeue bool

	// Feedback is the reviewer's note, recorded in the ledger.
	Feedback string
}

// Deps are the collaborators a worker needs. Queue, Locks, Agent, Gates
// and Committer are required; the rest may be nil.
type Deps struct {
	Queue     IssueQueue
	Locks     filelock.Coordinator
	Agent     agent.Runner
	Gates     GateRunner
	Committer Committer
	Progress  ProgressRecorder
	Watch     ModificationSource
	Bus       *event.Bus
	Logger    *logging.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithBackoff overrides the lock acquisition backoff window.
func WithBackoff(base, max time.Duration) Option {
	return func(w *Worker) {
		if base > 0 {
			w.backoffBase = base
		}
		if max > 0 {
			w.backoffMax = max
		}
	}
}

// WithRenewInterval overrides the lease renewal heartbeat. Zero or
// negative disables renewal.
func WithRenewInterval(d time.Duration) Option {
	return func(w *Worker) { w.renewInterval = d }
}

// WithGateRequest seeds the verification request template, fixing which
// gates are enabled. The per-run fields are filled by the worker.
func WithGateRequest(req verify.Request) Option {
	return func(w *Worker) { w.gateTemplate = req }
}

// Worker drives one issue at a time from claim to a terminal outcome.
// One Worker serves one slot for the life of a session; its phase,
// issue binding and retry count are observable between and during runs.
type Worker struct {
	id      int
	owner   string
	workDir string

	queue     IssueQueue
	locks     filelock.Coordinator
	agents    agent.Runner
	gates     GateRunner
	committer Committer
	progress  ProgressRecorder
	watch     ModificationSource
	bus       *event.Bus
	logger    *logging.Logger

	gateTemplate  verify.Request
	backoffBase   time.Duration
	backoffMax    time.Duration
	renewInterval time.Duration

	mu         sync.Mutex
	phase      Phase
	issueID    string
	retryCount int
	decisionCh chan ReviewDecision
	commitCh   chan struct{}
}

// New creates a worker for the given slot operating in workDir.
func New(id int, workDir string, deps Deps, opts ...Option) *Worker {
	w := &Worker{
		id:            id,
		owner:         fmt.Sprintf("worker-%d", id),
		workDir:       workDir,
		queue:         deps.Queue,
		locks:         deps.Locks,
		agents:        deps.Agent,
		gates:         deps.Gates,
		committer:     deps.Committer,
		progress:      deps.Progress,
		watch:         deps.Watch,
		bus:           deps.Bus,
		logger:        deps.Logger,
		gateTemplate:  verify.Request{RunLint: true, RunTests: true, RunBuild: true},
		backoffBase:   defaultBackoffBase,
		backoffMax:    defaultBackoffMax,
		renewInterval: defaultRenewInterval,
		phase:         PhaseIdle,
	}
	if w.logger == nil {
		w.logger = logging.NopLogger()
	}
	w.logger = w.logger.WithWorker(id)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's slot number.
func (w *Worker) ID() int { return w.id }

// Owner returns the identity used for leases and watcher attribution.
func (w *Worker) Owner() string { return w.owner }

// Phase returns the current phase.
func (w *Worker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// IssueID returns the issue currently bound to the worker, or empty.
func (w *Worker) IssueID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.issueID
}

// RetryCount returns the fix attempts consumed for the current issue.
func (w *Worker) RetryCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retryCount
}

// State returns the worker's row for session snapshots.
func (w *Worker) State() session.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return session.WorkerState{
		Slot:       w.id,
		Phase:      string(w.phase),
		IssueID:    w.issueID,
		RetryCount: w.retryCount,
	}
}

// SubmitDecision resolves a worker parked in reviewing. It reports false
// when the worker is not waiting for a decision.
func (w *Worker) SubmitDecision(d ReviewDecision) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseReviewing || w.decisionCh == nil {
		return false
	}
	select {
	case w.decisionCh <- d:
		return true
	default:
		return false
	}
}

// TriggerCommit releases a worker holding at the commit boundary. It
// reports false when the worker is not holding there.
func (w *Worker) TriggerCommit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != PhaseCommitting || w.commitCh == nil {
		return false
	}
	select {
	case w.commitCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunOnce claims at most one issue and drives it to a terminal outcome.
// It returns immediately with OutcomeNoWork when nothing is eligible.
//
// The park channel asks the worker to wind down at the next safe point:
// while waiting on locks the claim is returned to the queue and the call
// ends; once locks are held the issue runs to its terminal outcome.
// Cancelling ctx stops the run wherever it is; an issue interrupted
// mid-work is requeued, one parked in review stays there.
func (w *Worker) RunOnce(ctx context.Context, settings session.Settings, park <-chan struct{}) Report {
	is, ok := w.queue.Claim(w.id)
	if !ok {
		return Report{WorkerID: w.id, Outcome: OutcomeNoWork}
	}
	w.begin(is.ID)
	defer w.end()

	r := &run{
		w:        w,
		is:       is,
		settings: settings.Normalize(),
		log:      w.logger.WithIssue(is.ID),
		park:     park,
	}
	return r.process(ctx)
}

// begin moves idle to selecting and binds the claimed issue.
func (w *Worker) begin(issueID string) {
	w.mu.Lock()
	from := w.phase
	w.phase = PhaseSelecting
	w.issueID = issueID
	w.retryCount = 0
	w.mu.Unlock()

	if w.watch != nil {
		w.watch.Reset(w.owner)
	}
	w.publishPhase(from, PhaseSelecting, issueID, 0)
}

// end returns the worker to idle and clears per-issue state so the slot
// is reusable.
func (w *Worker) end() {
	w.mu.Lock()
	from := w.phase
	issueID := w.issueID
	retry := w.retryCount
	w.phase = PhaseIdle
	w.issueID = ""
	w.retryCount = 0
	w.decisionCh = nil
	w.commitCh = nil
	w.mu.Unlock()

	if from != PhaseIdle {
		w.publishPhase(from, PhaseIdle, issueID, retry)
	}
}

// setPhase applies a transition and publishes it. An edge outside the
// machine's set indicates a worker bug; it is logged loudly and applied
// so the run can still reach a terminal state.
func (w *Worker) setPhase(to Phase) {
	w.mu.Lock()
	from := w.phase
	if from == to {
		w.mu.Unlock()
		return
	}
	legal := CanTransition(from, to)
	w.phase = to
	issueID := w.issueID
	retry := w.retryCount
	w.mu.Unlock()

	if !legal {
		w.logger.Error("illegal phase transition",
			"from", string(from), "to", string(to), "issue", issueID)
	}
	w.publishPhase(from, to, issueID, retry)
}

func (w *Worker) publishPhase(from, to Phase, issueID string, retry int) {
	w.logger.Debug("phase transition",
		"from", string(from), "to", string(to), "issue", issueID)
	w.publish(event.NewWorkerPhaseEvent(w.id, issueID, event.Phase(from), event.Phase(to), retry))
}

func (w *Worker) publish(e event.Event) {
	if w.bus != nil {
		w.bus.Publish(e)
	}
}

// bumpRetry consumes one fix attempt.
func (w *Worker) bumpRetry() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retryCount++
	return w.retryCount
}

// acquireLocks requests the full lease set, backing off with jitter while
// it is contended. It returns false without error when ctx is cancelled
// or the park signal fires before a grant.
func (w *Worker) acquireLocks(ctx context.Context, paths []string, park <-chan struct{}) (bool, error) {
	backoff := w.backoffBase
	for {
		granted, err := w.locks.Acquire(ctx, w.owner, paths)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}

		delay := backoff
		if half := backoff / 2; half > 0 {
			delay += rand.N(half)
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-park:
			return false, nil
		case <-time.After(delay):
		}
		backoff = min(backoff*2, w.backoffMax)
	}
}

// renewLoop heartbeats the coordinator so leases outlive long agent
// turns. Renewal failures are logged and retried on the next tick.
func (w *Worker) renewLoop(ctx context.Context) {
	if w.renewInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.locks.Renew(ctx, w.owner); err != nil {
				w.logger.Warn("lease renewal failed", "error", err)
			}
		}
	}
}

// releaseLocks frees the worker's lease set. A fresh context is used so
// release still reaches the coordinator after the run's context is gone.
func (w *Worker) releaseLocks(log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if n, err := w.locks.Release(ctx, w.owner); err != nil {
		log.Warn("lease release failed", "error", err)
	} else if n > 0 {
		log.Debug("leases released", "count", n)
	}
}

func (w *Worker) removeProgress(issueID string) {
	if w.progress == nil {
		return
	}
	if err := w.progress.Remove(issueID); err != nil {
		w.logger.Warn("progress record removal failed", "issue", issueID, "error", err)
	}
}

// scopeFor derives the lease set: the issue's declared files, or the
// workdir root when the issue does not say what it touches.
func scopeFor(is *issue.Issue) []string {
	if len(is.Files) > 0 {
		return slices.Clone(is.Files)
	}
	return []string{"."}
}

// run is the state of one issue pass through the pipeline.
type run struct {
	w        *Worker
	is       *issue.Issue
	settings session.Settings
	log      *logging.Logger
	park     <-chan struct{}

	files     []string
	summary   string
	vres      *verify.Result
	done      []string
	committed bool
	reviewed  bool
}

// process drives the claimed issue to a terminal outcome.
func (r *run) process(ctx context.Context) Report {
	w := r.w
	r.log.Info("issue claimed", "title", r.is.Title, "priority", int(r.is.Priority))

	r.step("claimed")
	scope := scopeFor(r.is)
	r.progress("acquiring file locks", "invoke agent once the lease set is granted")

	granted, err := w.acquireLocks(ctx, scope, r.park)
	if err != nil {
		return r.release("file coordinator unavailable", err)
	}
	if !granted {
		return r.release("parked before locks were granted", nil)
	}
	r.step(fmt.Sprintf("leased %d paths", len(scope)))
	r.log.Debug("lease set granted", "paths", scope)

	renewCtx, stopRenew := context.WithCancel(ctx)
	go w.renewLoop(renewCtx)
	defer func() {
		stopRenew()
		w.releaseLocks(r.log)
	}()

	fix := false
	failure := ""
	for {
		if fix {
			w.setPhase(PhaseFixing)
			r.progress("agent remediating failed verification", "re-run verification gates")
		} else {
			w.setPhase(PhaseWorking)
			r.progress("agent working", "run verification gates")
		}

		result, err := r.runAgent(ctx, fix, failure)
		if err != nil {
			if ctx.Err() != nil {
				return r.release("session stopped mid-run", err)
			}
			if errors.Is(err, errors.ErrAgentStartFailed) || !errors.IsRetryable(err) {
				return r.fail("agent invocation failed", err)
			}
			if w.RetryCount() >= r.settings.MaxRetries {
				return r.parkForReview(ctx, fmt.Sprintf("agent failed with retries exhausted: %v", err))
			}
			w.bumpRetry()
			fix, failure = true, err.Error()
			r.log.Warn("agent attempt failed, dispatching fix",
				"error", err, "retry", w.RetryCount())
			continue
		}

		r.files = r.mergeModified(result.FilesModified)
		r.summary = result.Summary
		w.publish(event.NewAgentExitedEvent(w.id, r.is.ID, true, r.files))
		if r.summary != "" {
			r.step("agent finished: " + r.summary)
		} else {
			r.step("agent finished")
		}

		w.setPhase(PhaseTesting)
		r.progress("running verification gates", "commit or review depending on the outcome")

		req := w.gateTemplate
		req.IgnoreUnrelated = r.settings.IgnoreUnrelatedFailures
		req.FilesModified = r.files
		vres, verr := w.gates.Run(ctx, req)
		if verr != nil {
			return r.release("session stopped during verification", verr)
		}
		r.vres = vres
		r.publishGates()

		if vres.Passed() {
			r.step("verification passed")
			break
		}

		failed, _ := vres.FirstFailure()
		failure = vres.FailureOutput()
		r.step(string(failed.Gate) + " gate failed")
		if w.RetryCount() >= r.settings.MaxRetries {
			return r.parkForReview(ctx,
				fmt.Sprintf("verification failed after %d fix attempts", w.RetryCount()))
		}
		w.bumpRetry()
		fix = true
		r.log.Info("verification failed, dispatching fix",
			"gate", string(failed.Gate), "retry", w.RetryCount())
	}

	if r.settings.RequireHumanReview {
		return r.parkForReview(ctx, "verification passed, approval required")
	}
	return r.commitAndComplete(ctx)
}

// runAgent performs one agent invocation, forwarding output lines to the
// bus as they arrive.
func (r *run) runAgent(ctx context.Context, fix bool, failure string) (*agent.Result, error) {
	w := r.w
	task, err := w.agents.Start(ctx, agent.Request{
		Issue:         r.is,
		WorkDir:       w.workDir,
		Fix:           fix,
		FailureOutput: failure,
	})
	if err != nil {
		return nil, err
	}
	for e := range task.Events() {
		if e.Kind == agent.EventOutput {
			w.publish(event.NewAgentOutputEvent(w.id, r.is.ID, e.Message))
		}
	}
	return task.Wait()
}

// mergeModified unions the agent's self-report with watcher attribution
// into a sorted, deduplicated set.
func (r *run) mergeModified(reported []string) []string {
	merged := slices.Clone(reported)
	if r.w.watch != nil {
		merged = append(merged, r.w.watch.FilesModifiedBy(r.w.owner)...)
	}
	slices.Sort(merged)
	return slices.Compact(merged)
}

func (r *run) publishGates() {
	for _, g := range r.vres.Gates() {
		r.w.publish(event.NewVerificationEvent(
			r.is.ID, r.w.id, string(g.Gate), g.Success, g.Skipped, g.Output))
	}
}

// parkForReview moves the issue into the human-review partition and
// parks until a decision arrives. The lease set stays held so an
// approved commit operates on the exact tree that was reviewed.
func (r *run) parkForReview(ctx context.Context, reason string) Report {
	w := r.w
	w.mu.Lock()
	ch := make(chan ReviewDecision, 1)
	w.decisionCh = ch
	w.mu.Unlock()
	w.setPhase(PhaseReviewing)

	r.moveToReview()
	w.publish(event.NewReviewRequestedEvent(r.is.ID, w.id, reason))
	r.progress("awaiting human review: "+reason, "approve, or reject with optional requeue")
	r.log.Info("issue parked for review", "reason", reason)

	select {
	case <-ctx.Done():
		// The issue stays in human review; the next session picks the
		// decision up.
		return r.report(OutcomeReview, reason, nil)
	case d := <-ch:
		w.mu.Lock()
		w.decisionCh = nil
		w.mu.Unlock()
		w.publish(event.NewReviewDecisionEvent(r.is.ID, d.Approved, d.Requeue, d.Feedback))

		if d.Approved {
			r.log.Info("review approved", "feedback", d.Feedback)
			return r.commitAndComplete(ctx)
		}
		if d.Requeue {
			if err := w.queue.Requeue(r.is.ID, "review rejected"); err != nil {
				r.log.Warn("requeue after rejection failed", "error", err)
			}
			w.removeProgress(r.is.ID)
			r.log.Info("review rejected", "requeue", true, "feedback", d.Feedback)
			return r.report(OutcomeRequeued, withFeedback("review rejected, requeued", d.Feedback), nil)
		}
		r.log.Info("review rejected", "requeue", false, "feedback", d.Feedback)
		return r.report(OutcomeReview, withFeedback("review rejected, left for human follow-up", d.Feedback), nil)
	}
}

// commitAndComplete drives the committing boundary and the final
// partition move. With automatic commits disabled the worker parks here
// until an explicit trigger arrives.
func (r *run) commitAndComplete(ctx context.Context) Report {
	w := r.w
	var commitGate chan struct{}
	if !r.settings.AutoCommit {
		commitGate = make(chan struct{}, 1)
		w.mu.Lock()
		w.commitCh = commitGate
		w.mu.Unlock()
	}
	w.setPhase(PhaseCommitting)

	if commitGate != nil {
		r.progress("holding at commit boundary", "trigger the commit to finish the issue")
		r.log.Info("automatic commits disabled, holding at commit boundary")
		select {
		case <-ctx.Done():
			return r.holdUncommitted("session stopped at commit boundary")
		case <-commitGate:
			w.mu.Lock()
			w.commitCh = nil
			w.mu.Unlock()
		}
	}

	if err := w.committer.Commit(ctx, r.is, r.summary, r.files); err != nil {
		return r.fail("commit failed", err)
	}
	r.committed = true
	r.step("committed")

	w.setPhase(PhaseDone)
	if err := w.queue.Complete(r.is.ID); err != nil {
		r.log.Warn("completion partition move failed", "error", err)
	}
	w.publish(event.NewIssueCompletedEvent(r.is.ID, w.id, true, r.summary))
	w.removeProgress(r.is.ID)
	r.log.Info("issue completed", "summary", r.summary)
	return r.report(OutcomeCompleted, "", nil)
}

// holdUncommitted surfaces work that finished but was never committed.
// The issue lands in human review so the next session can decide what to
// do with the uncommitted tree.
func (r *run) holdUncommitted(reason string) Report {
	r.moveToReview()
	r.log.Info("stopping with uncommitted work", "reason", reason)
	return r.report(OutcomeReview, reason, nil)
}

// fail escalates an unrecoverable error: the issue lands in human review
// with the failure recorded and the worker slot frees up.
func (r *run) fail(msg string, err error) Report {
	w := r.w
	w.setPhase(PhaseFailed)
	r.log.Error(msg, "error", err)
	w.publish(event.NewWorkerFailedEvent(w.id, r.is.ID, msg))
	r.moveToReview()
	w.publish(event.NewIssueEscalatedEvent(r.is.ID, w.id, msg))
	r.progress("failed: "+msg, "inspect the error and decide whether to requeue")
	return r.report(OutcomeFailed, msg, err)
}

// release returns the claimed issue to the queue and reports.
func (r *run) release(reason string, err error) Report {
	w := r.w
	if qerr := w.queue.Release(r.is.ID, reason); qerr != nil {
		r.log.Warn("claim release failed", "error", qerr)
	}
	w.removeProgress(r.is.ID)
	r.log.Info("issue requeued", "reason", reason)
	return r.report(OutcomeRequeued, reason, err)
}

// moveToReview places the issue in the human-review partition once per
// run; later calls are no-ops.
func (r *run) moveToReview() {
	if r.reviewed {
		return
	}
	if err := r.w.queue.RequireReview(r.is.ID); err != nil {
		r.log.Warn("human-review partition move failed", "error", err)
		return
	}
	r.reviewed = true
}

// report assembles the Report for the run's current state.
func (r *run) report(outcome Outcome, reason string, err error) Report {
	return Report{
		WorkerID:      r.w.id,
		IssueID:       r.is.ID,
		Outcome:       outcome,
		Reason:        reason,
		Summary:       r.summary,
		Committed:     r.committed,
		RetryCount:    r.w.RetryCount(),
		FilesModified: r.files,
		Verification:  r.vres,
		Err:           err,
	}
}

// step records one finished milestone for the progress file.
func (r *run) step(s string) {
	r.done = append(r.done, s)
}

// progress writes the issue's progress record. Failures are logged and
// swallowed; progress files are advisory.
func (r *run) progress(step, next string) {
	w := r.w
	if w.progress == nil {
		return
	}
	err := w.progress.Write(session.ProgressRecord{
		Issue: r.is.ID,
		Step:  step,
		Done:  slices.Clone(r.done),
		Next:  next,
	})
	if err != nil {
		r.log.Warn("progress record write failed", "error", err)
	}
}

func withFeedback(reason, feedback string) string {
	if feedback == "" {
		return reason
	}
	return reason + ": " + feedback
}
