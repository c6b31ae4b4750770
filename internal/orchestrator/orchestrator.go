// Package orchestrator owns the AutoBuild session: its status, its worker
// pool, and the bookkeeping every other component reports into.
//
// # Actor model
//
// All session state lives inside a single goroutine, started by [Run].
// Public methods never touch that state directly; they submit a closure
// over the command channel and wait for its reply. Worker goroutines hand
// results back the same way, over a reports channel, so the session
// aggregate needs no mutex. The only true mutual exclusion in the system
// stays in the file coordinator, which also serves out-of-process callers.
//
// # Lifecycle
//
// A session moves idle -> running -> paused/error, paused -> running, and
// any status -> idle on stop. Stop cancels in-flight agent invocations,
// waits for every worker to reach a safe stopping point, releases their
// leases, persists a final snapshot, and returns from Run.
package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/autobuildhq/autobuild/internal/agent"
	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/filelock"
	"github.com/autobuildhq/autobuild/internal/issue"
	"github.com/autobuildhq/autobuild/internal/ledger"
	"github.com/autobuildhq/autobuild/internal/logging"
	"github.com/autobuildhq/autobuild/internal/queue"
	"github.com/autobuildhq/autobuild/internal/session"
	"github.com/autobuildhq/autobuild/internal/worker"
	"github.com/sourcegraph/conc"
)

const (
	// defaultRescanInterval paces the safety-net dispatch and dirty-check
	// persistence tick.
	defaultRescanInterval = 2 * time.Second

	// mirrorTimeout bounds tracker calls made from the session goroutine.
	mirrorTimeout = 5 * time.Second

	// eventBuffer sizes the bus-to-actor channel. Worker events are
	// dropped, not blocked on, if the actor falls this far behind.
	eventBuffer = 256
)

// Runner is the slice of a worker the orchestrator drives. *worker.Worker
// implements it; tests substitute scripted runners.
type Runner interface {
	ID() int
	Owner() string
	Phase() worker.Phase
	IssueID() string
	State() session.WorkerState
	RunOnce(ctx context.Context, settings session.Settings, park <-chan struct{}) worker.Report
	SubmitDecision(d worker.ReviewDecision) bool
	TriggerCommit() bool
}

var _ Runner = (*worker.Worker)(nil)

// Factory builds the runner for a worker slot. Slots are created lazily
// as the pool grows and kept for the life of the session.
type Factory func(slot int) Runner

// Deps are the orchestrator's collaborators. Queue, Locks, Agent, Gates
// and Committer are required. Tracker, Watch, Progress, Store and Ledger
// may be nil; the matching features are skipped.
type Deps struct {
	SessionID string
	WorkDir   string
	Settings  session.Settings

	Queue     *queue.EventManager
	Tracker   issue.Tracker
	Locks     filelock.Coordinator
	Agent     agent.Runner
	Gates     worker.GateRunner
	Committer worker.Committer
	Watch     worker.ModificationSource
	Progress  *session.ProgressWriter
	Store     *session.Store
	Ledger    *ledger.Log
	Bus       *event.Bus
	Logger    *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFactory replaces how worker slots are built. Used by tests to
// substitute scripted runners.
func WithFactory(f Factory) Option {
	return func(o *Orchestrator) { o.factory = f }
}

// WithWorkerOptions passes options through to every worker the default
// factory builds.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(o *Orchestrator) { o.workerOpts = opts }
}

// WithRescanInterval overrides the dispatch/persistence safety tick.
func WithRescanInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.rescan = d
		}
	}
}

// slot is one pool position. The runner survives across issues so its
// slot number, and the retry-reset semantics tied to it, stay stable.
type slot struct {
	id     int
	runner Runner
	busy   bool
}

// Orchestrator coordinates one session. Create with New, drive with Run,
// and control through the exported methods, all of which are safe for
// concurrent use.
type Orchestrator struct {
	sessionID string
	workDir   string

	queue    *queue.EventManager
	tracker  issue.Tracker
	locks    filelock.Coordinator
	store    *session.Store
	log      *ledger.Log
	bus      *event.Bus
	logger   *logging.Logger
	deps     Deps
	factory  Factory
	rescan   time.Duration
	launched atomic.Bool

	workerOpts []worker.Option

	cmds    chan func()
	reports chan slotReport
	events  chan event.Event
	done    chan struct{}
	dropped atomic.Int64

	// Everything below is owned by the Run goroutine.
	status      event.SessionStatus
	settings    session.Settings
	slots       []*slot
	active      int
	park        chan struct{}
	closing     bool
	stopReason  string
	stopWaiters []chan error
	startedAt   time.Time
	runCtx      context.Context
	runCancel   context.CancelFunc
	wg          conc.WaitGroup
	lastSaved   savedState
}

// slotReport pairs a worker report with whether the run panicked, in
// which case the slot's runner is retired.
type slotReport struct {
	report   worker.Report
	panicked bool
}

// savedState is the fingerprint of the last persisted snapshot, used to
// skip redundant writes on the rescan tick.
type savedState struct {
	valid    bool
	status   event.SessionStatus
	settings session.Settings
	queue    queue.Counts
}

// New assembles an orchestrator. Call Run to start the session goroutine.
func New(d Deps, opts ...Option) *Orchestrator {
	if d.SessionID == "" {
		d.SessionID = session.NewID()
	}
	if d.Bus == nil {
		d.Bus = event.NewBus()
	}
	if d.Logger == nil {
		d.Logger = logging.NopLogger()
	}

	o := &Orchestrator{
		sessionID: d.SessionID,
		workDir:   d.WorkDir,
		queue:     d.Queue,
		tracker:   d.Tracker,
		locks:     d.Locks,
		store:     d.Store,
		log:       d.Ledger,
		bus:       d.Bus,
		logger:    d.Logger.WithSession(d.SessionID),
		deps:      d,
		rescan:    defaultRescanInterval,
		cmds:      make(chan func()),
		reports:   make(chan slotReport, 16),
		events:    make(chan event.Event, eventBuffer),
		done:      make(chan struct{}),
		status:    event.SessionIdle,
		settings:  d.Settings.Normalize(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.factory == nil {
		o.factory = o.defaultFactory
	}
	o.subscribe()
	return o
}

// defaultFactory builds a real worker wired to the orchestrator's own
// collaborators.
func (o *Orchestrator) defaultFactory(slot int) Runner {
	return worker.New(slot, o.workDir, worker.Deps{
		Queue:     o.queue,
		Locks:     o.deps.Locks,
		Agent:     o.deps.Agent,
		Gates:     o.deps.Gates,
		Committer: o.deps.Committer,
		Progress:  o.deps.Progress,
		Watch:     o.deps.Watch,
		Bus:       o.bus,
		Logger:    o.deps.Logger,
	}, o.workerOpts...)
}

// SessionID returns the session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Status is a point-in-time view of the session, answered by the session
// goroutine so it is always internally consistent.
type Status struct {
	SessionID string
	Status    event.SessionStatus
	Settings  session.Settings
	Counts    queue.Counts
	Workers   []session.WorkerState
	StartedAt time.Time
}

// do runs fn on the session goroutine and returns its error. It fails
// with ErrSessionNotRunning once Run has returned.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.cmds <- func() { reply <- fn() }:
	case <-o.done:
		return errors.ErrSessionNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		// The loop may have executed fn on its way out.
		select {
		case err := <-reply:
			return err
		default:
			return errors.ErrSessionNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start moves an idle session to running and begins claiming issues.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.do(ctx, o.startLocked)
}

// Pause stops new claims. Workers finish the phase they are in; a worker
// still waiting for file locks returns its claim and parks. Paused
// reviews keep waiting for their decision.
func (o *Orchestrator) Pause(ctx context.Context) error {
	return o.do(ctx, o.pauseLocked)
}

// Resume moves a paused session back to running.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.do(ctx, o.resumeLocked)
}

// Stop drains the session and returns once Run has persisted the final
// snapshot. Stopping an already-stopped session is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	ready := make(chan error, 1)
	err := o.do(ctx, func() error {
		o.beginShutdown("stopped by operator")
		o.stopWaiters = append(o.stopWaiters, ready)
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrSessionNotRunning) {
			return nil
		}
		return err
	}
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Approve resolves a review: approved moves the issue on to commit,
// rejection with requeue sends it back to the queue, plain rejection
// leaves it in human review. A rejected requeue also works for an issue
// left in human review by an earlier run.
func (o *Orchestrator) Approve(ctx context.Context, issueID string, approved, requeue bool, feedback string) error {
	return o.do(ctx, func() error {
		return o.approveLocked(issueID, approved, requeue, feedback)
	})
}

// CommitIssue releases a worker parked at the commit boundary, used when
// auto-commit is off.
func (o *Orchestrator) CommitIssue(ctx context.Context, issueID string) error {
	return o.do(ctx, func() error { return o.commitLocked(issueID) })
}

// UpdateSettings replaces the session settings. Running workers keep the
// settings they started their current issue with; the pool size and
// priority threshold apply as capacity frees.
func (o *Orchestrator) UpdateSettings(ctx context.Context, s session.Settings) error {
	return o.do(ctx, func() error { return o.settingsLocked(s) })
}

// AddIssues feeds issues into the session's pool.
func (o *Orchestrator) AddIssues(ctx context.Context, issues ...*issue.Issue) error {
	return o.do(ctx, func() error { return o.addIssuesLocked(issues) })
}

// Status reports the session's current state.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var st Status
	err := o.do(ctx, func() error {
		st = o.statusLocked()
		return nil
	})
	return st, err
}

// Restore loads a persisted snapshot into a fresh orchestrator: tracker
// content is re-fetched, partitions are restored, and issues that were
// claimed when the snapshot was taken rejoin the queue, so their work is
// restarted rather than resumed mid-phase. Must be called before Run.
func (o *Orchestrator) Restore(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil {
		return errors.NewValidationError("nil session snapshot")
	}
	if snap.ID != o.sessionID {
		return errors.NewValidationError("snapshot belongs to a different session").
			WithField("id").WithValue(snap.ID)
	}
	if o.launched.Load() {
		return errors.ErrSessionAlreadyRunning
	}

	if o.tracker != nil {
		issues, err := o.tracker.List(ctx)
		if err != nil {
			return errors.Wrap(err, "re-fetch tracker issues")
		}
		o.queue.Add(issues...)
	}
	o.queue.Restore(snap.Queue)
	o.settings = snap.Settings.Normalize()
	o.queue.Manager().SetThreshold(issue.Priority(o.settings.PriorityThreshold))
	o.startedAt = snap.StartedAt

	requeued := snap.InFlight()
	o.entry(ledger.TypeInfo, restoreMessage(len(requeued)), "")
	o.logger.Info("session restored",
		"queued", len(snap.Queue.Queued)+len(requeued),
		"completed", len(snap.Queue.Completed),
		"human_review", len(snap.Queue.HumanReview),
		"requeued_in_flight", len(requeued))
	return nil
}
