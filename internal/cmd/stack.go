package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autobuildhq/autobuild/internal/agent"
	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/filelock"
	"github.com/autobuildhq/autobuild/internal/issue"
	"github.com/autobuildhq/autobuild/internal/ledger"
	"github.com/autobuildhq/autobuild/internal/logging"
	"github.com/autobuildhq/autobuild/internal/orchestrator"
	"github.com/autobuildhq/autobuild/internal/queue"
	"github.com/autobuildhq/autobuild/internal/session"
	"github.com/autobuildhq/autobuild/internal/verify"
	"github.com/autobuildhq/autobuild/internal/watch"
	"github.com/autobuildhq/autobuild/internal/worker"
)

// runtimeStack is everything a live session needs: the orchestrator, the
// lock service it shares leases through, the tracker and watcher feeding
// it, and the process-level session lock. Built once by run and resume.
type runtimeStack struct {
	cfg        *config.Config
	workDir    string
	sessionID  string
	sessionDir string

	logger  *logging.Logger
	lock    *session.Lock
	bus     *event.Bus
	tracker *issue.FileTracker
	events  *queue.EventManager
	server  *filelock.Server
	watcher *watch.Watcher
	store   *session.Store
	ledger  *ledger.Log
	orch    *orchestrator.Orchestrator
}

// buildStack assembles the full runtime for a session ID. The caller owns
// the result and must Close it; on error nothing is left held.
func buildStack(sessionID string) (*runtimeStack, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Paths.ResolveDataDir(workDir)
	store, err := session.NewStore(dataDir)
	if err != nil {
		return nil, err
	}
	sessionDir := store.Dir(sessionID)

	// The session lock is taken before anything else so two processes
	// cannot build competing runtimes for the same session.
	lock, err := session.AcquireLock(sessionDir, sessionID, nil)
	if err != nil {
		return nil, err
	}

	st := &runtimeStack{
		cfg:        cfg,
		workDir:    workDir,
		sessionID:  sessionID,
		sessionDir: sessionDir,
		lock:       lock,
		store:      store,
	}

	logDir := ""
	if cfg.Logging.Enabled {
		logDir = sessionDir
	}
	rotation := logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   true,
	}
	logger, err := logging.NewLoggerWithRotation(logDir, logging.ParseLevel(cfg.Logging.Level), rotation)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.logger = logger.WithSession(sessionID)

	st.bus = event.NewBus()
	registry := filelock.NewRegistry(st.bus, filelock.WithTTL(cfg.Coordinator.LeaseTTL()))
	st.server = filelock.NewServer(cfg.Coordinator.Addr(), registry, st.bus, st.logger)

	backlogPath := cfg.Tracker.ResolveBacklogFile(workDir)
	st.tracker, err = issue.NewFileTracker(backlogPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open backlog %s: %w", backlogPath, err)
	}

	settings := session.SettingsFromConfig(cfg.Session)
	manager := queue.NewManager(issue.Priority(settings.PriorityThreshold))
	st.events = queue.NewEventManager(manager, st.bus)

	if cfg.Watch.Enabled {
		st.watcher, err = watch.New(workDir, registry.Owner,
			watch.WithLogger(st.logger),
			watch.WithDebounce(cfg.Watch.Debounce()),
			watch.WithIgnore(cfg.Watch.Ignore...),
		)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("start file watcher: %w", err)
		}
	}

	st.ledger = ledger.NewLog(filepath.Join(sessionDir, "activity.jsonl"), ledger.WithLogger(st.logger))

	deps := orchestrator.Deps{
		SessionID: sessionID,
		WorkDir:   workDir,
		Settings:  settings,
		Queue:     st.events,
		Tracker:   st.tracker,
		Locks:     filelock.NewLocal(registry),
		Agent:     agent.NewExecRunner(cfg.Agent, agent.WithLogger(st.logger)),
		Gates:     verify.NewRunner(workDir, cfg.Verification, verify.WithLogger(st.logger)),
		Committer: worker.NewGitCommitter(workDir, worker.WithGitLogger(st.logger)),
		Progress:  session.NewProgressWriter(sessionDir),
		Store:     store,
		Ledger:    st.ledger,
		Bus:       st.bus,
		Logger:    st.logger,
	}
	if st.watcher != nil {
		deps.Watch = st.watcher
	}

	st.orch = orchestrator.New(deps,
		orchestrator.WithWorkerOptions(
			worker.WithGateRequest(verify.RequestFromConfig(cfg.Verification)),
			worker.WithRenewInterval(cfg.Coordinator.RenewInterval()),
		),
	)
	return st, nil
}

// seedQueue loads the tracker's backlog into the session pool. Issues the
// pool already knows keep their partition; Add ignores duplicates.
func (st *runtimeStack) seedQueue(ctx context.Context) (int, error) {
	issues, err := st.tracker.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list backlog: %w", err)
	}
	st.events.Add(issues...)
	return len(issues), nil
}

// Close releases the session lock and every resource the stack holds.
// Safe on a partially built stack.
func (st *runtimeStack) Close() {
	if st.watcher != nil {
		st.watcher.Close()
	}
	if st.lock != nil {
		if err := st.lock.Release(); err != nil && st.logger != nil {
			st.logger.Warn("release session lock", "error", err)
		}
	}
	if st.logger != nil {
		_ = st.logger.Close()
	}
}
