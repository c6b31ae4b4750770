// Package watch records which files change in the shared working tree and
// attributes each write to the worker holding the path's lease at write
// time. Workers merge this attribution with the agent's self-reported file
// list when deciding whether a verification failure is theirs.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/autobuildhq/autobuild/internal/logging"
)

// defaultDebounce collapses the burst of events editors and agents emit
// for a single save.
const defaultDebounce = 50 * time.Millisecond

// LockOwnerFunc resolves the worker holding a path's lease at the moment
// of a write. filelock.Registry.Owner satisfies it directly.
type LockOwnerFunc func(path string) (string, bool)

// Modification is one attributed write, path relative to the watch root.
type Modification struct {
	Path  string
	Owner string // empty when no worker held a lease at write time
	At    time.Time
}

// Watcher follows one working tree via fsnotify and keeps a table of
// relative path -> owner -> last modification time.
type Watcher struct {
	root     string
	owner    LockOwnerFunc
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
	debounce time.Duration
	ignore   []string

	// relative path -> worker ID (or "") -> last write
	mu            sync.RWMutex
	modifications map[string]map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger attaches a logger for watch errors. Nil is ignored.
func WithLogger(logger *logging.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce overrides the event debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithIgnore adds directory or file basenames to skip beyond the defaults.
func WithIgnore(names ...string) Option {
	return func(w *Watcher) {
		w.ignore = append(w.ignore, names...)
	}
}

// New creates a watcher over root. The owner func may be nil, in which
// case every write is recorded unattributed.
func New(root string, owner LockOwnerFunc, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:          root,
		owner:         owner,
		watcher:       fsw,
		logger:        logging.NopLogger(),
		debounce:      defaultDebounce,
		ignore:        []string{".git", ".autobuild", "node_modules", ".DS_Store"},
		modifications: make(map[string]map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start walks the tree, registers every directory, and launches the event
// loop. It returns once watching is in place; the loop runs until the
// context is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("watch root does not exist: %s", w.root)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch root is not a directory: %s", w.root)
	}
	if err := w.watchDirRecursive(w.root); err != nil {
		return err
	}
	go w.watchLoop(ctx)
	return nil
}

// Close stops the event loop and releases the underlying watcher.
func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

// watchDirRecursive registers root and every non-ignored subdirectory.
// fsnotify only watches single directories, so the walk is required.
func (w *Watcher) watchDirRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // keep walking past unreadable entries
		}
		if w.ignored(filepath.Base(path)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Warn("watch add failed", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watcher) ignored(base string) bool {
	for _, name := range w.ignore {
		if base == name {
			return true
		}
	}
	return false
}

// watchLoop debounces raw events and records each settled write.
func (w *Watcher) watchLoop(ctx context.Context) {
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	pending := make(map[string]fsnotify.Event)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			pending[event.Name] = event
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			for _, event := range pending {
				w.handleEvent(event)
			}
			pending = make(map[string]fsnotify.Event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// handleEvent records one settled modification, attributing it to the
// lease owner at this moment. Newly created directories join the watch so
// writes inside them are not missed.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	if w.pathIgnored(path) {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.watchDirRecursive(path); err != nil {
				w.logger.Warn("watch new directory", "path", path, "error", err)
			}
			return
		}
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return
	}

	owner := ""
	if w.owner != nil {
		if id, ok := w.owner(rel); ok {
			owner = id
		}
	}

	w.mu.Lock()
	if w.modifications[rel] == nil {
		w.modifications[rel] = make(map[string]time.Time)
	}
	w.modifications[rel][owner] = time.Now()
	w.mu.Unlock()
}

// pathIgnored reports whether any segment of the path is on the ignore
// list.
func (w *Watcher) pathIgnored(path string) bool {
	sep := string(filepath.Separator)
	for _, name := range w.ignore {
		if strings.Contains(path, sep+name+sep) ||
			strings.HasSuffix(path, sep+name) ||
			filepath.Base(path) == name {
			return true
		}
	}
	return false
}

// FilesModifiedBy returns the relative paths recorded against a worker,
// sorted. Paths written while the worker held no lease are not included.
func (w *Watcher) FilesModifiedBy(workerID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var files []string
	for rel, owners := range w.modifications {
		if _, ok := owners[workerID]; ok {
			files = append(files, rel)
		}
	}
	sort.Strings(files)
	return files
}

// Unattributed returns relative paths that changed while no worker held a
// lease on them, sorted. The orchestrator surfaces these as a warning.
func (w *Watcher) Unattributed() []string {
	return w.FilesModifiedBy("")
}

// Modifications returns the full attribution table as a flat sorted list.
func (w *Watcher) Modifications() []Modification {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []Modification
	for rel, owners := range w.modifications {
		for owner, at := range owners {
			out = append(out, Modification{Path: rel, Owner: owner, At: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Owner < out[j].Owner
	})
	return out
}

// Reset drops every modification attributed to the worker. Workers call
// this when an issue closes out so the next issue starts clean.
func (w *Watcher) Reset(workerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for rel, owners := range w.modifications {
		delete(owners, workerID)
		if len(owners) == 0 {
			delete(w.modifications, rel)
		}
	}
}

// Prune drops modifications older than maxAge across all workers.
func (w *Watcher) Prune(maxAge time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for rel, owners := range w.modifications {
		for owner, at := range owners {
			if at.Before(cutoff) {
				delete(owners, owner)
			}
		}
		if len(owners) == 0 {
			delete(w.modifications, rel)
		}
	}
}
