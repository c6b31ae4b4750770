package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// leaseTable is a minimal lock-owner stub keyed by relative path.
type leaseTable struct {
	mu     sync.Mutex
	owners map[string]string
}

func (l *leaseTable) owner(path string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.owners[path]
	return id, ok
}

func startWatcher(t *testing.T, root string, owner LockOwnerFunc) *Watcher {
	t.Helper()
	w, err := New(root, owner, WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

// waitFor polls until the condition holds or the deadline passes. File
// events arrive asynchronously, so assertions on recorded state poll
// rather than sleep a fixed interval.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestStartValidatesRoot(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		w, err := New(filepath.Join(t.TempDir(), "nope"), nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer w.Close()
		err = w.Start(context.Background())
		if err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("Start = %v, want missing-root error", err)
		}
	})

	t.Run("root is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f.txt")
		writeFile(t, file)
		w, err := New(file, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer w.Close()
		err = w.Start(context.Background())
		if err == nil || !strings.Contains(err.Error(), "not a directory") {
			t.Errorf("Start = %v, want not-a-directory error", err)
		}
	})
}

func TestRecordsAttributedWrites(t *testing.T) {
	root := t.TempDir()
	leases := &leaseTable{owners: map[string]string{
		"owned.go": "worker-1",
	}}
	w := startWatcher(t, root, leases.owner)

	writeFile(t, filepath.Join(root, "owned.go"))
	writeFile(t, filepath.Join(root, "stray.go"))

	waitFor(t, "attributed write", func() bool {
		return len(w.FilesModifiedBy("worker-1")) == 1
	})
	if files := w.FilesModifiedBy("worker-1"); files[0] != "owned.go" {
		t.Errorf("FilesModifiedBy = %v, want [owned.go]", files)
	}

	waitFor(t, "unattributed write", func() bool {
		return len(w.Unattributed()) == 1
	})
	if files := w.Unattributed(); files[0] != "stray.go" {
		t.Errorf("Unattributed = %v, want [stray.go]", files)
	}
	if files := w.FilesModifiedBy("worker-2"); len(files) != 0 {
		t.Errorf("FilesModifiedBy(worker-2) = %v, want empty", files)
	}
}

func TestIgnoredDirectoriesAreSilent(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{".git", "node_modules", ".autobuild"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	w := startWatcher(t, root, nil)

	writeFile(t, filepath.Join(root, ".git", "index"))
	writeFile(t, filepath.Join(root, "node_modules", "pkg.js"))
	writeFile(t, filepath.Join(root, ".autobuild", "session.json"))
	writeFile(t, filepath.Join(root, "real.go"))

	waitFor(t, "the visible write", func() bool {
		return len(w.Modifications()) >= 1
	})
	// Give any stray ignored-path events time to surface before asserting.
	time.Sleep(50 * time.Millisecond)

	mods := w.Modifications()
	if len(mods) != 1 || mods[0].Path != "real.go" {
		t.Errorf("Modifications = %v, want only real.go", mods)
	}
}

func TestNewDirectoryJoinsWatch(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, nil)

	sub := filepath.Join(root, "internal", "auth")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Let the create event settle and the new directories join the watch.
	waitFor(t, "subdirectory registration", func() bool {
		writeFile(t, filepath.Join(sub, "login.go"))
		return len(w.Unattributed()) > 0
	})

	files := w.Unattributed()
	want := filepath.Join("internal", "auth", "login.go")
	found := false
	for _, f := range files {
		if f == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Unattributed = %v, want to include %s", files, want)
	}
}

func TestReset(t *testing.T) {
	root := t.TempDir()
	leases := &leaseTable{owners: map[string]string{
		"a.go": "worker-1",
		"b.go": "worker-2",
	}}
	w := startWatcher(t, root, leases.owner)

	writeFile(t, filepath.Join(root, "a.go"))
	writeFile(t, filepath.Join(root, "b.go"))
	waitFor(t, "both writes", func() bool {
		return len(w.FilesModifiedBy("worker-1")) == 1 && len(w.FilesModifiedBy("worker-2")) == 1
	})

	w.Reset("worker-1")

	if files := w.FilesModifiedBy("worker-1"); len(files) != 0 {
		t.Errorf("after Reset, FilesModifiedBy(worker-1) = %v", files)
	}
	if files := w.FilesModifiedBy("worker-2"); len(files) != 1 {
		t.Errorf("Reset(worker-1) touched worker-2: %v", files)
	}
}

func TestPrune(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, nil)

	writeFile(t, filepath.Join(root, "old.go"))
	waitFor(t, "the write", func() bool {
		return len(w.Modifications()) == 1
	})

	w.Prune(time.Hour)
	if len(w.Modifications()) != 1 {
		t.Error("Prune(1h) dropped a fresh modification")
	}

	time.Sleep(30 * time.Millisecond)
	w.Prune(10 * time.Millisecond)
	if mods := w.Modifications(); len(mods) != 0 {
		t.Errorf("Prune left %v", mods)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w := startWatcher(t, t.TempDir(), nil)
	w.Close()
	w.Close()
}
