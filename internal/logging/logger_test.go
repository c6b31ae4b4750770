package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// readLogEntries parses every JSON line from the session's debug.log.
func readLogEntries(t *testing.T, sessionDir string) []map[string]any {
	t.Helper()

	file, err := os.Open(filepath.Join(sessionDir, "debug.log"))
	if err != nil {
		t.Fatalf("failed to open debug.log: %v", err)
	}
	defer func() { _ = file.Close() }()

	var entries []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("failed to scan debug.log: %v", err)
	}
	return entries
}

func TestNewLogger(t *testing.T) {
	t.Run("creates debug.log in session directory", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer func() { _ = logger.Close() }()

		if _, err := os.Stat(filepath.Join(dir, "debug.log")); err != nil {
			t.Errorf("expected debug.log to exist: %v", err)
		}
	})

	t.Run("creates missing session directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "session")

		logger, err := NewLogger(dir, LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		defer func() { _ = logger.Close() }()

		if _, err := os.Stat(filepath.Join(dir, "debug.log")); err != nil {
			t.Errorf("expected debug.log to exist: %v", err)
		}
	})

	t.Run("empty session directory writes to stderr", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		// No file backing; Close must still succeed.
		logger.Info("stderr message")
		if err := logger.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	t.Run("writes JSON entries with message and attrs", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		logger.Info("hello", "key", "value", "count", 3)
		_ = logger.Close()

		entries := readLogEntries(t, dir)
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}

		if entries[0]["msg"] != "hello" {
			t.Errorf("expected msg 'hello', got %v", entries[0]["msg"])
		}
		if entries[0]["level"] != "INFO" {
			t.Errorf("expected level INFO, got %v", entries[0]["level"])
		}
		if entries[0]["key"] != "value" {
			t.Errorf("expected key=value, got %v", entries[0]["key"])
		}
		if entries[0]["count"] != float64(3) {
			t.Errorf("expected count=3, got %v", entries[0]["count"])
		}
	})

	t.Run("respects level filtering", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelWarn)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		logger.Debug("debug message")
		logger.Info("info message")
		logger.Warn("warn message")
		logger.Error("error message")
		_ = logger.Close()

		entries := readLogEntries(t, dir)
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries (WARN and ERROR), got %d", len(entries))
		}
		if entries[0]["msg"] != "warn message" || entries[1]["msg"] != "error message" {
			t.Errorf("unexpected messages: %v, %v", entries[0]["msg"], entries[1]["msg"])
		}
	})

	t.Run("unknown level defaults to INFO", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, "VERBOSE")
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		logger.Debug("hidden")
		logger.Info("visible")
		_ = logger.Close()

		entries := readLogEntries(t, dir)
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}
		if entries[0]["msg"] != "visible" {
			t.Errorf("expected 'visible', got %v", entries[0]["msg"])
		}
	})
}

func TestLoggerContextPropagation(t *testing.T) {
	t.Run("child loggers carry session, worker, issue, and phase", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		child := logger.WithSession("sess-1").WithWorker(2).WithIssue("AB-42").WithPhase("testing")
		child.Info("child message")
		_ = logger.Close()

		entries := readLogEntries(t, dir)
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}

		entry := entries[0]
		if entry["session_id"] != "sess-1" {
			t.Errorf("expected session_id 'sess-1', got %v", entry["session_id"])
		}
		if entry["worker_id"] != float64(2) {
			t.Errorf("expected worker_id 2, got %v", entry["worker_id"])
		}
		if entry["issue_id"] != "AB-42" {
			t.Errorf("expected issue_id 'AB-42', got %v", entry["issue_id"])
		}
		if entry["phase"] != "testing" {
			t.Errorf("expected phase 'testing', got %v", entry["phase"])
		}
	})

	t.Run("child attributes do not leak into parent", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		_ = logger.WithWorker(1).WithIssue("AB-1")
		logger.Info("parent message")
		_ = logger.Close()

		entries := readLogEntries(t, dir)
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}
		if _, ok := entries[0]["worker_id"]; ok {
			t.Error("parent entry should not carry worker_id")
		}
		if _, ok := entries[0]["issue_id"]; ok {
			t.Error("parent entry should not carry issue_id")
		}
	})

	t.Run("With adds arbitrary key-value attributes", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		logger.With("branch", "autobuild/AB-5", "attempt", 2).Info("with message")
		_ = logger.Close()

		entries := readLogEntries(t, dir)
		if entries[0]["branch"] != "autobuild/AB-5" {
			t.Errorf("expected branch attr, got %v", entries[0]["branch"])
		}
		if entries[0]["attempt"] != float64(2) {
			t.Errorf("expected attempt=2, got %v", entries[0]["attempt"])
		}
	})

	t.Run("With ignores non-string keys", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		logger.With(42, "value", "good", "kept").Info("message")
		_ = logger.Close()

		entries := readLogEntries(t, dir)
		if entries[0]["good"] != "kept" {
			t.Errorf("expected good=kept, got %v", entries[0]["good"])
		}
	})

	t.Run("With no args returns same logger", func(t *testing.T) {
		logger := NopLogger()
		if got := logger.With(); got != logger {
			t.Error("expected With() with no args to return the receiver")
		}
	})
}

func TestLoggerClose(t *testing.T) {
	t.Run("close is idempotent", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLogger(dir, LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		if err := logger.Close(); err != nil {
			t.Errorf("first Close failed: %v", err)
		}
		if err := logger.Close(); err != nil {
			t.Errorf("second Close failed: %v", err)
		}
	})
}

func TestNewLoggerWithRotation(t *testing.T) {
	t.Run("writes through rotating writer", func(t *testing.T) {
		dir := t.TempDir()

		logger, err := NewLoggerWithRotation(dir, LevelDebug, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewLoggerWithRotation failed: %v", err)
		}

		logger.Info("rotated message")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		entries := readLogEntries(t, dir)
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}
		if entries[0]["msg"] != "rotated message" {
			t.Errorf("expected 'rotated message', got %v", entries[0]["msg"])
		}
	})

	t.Run("empty session directory falls back to stderr", func(t *testing.T) {
		logger, err := NewLoggerWithRotation("", LevelInfo, DefaultRotationConfig())
		if err != nil {
			t.Fatalf("NewLoggerWithRotation failed: %v", err)
		}
		logger.Info("fallback message")
		if err := logger.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()

	// Must not panic and must accept child loggers.
	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
	logger.WithSession("s").WithWorker(0).WithIssue("AB-1").WithPhase("idle").Info("child")

	if err := logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"info", LevelInfo},
		{"WARN", LevelWarn},
		{"warn", LevelWarn},
		{"ERROR", LevelError},
		{"Error", LevelError},
		{"", LevelInfo},
		{"unknown", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidLevels(t *testing.T) {
	levels := ValidLevels()
	if len(levels) != 4 {
		t.Fatalf("expected 4 levels, got %d", len(levels))
	}

	want := []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
	for i, w := range want {
		if levels[i] != w {
			t.Errorf("expected levels[%d] = %q, got %q", i, w, levels[i])
		}
	}
}
