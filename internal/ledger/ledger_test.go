package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	log := NewLog("", WithClock(func() time.Time { return fixed }))

	e, err := log.Append(NewEntry(TypeInfo, "session started", ""))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(e.ID) != 8 {
		t.Errorf("ID = %q, want 8 hex chars", e.ID)
	}
	if !e.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want clock value %v", e.Timestamp, fixed)
	}
	if log.Len() != 1 {
		t.Errorf("Len = %d, want 1", log.Len())
	}
}

func TestAppendValidation(t *testing.T) {
	log := NewLog("")

	if _, err := log.Append(Entry{Type: "bogus", Message: "x"}); err == nil {
		t.Error("unknown type accepted")
	}
	if _, err := log.Append(Entry{Type: TypeInfo}); err == nil {
		t.Error("empty message accepted")
	}
	if log.Len() != 0 {
		t.Errorf("rejected entries were recorded: Len = %d", log.Len())
	}
}

func TestAppendWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log := NewLog(path)

	if _, err := log.Append(NewEntry(TypeInfo, "issue AB-1 claimed", "AB-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append(NewEntry(TypeSuccess, "verification passed", "AB-1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), data)
	}
	var first Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if first.Type != TypeInfo || first.IssueID != "AB-1" {
		t.Errorf("first line = %+v", first)
	}
}

func TestAppendCreatesSessionDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session", FileName)
	log := NewLog(path)
	if _, err := log.Append(NewEntry(TypeInfo, "hello", "")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file missing: %v", err)
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	log := NewLog("")
	if _, err := log.Append(NewEntry(TypeInfo, "one", "")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got := log.Entries()
	got[0].Message = "mutated"

	if log.Entries()[0].Message != "one" {
		t.Error("caller mutation reached the log")
	}
}

func TestTail(t *testing.T) {
	log := NewLog("")
	for _, msg := range []string{"a", "b", "c", "d"} {
		if _, err := log.Append(NewEntry(TypeInfo, msg, "")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	last2 := log.Tail(2)
	if len(last2) != 2 || last2[0].Message != "c" || last2[1].Message != "d" {
		t.Errorf("Tail(2) = %+v", last2)
	}
	if got := log.Tail(10); len(got) != 4 {
		t.Errorf("Tail(10) returned %d entries, want all 4", len(got))
	}
	if got := log.Tail(0); got != nil {
		t.Errorf("Tail(0) = %+v, want nil", got)
	}
}

func TestByIssue(t *testing.T) {
	log := NewLog("")
	mustAppend(t, log, NewEntry(TypeInfo, "claimed", "AB-1"))
	mustAppend(t, log, NewEntry(TypeInfo, "claimed", "AB-2"))
	mustAppend(t, log, NewEntry(TypeSuccess, "done", "AB-1"))
	mustAppend(t, log, NewEntry(TypeInfo, "session paused", ""))

	got := log.ByIssue("AB-1")
	if len(got) != 2 {
		t.Fatalf("ByIssue(AB-1) = %d entries, want 2", len(got))
	}
	if got[0].Message != "claimed" || got[1].Message != "done" {
		t.Errorf("ByIssue order wrong: %+v", got)
	}
}

func TestLoadReplaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	writer := NewLog(path)
	mustAppend(t, writer, NewEntry(TypeInfo, "claimed", "AB-1"))
	mustAppend(t, writer, NewEntry(TypeWarning, "retry 1 of 3", "AB-1"))
	mustAppend(t, writer, NewEntry(TypeSuccess, "completed", "AB-1"))

	resumed := NewLog(path)
	n, err := resumed.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 3 {
		t.Fatalf("Load = %d, want 3", n)
	}

	want := writer.Entries()
	got := resumed.Entries()
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Message != want[i].Message {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `{"id":"aaaa0001","type":"info","message":"good one","timestamp":"2026-03-01T09:00:00Z"}
{this is not json
{"id":"aaaa0002","type":"nonsense","message":"unknown type","timestamp":"2026-03-01T09:00:01Z"}

{"id":"aaaa0003","type":"success","message":"good two","timestamp":"2026-03-01T09:00:02Z"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	log := NewLog(path)
	n, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Fatalf("Load = %d, want 2 surviving entries", n)
	}
	entries := log.Entries()
	if entries[0].Message != "good one" || entries[1].Message != "good two" {
		t.Errorf("survivors = %+v", entries)
	}
}

func TestLoadMissingFileIsFreshSession(t *testing.T) {
	log := NewLog(filepath.Join(t.TempDir(), FileName))
	n, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 0 {
		t.Errorf("Load = %d, want 0", n)
	}
}

func TestConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	log := NewLog(path)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 25 {
				if _, err := log.Append(NewEntry(TypeInfo, "tick", "")); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		})
	}
	wg.Wait()

	if log.Len() != 200 {
		t.Errorf("Len = %d, want 200", log.Len())
	}
	replay := NewLog(path)
	n, err := replay.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 200 {
		t.Errorf("replayed %d entries, want 200", n)
	}
}

func mustAppend(t *testing.T, log *Log, e Entry) {
	t.Helper()
	if _, err := log.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
}
