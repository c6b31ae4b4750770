package session

import (
	"strings"
	"testing"

	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/autobuildhq/autobuild/internal/queue"
)

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewID()
		if len(id) != 8 {
			t.Fatalf("ID %q is not 8 chars", id)
		}
		if strings.ToLower(id) != id {
			t.Errorf("ID %q is not lowercase hex", id)
		}
		seen[id] = true
	}
	if len(seen) < 99 {
		t.Errorf("only %d distinct IDs out of 100", len(seen))
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.SessionConfig{
		AutoCommit:              false,
		MaxRetries:              3,
		PriorityThreshold:       2,
		RequireHumanReview:      true,
		MaxConcurrentIssues:     5,
		IgnoreUnrelatedFailures: true,
	}
	s := SettingsFromConfig(cfg)
	if s.MaxRetries != 3 || s.PriorityThreshold != 2 || s.MaxConcurrentIssues != 5 {
		t.Errorf("numeric fields lost: %+v", s)
	}
	if s.AutoCommit || !s.RequireHumanReview || !s.IgnoreUnrelatedFailures {
		t.Errorf("boolean fields lost: %+v", s)
	}
}

func TestSettingsNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Settings
		want Settings
	}{
		{
			name: "legal values untouched",
			in:   Settings{MaxRetries: 2, MaxConcurrentIssues: 4, PriorityThreshold: 1},
			want: Settings{MaxRetries: 2, MaxConcurrentIssues: 4, PriorityThreshold: 1},
		},
		{
			name: "negative retries clamped to zero",
			in:   Settings{MaxRetries: -1, MaxConcurrentIssues: 1},
			want: Settings{MaxRetries: 0, MaxConcurrentIssues: 1},
		},
		{
			name: "zero workers clamped to one",
			in:   Settings{MaxConcurrentIssues: 0},
			want: Settings{MaxConcurrentIssues: 1},
		},
		{
			name: "negative threshold clamped to zero",
			in:   Settings{MaxConcurrentIssues: 2, PriorityThreshold: -3},
			want: Settings{MaxConcurrentIssues: 2, PriorityThreshold: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Normalize(); got != tt.want {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSnapshotValidate(t *testing.T) {
	tests := []struct {
		name    string
		snap    *Snapshot
		wantErr bool
	}{
		{name: "nil snapshot", snap: nil, wantErr: true},
		{name: "empty ID", snap: &Snapshot{}, wantErr: true},
		{name: "path separator in ID", snap: &Snapshot{ID: "a/b"}, wantErr: true},
		{name: "backslash in ID", snap: &Snapshot{ID: `a\b`}, wantErr: true},
		{name: "good ID", snap: &Snapshot{ID: "deadbeef"}, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.snap.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInFlightReturnsCopy(t *testing.T) {
	snap := &Snapshot{
		ID:    "deadbeef",
		Queue: queue.Snapshot{Claimed: []string{"AB-1", "AB-2"}},
	}
	got := snap.InFlight()
	if len(got) != 2 {
		t.Fatalf("InFlight = %v", got)
	}
	got[0] = "mutated"
	if snap.Queue.Claimed[0] != "AB-1" {
		t.Error("caller mutation reached the snapshot")
	}
}
