package issue

import (
	"strings"
	"testing"
	"time"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		valid    bool
		terminal bool
	}{
		{StatusOpen, true, false},
		{StatusInProgress, true, false},
		{StatusBlocked, true, false},
		{StatusClosed, true, true},
		{Status("done"), false, false},
		{Status(""), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}

	if got := StatusInProgress.String(); got != "in_progress" {
		t.Errorf("String() = %q, want %q", got, "in_progress")
	}
	if got := len(ValidStatuses()); got != 4 {
		t.Errorf("ValidStatuses() has %d entries, want 4", got)
	}
}

func TestPriority(t *testing.T) {
	tests := []struct {
		priority Priority
		valid    bool
		name     string
	}{
		{PriorityCritical, true, "critical"},
		{PriorityHigh, true, "high"},
		{PriorityMedium, true, "medium"},
		{PriorityLow, true, "low"},
		{PriorityTrivial, true, "trivial"},
		{Priority(-1), false, "priority(-1)"},
		{Priority(5), false, "priority(5)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.priority.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.priority.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
		})
	}
}

func TestDependencyType(t *testing.T) {
	for _, dt := range []DependencyType{DepParentChild, DepBlocks, DepRelatesTo} {
		if !dt.IsValid() {
			t.Errorf("%s: IsValid() = false, want true", dt)
		}
	}
	if DependencyType("needs").IsValid() {
		t.Error("unknown type reported valid")
	}
}

func TestIssue_BlocksDeps(t *testing.T) {
	is := &Issue{
		ID: "AB-3",
		Dependencies: []Dependency{
			{Type: DepBlocks, TargetID: "AB-1"},
			{Type: DepRelatesTo, TargetID: "AB-9"},
			{Type: DepBlocks, TargetID: "AB-2"},
			{Type: DepParentChild, TargetID: "AB-0"},
		},
	}

	got := is.BlocksDeps()
	want := []string{"AB-1", "AB-2"}
	if len(got) != len(want) {
		t.Fatalf("BlocksDeps() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("BlocksDeps()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if deps := (&Issue{ID: "AB-1"}).BlocksDeps(); deps != nil {
		t.Errorf("issue without dependencies: BlocksDeps() = %v, want nil", deps)
	}
}

func TestIssue_HasPhase(t *testing.T) {
	if (&Issue{Phase: NoPhase}).HasPhase() {
		t.Error("NoPhase issue reported a phase")
	}
	if !(&Issue{Phase: 1}).HasPhase() {
		t.Error("phase 1 issue reported no phase")
	}
}

func TestIssue_Clone(t *testing.T) {
	orig := &Issue{
		ID:       "AB-1",
		Title:    "Fix login crash",
		Status:   StatusOpen,
		Priority: PriorityHigh,
		Dependencies: []Dependency{
			{Type: DepBlocks, TargetID: "AB-0"},
		},
		Phase:     2,
		CreatedAt: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
	}

	cp := orig.Clone()
	cp.Title = "changed"
	cp.Dependencies[0].TargetID = "AB-99"

	if orig.Title != "Fix login crash" {
		t.Error("clone shares Title with original")
	}
	if orig.Dependencies[0].TargetID != "AB-0" {
		t.Error("clone shares Dependencies slice with original")
	}
}

func TestIssue_Validate(t *testing.T) {
	valid := func() *Issue {
		return &Issue{
			ID:       "AB-1",
			Title:    "Fix login crash",
			Status:   StatusOpen,
			Priority: PriorityMedium,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Issue)
		wantErr string
	}{
		{
			name:   "valid issue",
			mutate: func(*Issue) {},
		},
		{
			name: "valid with dependencies and phase",
			mutate: func(is *Issue) {
				is.Phase = 3
				is.Dependencies = []Dependency{{Type: DepBlocks, TargetID: "AB-0"}}
			},
		},
		{
			name:    "missing id",
			mutate:  func(is *Issue) { is.ID = "" },
			wantErr: "id is required",
		},
		{
			name:    "unknown status",
			mutate:  func(is *Issue) { is.Status = "done" },
			wantErr: "unknown status",
		},
		{
			name:    "priority out of range",
			mutate:  func(is *Issue) { is.Priority = 7 },
			wantErr: "priority must be between",
		},
		{
			name:    "negative phase",
			mutate:  func(is *Issue) { is.Phase = -1 },
			wantErr: "phase cannot be negative",
		},
		{
			name: "unknown dependency type",
			mutate: func(is *Issue) {
				is.Dependencies = []Dependency{{Type: "needs", TargetID: "AB-0"}}
			},
			wantErr: "unknown dependency type",
		},
		{
			name: "dependency without target",
			mutate: func(is *Issue) {
				is.Dependencies = []Dependency{{Type: DepBlocks}}
			},
			wantErr: "dependency target is required",
		},
		{
			name: "self dependency",
			mutate: func(is *Issue) {
				is.Dependencies = []Dependency{{Type: DepBlocks, TargetID: "AB-1"}}
			},
			wantErr: "cannot depend on itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := valid()
			tt.mutate(is)
			err := is.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
