package issue

import (
	"fmt"
	"slices"
	"time"

	"github.com/autobuildhq/autobuild/internal/errors"
)

// Status represents the lifecycle state of an issue in its tracker.
type Status string

const (
	// StatusOpen indicates the issue is available for selection.
	StatusOpen Status = "open"

	// StatusInProgress indicates a worker has claimed the issue and is
	// actively driving it.
	StatusInProgress Status = "in_progress"

	// StatusBlocked indicates the issue is waiting on something outside
	// the session, typically an unresolved dependency.
	StatusBlocked Status = "blocked"

	// StatusClosed indicates the issue is finished and will never be
	// selected again. A "blocks" dependency counts as resolved once its
	// target reaches this state.
	StatusClosed Status = "closed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusClosed:
		return true
	}
	return false
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusClosed
}

// ValidStatuses returns the recognized status values, for error messages
// and validation.
func ValidStatuses() []Status {
	return []Status{StatusOpen, StatusInProgress, StatusBlocked, StatusClosed}
}

// Priority orders issues from most to least urgent. Lower values are more
// urgent: 0 is critical and 4 is trivial.
type Priority int

const (
	// PriorityCritical is the most urgent priority.
	PriorityCritical Priority = 0

	// PriorityHigh is for important work that is not an emergency.
	PriorityHigh Priority = 1

	// PriorityMedium is the default for issues that do not say otherwise.
	PriorityMedium Priority = 2

	// PriorityLow is for work that can wait.
	PriorityLow Priority = 3

	// PriorityTrivial is the least urgent priority and the default
	// selection threshold, so every valid priority is eligible out of
	// the box.
	PriorityTrivial Priority = 4
)

// Valid returns true if the priority is within the recognized range.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityTrivial
}

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityTrivial:
		return "trivial"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// DependencyType classifies an edge between two issues.
type DependencyType string

const (
	// DepParentChild links a child issue to its parent epic or umbrella
	// issue. Informational; does not affect scheduling.
	DepParentChild DependencyType = "parent_child"

	// DepBlocks means the target issue must be closed before this issue
	// becomes eligible for selection.
	DepBlocks DependencyType = "blocks"

	// DepRelatesTo is a loose association between issues. Informational;
	// does not affect scheduling.
	DepRelatesTo DependencyType = "relates_to"
)

// String returns the string representation of the dependency type.
func (d DependencyType) String() string {
	return string(d)
}

// IsValid returns true if the dependency type is one of the recognized values.
func (d DependencyType) IsValid() bool {
	switch d {
	case DepParentChild, DepBlocks, DepRelatesTo:
		return true
	}
	return false
}

// Dependency is a typed edge from one issue to a target issue.
type Dependency struct {
	// Type classifies the edge. Only "blocks" edges affect scheduling.
	Type DependencyType `json:"type" yaml:"type"`

	// TargetID is the ID of the issue this edge points at.
	TargetID string `json:"target_id" yaml:"target"`
}

// NoPhase is the Phase value for issues without a wave assignment. Issues
// without a phase form the default group and are scheduled after every
// numbered phase.
const NoPhase = 0

// Issue is a unit of trackable work. The external tracker owns issue
// content; the orchestrator and queue read it and write status only.
type Issue struct {
	// ID uniquely identifies the issue within its tracker.
	ID string `json:"id" yaml:"id"`

	// Title is a short human-readable summary.
	Title string `json:"title" yaml:"title"`

	// Description contains the detailed instructions handed to the agent.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status" yaml:"status"`

	// Priority orders the issue against others. 0 is critical, 4 trivial.
	Priority Priority `json:"priority" yaml:"priority"`

	// Type is a free-form classification such as "bug" or "feature".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Dependencies are typed edges to other issues. Edges of type
	// "blocks" gate eligibility until their target is closed.
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Phase is an optional wave-ordering hint. Lower phases are claimed
	// first; NoPhase means unassigned and schedules last.
	Phase int `json:"phase,omitempty" yaml:"phase,omitempty"`

	// URL optionally points at the upstream tracker page for this issue.
	// When set, terminal status is mirrored upstream on completion.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Files optionally declares the paths this issue is expected to touch,
	// relative to the working directory. Workers lease exactly these paths
	// before starting; an issue without a declared scope leases the whole
	// working directory.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`

	// CreatedAt is when the issue was created in its tracker. Used as the
	// final ordering key within a priority band.
	CreatedAt time.Time `json:"created_at" yaml:"created_at,omitempty"`
}

// BlocksDeps returns the target IDs of all "blocks" dependencies.
func (i *Issue) BlocksDeps() []string {
	var ids []string
	for _, dep := range i.Dependencies {
		if dep.Type == DepBlocks {
			ids = append(ids, dep.TargetID)
		}
	}
	return ids
}

// HasPhase returns true if the issue carries an explicit wave assignment.
func (i *Issue) HasPhase() bool {
	return i.Phase != NoPhase
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	cp := *i
	if i.Dependencies != nil {
		cp.Dependencies = make([]Dependency, len(i.Dependencies))
		copy(cp.Dependencies, i.Dependencies)
	}
	if i.Files != nil {
		cp.Files = slices.Clone(i.Files)
	}
	return &cp
}

// Validate checks the issue for structural problems and returns the first
// one found.
func (i *Issue) Validate() error {
	if i.ID == "" {
		return errors.NewValidationError("issue id is required").WithField("id")
	}
	if !i.Status.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unknown status, valid values are %v", ValidStatuses())).
			WithField("status").WithValue(string(i.Status))
	}
	if !i.Priority.Valid() {
		return errors.NewValidationError("priority must be between 0 (critical) and 4 (trivial)").
			WithField("priority").WithValue(int(i.Priority))
	}
	if i.Phase < 0 {
		return errors.NewValidationError("phase cannot be negative").
			WithField("phase").WithValue(i.Phase)
	}
	for _, dep := range i.Dependencies {
		if !dep.Type.IsValid() {
			return errors.NewValidationError("unknown dependency type").
				WithField("dependencies").WithValue(string(dep.Type))
		}
		if dep.TargetID == "" {
			return errors.NewValidationError("dependency target is required").
				WithField("dependencies")
		}
		if dep.TargetID == i.ID {
			return errors.NewValidationError("issue cannot depend on itself").
				WithField("dependencies").WithValue(dep.TargetID)
		}
	}
	return nil
}
