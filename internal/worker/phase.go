package worker

import "slices"

// Phase is a worker's position in the issue processing pipeline.
type Phase string

const (
	// PhaseIdle means the worker holds no issue.
	PhaseIdle Phase = "idle"

	// PhaseSelecting covers claiming and lock acquisition. A worker
	// parks here while its lease set is contended.
	PhaseSelecting Phase = "selecting"

	// PhaseWorking is the initial agent invocation.
	PhaseWorking Phase = "working"

	// PhaseTesting runs the verification gates.
	PhaseTesting Phase = "testing"

	// PhaseFixing is a remediation agent invocation after a failure.
	// Each pass through fixing consumes one retry.
	PhaseFixing Phase = "fixing"

	// PhaseReviewing parks the worker until a human decision arrives.
	PhaseReviewing Phase = "reviewing"

	// PhaseCommitting records the finished work in version control. With
	// automatic commits disabled the worker parks here until triggered.
	PhaseCommitting Phase = "committing"

	// PhaseDone is the terminal phase of a successful run.
	PhaseDone Phase = "done"

	// PhaseFailed is the terminal phase of an unrecoverable error.
	PhaseFailed Phase = "failed"
)

// transitions is the closed edge set of the phase machine. Every
// non-terminal phase may fail, and every phase returns to idle when its
// run ends. Working and fixing reach reviewing directly when the agent
// itself errors with no retries left.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseSelecting},
	PhaseSelecting:  {PhaseWorking, PhaseFailed, PhaseIdle},
	PhaseWorking:    {PhaseTesting, PhaseFixing, PhaseReviewing, PhaseFailed, PhaseIdle},
	PhaseTesting:    {PhaseCommitting, PhaseReviewing, PhaseFixing, PhaseFailed, PhaseIdle},
	PhaseFixing:     {PhaseTesting, PhaseReviewing, PhaseFailed, PhaseIdle},
	PhaseReviewing:  {PhaseCommitting, PhaseFailed, PhaseIdle},
	PhaseCommitting: {PhaseDone, PhaseFailed, PhaseIdle},
	PhaseDone:       {PhaseIdle},
	PhaseFailed:     {PhaseIdle},
}

// CanTransition reports whether the phase machine permits moving from one
// phase directly to another.
func CanTransition(from, to Phase) bool {
	return slices.Contains(transitions[from], to)
}

// Valid reports whether p is a recognized phase.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// Terminal reports whether the phase ends an issue's run. Terminal phases
// only transition back to idle.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}
