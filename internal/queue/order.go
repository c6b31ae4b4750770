package queue

import (
	"math"

	"github.com/autobuildhq/autobuild/internal/issue"
)

// phaseGroup maps an issue to its scheduling group. Numbered phases are
// claimed in ascending order; issues without a phase form the final group.
func phaseGroup(is *issue.Issue) int {
	if !is.HasPhase() {
		return math.MaxInt
	}
	return is.Phase
}

// claimLess orders two eligible issues for claim selection: phase group
// ascending, then priority ascending, then creation time ascending, with
// the ID as a deterministic final tie-break.
func claimLess(a, b *issue.Issue) bool {
	ga, gb := phaseGroup(a), phaseGroup(b)
	if ga != gb {
		return ga < gb
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
