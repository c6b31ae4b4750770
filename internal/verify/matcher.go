package verify

import (
	"path/filepath"
	"strings"
)

// Matcher decides whether a gate's failure output implicates any of the
// files a worker modified. It exists so the attribution heuristic can be
// swapped without touching the runner.
type Matcher interface {
	Related(output string, files []string) bool
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(output string, files []string) bool

// Related implements Matcher.
func (f MatcherFunc) Related(output string, files []string) bool {
	return f(output, files)
}

// PathMatcher is the default heuristic: a failure is related when the
// output mentions any modified path, either as the full relative path or
// just the base name. Matching is case-sensitive substring search, so
// tools that print absolute paths still match on the trailing segment.
type PathMatcher struct{}

// Related implements Matcher.
func (PathMatcher) Related(output string, files []string) bool {
	if output == "" {
		return false
	}
	for _, f := range files {
		if f == "" {
			continue
		}
		if strings.Contains(output, f) {
			return true
		}
		if base := filepath.Base(f); base != "." && strings.Contains(output, base) {
			return true
		}
	}
	return false
}
