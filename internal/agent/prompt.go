package agent

import (
	"fmt"
	"strings"
)

// modifiedMarker is the trailer agents print to self-report changed files.
const modifiedMarker = "MODIFIED:"

// BuildPrompt renders the instruction text for a request without an
// explicit prompt. Fix passes lead with the failing output so the agent
// sees what broke before anything else.
func BuildPrompt(req Request) string {
	var b strings.Builder
	if req.Fix {
		fmt.Fprintf(&b, "Your previous change for issue %s (%s) failed verification.\n\n",
			req.Issue.ID, req.Issue.Title)
		b.WriteString("Failing output:\n")
		b.WriteString(strings.TrimSpace(req.FailureOutput))
		b.WriteString("\n\nFix the failures. Do not change unrelated behavior.\n")
	} else {
		fmt.Fprintf(&b, "Work on issue %s: %s\n", req.Issue.ID, req.Issue.Title)
		if desc := strings.TrimSpace(req.Issue.Description); desc != "" {
			b.WriteString("\n")
			b.WriteString(desc)
			b.WriteString("\n")
		}
		b.WriteString("\nImplement the change completely, including tests where they apply.\n")
	}
	b.WriteString("\nWhen you are finished, print one final line listing every file you changed:\n")
	b.WriteString(modifiedMarker + " path/to/first.go, path/to/second.go\n")
	return b.String()
}

// parseModified splits a MODIFIED: trailer payload into cleaned paths,
// preserving order and dropping duplicates.
func parseModified(payload string) []string {
	parts := strings.Split(payload, ",")
	seen := make(map[string]bool, len(parts))
	var files []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		files = append(files, p)
	}
	return files
}
