package agent

import (
	"strings"
	"testing"

	"github.com/autobuildhq/autobuild/internal/issue"
)

func TestBuildPromptForNewWork(t *testing.T) {
	prompt := BuildPrompt(Request{
		Issue: &issue.Issue{
			ID:          "AB-42",
			Title:       "cache template lookups",
			Description: "render path re-parses templates on every request",
		},
	})

	for _, want := range []string{
		"AB-42",
		"cache template lookups",
		"render path re-parses templates",
		"MODIFIED:",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "failed verification") {
		t.Error("new-work prompt should not mention verification failures")
	}
}

func TestBuildPromptForFix(t *testing.T) {
	prompt := BuildPrompt(Request{
		Issue: &issue.Issue{
			ID:    "AB-42",
			Title: "cache template lookups",
		},
		Fix:           true,
		FailureOutput: "[tests]\n--- FAIL: TestRenderCache (0.01s)",
	})

	for _, want := range []string{
		"AB-42",
		"failed verification",
		"--- FAIL: TestRenderCache",
		"Do not change unrelated behavior",
		"MODIFIED:",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("fix prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPromptWithoutDescription(t *testing.T) {
	prompt := BuildPrompt(Request{
		Issue: &issue.Issue{ID: "AB-7", Title: "tidy imports"},
	})
	if strings.Contains(prompt, "\n\n\n") {
		t.Errorf("empty description left a gap:\n%s", prompt)
	}
}

func TestParseModified(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "simple list",
			in:   "a.go, b.go",
			want: []string{"a.go", "b.go"},
		},
		{
			name: "duplicates collapse keeping first position",
			in:   "a.go, b.go, a.go",
			want: []string{"a.go", "b.go"},
		},
		{
			name: "whitespace trimmed",
			in:   "  a.go ,\tb.go  ",
			want: []string{"a.go", "b.go"},
		},
		{
			name: "empty entries dropped",
			in:   "a.go, , ,b.go,",
			want: []string{"a.go", "b.go"},
		},
		{
			name: "empty string",
			in:   "",
			want: nil,
		},
		{
			name: "single path",
			in:   "internal/auth/login.go",
			want: []string{"internal/auth/login.go"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseModified(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("parseModified(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseModified(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}
