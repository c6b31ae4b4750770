// Package verify runs the lint, test, and build gates against the working
// tree and reduces their outcomes into a single verification result. Gate
// commands come from configuration; disabled gates pass trivially. When
// unrelated-failure attribution is on, a failing gate only counts against
// the worker if its output references something the worker touched.
package verify

import (
	"context"
	"strings"
	"time"

	"github.com/autobuildhq/autobuild/internal/config"
	"github.com/autobuildhq/autobuild/internal/logging"
)

// Gate names one verification stage.
type Gate string

const (
	GateLint  Gate = "lint"
	GateTests Gate = "tests"
	GateBuild Gate = "build"
)

// GateResult is the outcome of one gate.
type GateResult struct {
	// Gate identifies the stage.
	Gate Gate `json:"gate"`

	// Success is the reduced verdict, after unrelated-failure rewriting.
	Success bool `json:"success"`

	// Skipped is true when the gate was disabled and never executed.
	Skipped bool `json:"skipped"`

	// Ignored is true when the gate failed but the failure did not
	// reference the worker's modified files and was rewritten to success.
	Ignored bool `json:"ignored,omitempty"`

	// Output is the combined command output. Preserved verbatim even when
	// the failure is ignored, so the record shows what actually happened.
	Output string `json:"output,omitempty"`

	// Duration is how long the gate ran. Zero for skipped gates.
	Duration time.Duration `json:"duration,omitempty"`
}

// Result is one verification pass over the tree, produced once per
// testing-phase entry.
type Result struct {
	Lint  GateResult `json:"lint"`
	Tests GateResult `json:"tests"`
	Build GateResult `json:"build"`
}

// Gates returns the results in execution order.
func (r *Result) Gates() []GateResult {
	return []GateResult{r.Lint, r.Tests, r.Build}
}

// Passed reports whether every gate succeeded.
func (r *Result) Passed() bool {
	return r.Lint.Success && r.Tests.Success && r.Build.Success
}

// FirstFailure returns the first failing gate in execution order.
func (r *Result) FirstFailure() (GateResult, bool) {
	for _, g := range r.Gates() {
		if !g.Success {
			return g, true
		}
	}
	return GateResult{}, false
}

// FailureOutput concatenates the output of every failing gate, for fix
// prompts and review detail.
func (r *Result) FailureOutput() string {
	var parts []string
	for _, g := range r.Gates() {
		if !g.Success && g.Output != "" {
			parts = append(parts, string(g.Gate)+":\n"+g.Output)
		}
	}
	return strings.Join(parts, "\n")
}

// Summary renders a one-line digest like "lint ok, tests FAILED, build skipped".
func (r *Result) Summary() string {
	var parts []string
	for _, g := range r.Gates() {
		switch {
		case g.Skipped:
			parts = append(parts, string(g.Gate)+" skipped")
		case g.Ignored:
			parts = append(parts, string(g.Gate)+" ok (unrelated failure ignored)")
		case g.Success:
			parts = append(parts, string(g.Gate)+" ok")
		default:
			parts = append(parts, string(g.Gate)+" FAILED")
		}
	}
	return strings.Join(parts, ", ")
}

// Request carries the per-run inputs: which gates the current settings
// enable and the worker's modified-file set for failure attribution.
type Request struct {
	RunLint  bool
	RunTests bool
	RunBuild bool

	// IgnoreUnrelated enables failure attribution: failures whose output
	// does not reference FilesModified are rewritten to success.
	IgnoreUnrelated bool

	// FilesModified is the worker's merged view of what it changed,
	// union of watcher attribution and the agent's self-report.
	FilesModified []string
}

// RequestFromConfig seeds a Request with the configured gate toggles.
// Callers fill the per-run fields before submitting.
func RequestFromConfig(cfg config.VerificationConfig) Request {
	return Request{
		RunLint:  cfg.RunLint,
		RunTests: cfg.RunTests,
		RunBuild: cfg.RunBuild,
	}
}

// Runner executes the gate sequence. Commands are fixed at construction
// from configuration; enablement arrives per run because settings can
// change mid-session.
type Runner struct {
	lintCommand  string
	testCommand  string
	buildCommand string

	runner  CommandRunner
	matcher Matcher
	logger  *logging.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithCommandRunner substitutes the command executor. Tests use this to
// avoid spawning processes.
func WithCommandRunner(cr CommandRunner) Option {
	return func(r *Runner) {
		if cr != nil {
			r.runner = cr
		}
	}
}

// WithMatcher replaces the failure-attribution heuristic.
func WithMatcher(m Matcher) Option {
	return func(r *Runner) {
		if m != nil {
			r.matcher = m
		}
	}
}

// WithLogger attaches a logger. Nil is ignored.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner builds a Runner for the given working tree. Gate commands run
// through "sh -c" so operators can use pipes and quoting in configuration.
func NewRunner(workDir string, cfg config.VerificationConfig, opts ...Option) *Runner {
	r := &Runner{
		lintCommand:  cfg.LintCommand,
		testCommand:  cfg.TestCommand,
		buildCommand: cfg.BuildCommand,
		runner: &ExecCommandRunner{
			Dir:     workDir,
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		matcher: PathMatcher{},
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the enabled gates in order lint, tests, build and records
// every outcome. A failing gate does not stop later gates; the fix loop
// wants the complete picture. The only error Run returns is context
// cancellation.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}
	gates := []struct {
		gate    Gate
		enabled bool
		command string
		slot    *GateResult
	}{
		{GateLint, req.RunLint, r.lintCommand, &res.Lint},
		{GateTests, req.RunTests, r.testCommand, &res.Tests},
		{GateBuild, req.RunBuild, r.buildCommand, &res.Build},
	}
	for _, g := range gates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		*g.slot = r.runGate(ctx, g.gate, g.enabled, g.command, req)
	}
	r.logger.Info("verification finished", "summary", res.Summary())
	return res, nil
}

func (r *Runner) runGate(ctx context.Context, gate Gate, enabled bool, command string, req Request) GateResult {
	if !enabled || strings.TrimSpace(command) == "" {
		return GateResult{Gate: gate, Success: true, Skipped: true}
	}

	r.logger.Debug("running gate", "gate", string(gate), "command", command)
	start := time.Now()
	output, err := r.runner.Run(ctx, "sh", "-c", command)
	result := GateResult{Gate: gate, Output: output, Duration: time.Since(start)}
	if err == nil {
		result.Success = true
		return result
	}
	if result.Output == "" {
		result.Output = err.Error()
	}

	if req.IgnoreUnrelated && !r.matcher.Related(result.Output, req.FilesModified) {
		r.logger.Warn("gate failed but output references none of the modified files; treating as pre-existing",
			"gate", string(gate), "modified", len(req.FilesModified))
		result.Success = true
		result.Ignored = true
		return result
	}

	r.logger.Warn("gate failed", "gate", string(gate), "duration", result.Duration)
	return result
}
