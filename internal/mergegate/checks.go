package mergegate

import (
	"context"
	"fmt"
	"strings"

	"metawsm/internal/capability"
)

// CheckInput carries the data a required check needs to evaluate one run.
type CheckInput struct {
	RunID      string
	RepoRoot   string
	BranchName string
	CommitSHA  string
}

// CheckResult is one named check's outcome.
type CheckResult struct {
	Name   string
	Status string // passed | failed
	Detail string
}

const (
	checkStatusPassed = "passed"
	checkStatusFailed = "failed"
)

// RequiredCheck is one pluggable merge-gate check.
type RequiredCheck interface {
	Name() string
	Run(ctx context.Context, in CheckInput) (CheckResult, error)
}

// Registry runs a configured, named subset of the available checks and
// reports whether all of them passed.
type Registry struct {
	available map[string]RequiredCheck
	required  []string
}

// NewRegistry builds a Registry over the standard checks, configured to
// require the given (lower-cased) check names.
func NewRegistry(testCommands []string, forbiddenPatterns []string, git capability.GitDriver, required []string) *Registry {
	available := map[string]RequiredCheck{
		"tests":           testsCheck{commands: testCommands},
		"forbidden_files": forbiddenFilesCheck{patterns: forbiddenPatterns, git: git},
		"head_unchanged":  headUnchangedCheck{git: git},
	}
	norm := make([]string, 0, len(required))
	for _, r := range required {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			norm = append(norm, r)
		}
	}
	return &Registry{available: available, required: norm}
}

// Report is the aggregate outcome of running every required check.
type Report struct {
	Passed  bool
	Results []CheckResult
}

// Run executes every configured required check and returns an aggregate
// report. An unknown configured check name is a configuration error, not a
// check failure.
func (r *Registry) Run(ctx context.Context, in CheckInput) (Report, error) {
	report := Report{Passed: true}
	for _, name := range r.required {
		check, ok := r.available[name]
		if !ok {
			return report, fmt.Errorf("required check %q is not supported", name)
		}
		result, err := check.Run(ctx, in)
		if err != nil {
			return report, fmt.Errorf("run required check %q: %w", name, err)
		}
		result.Name = name
		if result.Status != checkStatusPassed {
			report.Passed = false
		}
		report.Results = append(report.Results, result)
	}
	return report, nil
}

type testsCheck struct{ commands []string }

func (testsCheck) Name() string { return "tests" }

func (c testsCheck) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	if len(c.commands) == 0 {
		return CheckResult{Status: checkStatusPassed, Detail: "no test commands configured"}, nil
	}
	for _, cmd := range c.commands {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		if _, err := runInDir(ctx, in.RepoRoot, "sh", "-c", cmd); err != nil {
			return CheckResult{Status: checkStatusFailed, Detail: fmt.Sprintf("command %q failed: %v", cmd, err)}, nil
		}
	}
	return CheckResult{Status: checkStatusPassed, Detail: fmt.Sprintf("all %d test command(s) passed", len(c.commands))}, nil
}

type forbiddenFilesCheck struct {
	patterns []string
	git      capability.GitDriver
}

func (forbiddenFilesCheck) Name() string { return "forbidden_files" }

func (c forbiddenFilesCheck) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	if len(c.patterns) == 0 {
		return CheckResult{Status: checkStatusPassed, Detail: "no forbidden file patterns configured"}, nil
	}
	lines, err := gitStatusShortLines(ctx, in.RepoRoot)
	if err != nil {
		return CheckResult{}, err
	}
	var matches []string
	for _, line := range lines {
		path := parseGitStatusPath(line)
		if path != "" && matchesForbiddenPattern(path, c.patterns) {
			matches = append(matches, path)
		}
	}
	if len(matches) > 0 {
		return CheckResult{Status: checkStatusFailed, Detail: fmt.Sprintf("forbidden files detected: %s", strings.Join(matches, ", "))}, nil
	}
	return CheckResult{Status: checkStatusPassed, Detail: "no forbidden file matches"}, nil
}

// headUnchangedCheck is the re-check step that confirms the branch's HEAD
// commit still matches what the run captured before validation began. A
// mismatch means new commits landed on the
// branch mid-review, which the gate treats as MERGE_CONFLICT rather than
// CHECKS_FAILED.
type headUnchangedCheck struct{ git capability.GitDriver }

func (headUnchangedCheck) Name() string { return "head_unchanged" }

func (c headUnchangedCheck) Run(ctx context.Context, in CheckInput) (CheckResult, error) {
	current, err := c.git.HeadCommit(ctx, in.RepoRoot)
	if err != nil {
		return CheckResult{}, err
	}
	if current != in.CommitSHA {
		return CheckResult{Status: checkStatusFailed, Detail: fmt.Sprintf("branch head is now %s, expected %s", current, in.CommitSHA)}, nil
	}
	return CheckResult{Status: checkStatusPassed, Detail: "head commit unchanged since approval"}, nil
}
