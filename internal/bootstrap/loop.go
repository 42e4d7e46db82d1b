package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentforge/agentforge/internal/command"
	"github.com/agentforge/agentforge/internal/sandbox"
	"github.com/agentforge/agentforge/internal/verify"
)

// ErrMaxIterationsExceeded is returned when the loop exhausts maxIterations
// without reaching a passing, committed state.
var ErrMaxIterationsExceeded = errors.New("bootstrap: max iterations exceeded")

// ErrHardSandboxRequired is returned when RequireHardSandbox is set but the
// configured sandbox backend is "none".
var ErrHardSandboxRequired = errors.New("bootstrap: hard sandbox required but backend is none")

// SandboxBackend selects the isolation mechanism used for agent-run commands.
type SandboxBackend string

const (
	SandboxBubblewrap SandboxBackend = "bwrap"
	SandboxDocker     SandboxBackend = "docker"
	SandboxNone       SandboxBackend = "none"
)

// CommitSpec controls the final safe-commit step.
type CommitSpec struct {
	Enabled         bool
	MessageTemplate string // "%s" substituted with the goal
}

// RunSpec is the bootstrap loop's input (spec.md §4.C10).
type RunSpec struct {
	Run                *RunContext
	Goal               string
	MaxIterations      int
	AllowNetwork       bool
	AllowInstallDeps   bool
	Commit             CommitSpec
	SandboxBackend     SandboxBackend
	RequireHardSandbox bool
	Recipe             Recipe
	// Agent drives each iteration's agent turn. May be nil, in which case
	// the loop exercises only the verification/strategy machinery (used by
	// tests that stub out the agent entirely).
	Agent AgentRunner
	// Sandbox runs install/lint/test steps inside a container instead of
	// directly on the worktree, used when SandboxBackend is SandboxDocker.
	Sandbox *sandbox.Client
}

// Recipe names the install/lint/test commands for one iteration.
type Recipe struct {
	Install []string // argv, e.g. {"npm", "install"}
	Lint    []string
	Test    []string
}

func (r Recipe) hasInstall() bool { return len(r.Install) > 0 }

// Feedback summarizes the previous iteration for the next prompt (spec.md
// §4.C10 step 1).
type Feedback struct {
	LintSummary  string
	TestSummary  string
	DiffSummary  string
	StrategyNote string
}

// IterationInput is passed to AgentRunner.RunIteration.
type IterationInput struct {
	Iteration int
	Goal      string
	Cwd       string
	Feedback  Feedback
}

// IterationOutput is returned by AgentRunner.RunIteration.
type IterationOutput struct {
	Notes string
}

// AgentRunner drives one bootstrap iteration's agent turn. Implementations
// typically wrap an orchestrator.Orchestrator / agent.Adapter.
type AgentRunner interface {
	RunIteration(ctx context.Context, in IterationInput) (IterationOutput, error)
	Reset(ctx context.Context) error
}

// Result is returned by Loop on success or terminal failure.
type Result struct {
	Ok              bool
	Iterations      int
	StrategyChanges int
	FinalCommit     string
	FinalBranch     string
	LastReportPath  string
	Error           error
}

type iterationArtifact struct {
	Iteration int            `json:"iteration"`
	Strategy  Strategy       `json:"strategy"`
	Install   *verify.Report `json:"install,omitempty"`
	Lint      *verify.Report `json:"lint,omitempty"`
	Test      *verify.Report `json:"test,omitempty"`
	Ok        bool           `json:"ok"`
	Signature string         `json:"failure_signature"`
}

// Loop implements C10: the iterative plan->verify->strategize->commit loop.
func Loop(ctx context.Context, spec RunSpec) Result {
	if spec.MaxIterations < 1 {
		spec.MaxIterations = 1
	}
	if spec.MaxIterations > 10 {
		spec.MaxIterations = 10
	}
	if spec.RequireHardSandbox && spec.SandboxBackend == SandboxNone {
		return Result{Ok: false, Error: ErrHardSandboxRequired}
	}

	strategy := StrategyNormalFix
	strategyChanges := 0
	sameFailureStreak := 0
	var lastSignature string
	var fb Feedback

	for i := 1; i <= spec.MaxIterations; i++ {
		select {
		case <-ctx.Done():
			return finalizeResult(spec, i-1, strategyChanges, false, ctx.Err())
		default:
		}

		if strategy != StrategyNormalFix {
			fb.StrategyNote = strategyNote(strategy)
		}

		if spec.Agent != nil {
			if _, err := spec.Agent.RunIteration(ctx, IterationInput{Iteration: i, Goal: spec.Goal, Cwd: spec.Run.WorktreeDir, Feedback: fb}); err != nil {
				writeArtifact(spec.Run.ArtifactsDir, i, "agent_error.txt", []byte(err.Error()))
			}
		}

		changedFiles, diff, err := gitDiffState(ctx, spec.Run.WorktreeDir)
		if err != nil {
			return finalizeResult(spec, i, strategyChanges, false, err)
		}
		if diff != "" {
			writeArtifact(spec.Run.ArtifactsDir, i, "diff.patch", []byte(diff))
		}

		recipe := spec.Recipe
		runInstall := recipe.hasInstall() && (spec.AllowInstallDeps && (i == 1 || touchesDependencyMarker(changedFiles) || strategy == StrategyCleanDeps))

		if strategy == StrategyCleanDeps {
			removeCleanDepsPaths(spec.Run.WorktreeDir)
		}

		var installReport *verify.Report
		if runInstall {
			r := runVerification(ctx, spec, true, []verify.Step{argvStep(recipe.Install, spec.Run.WorktreeDir, true)})
			installReport = &r
		}

		installFailed := installReport != nil && !installReport.Ok()

		var lintReport, testReport verify.Report
		if installFailed {
			lintReport = verify.Report{Enabled: true, Results: []verify.StepResult{{Notes: []string{"skipped: install_failed"}}}}
			testReport = lintReport
		} else {
			lintReport = runVerification(ctx, spec, len(recipe.Lint) > 0, []verify.Step{argvStep(recipe.Lint, spec.Run.WorktreeDir, false)})
			if lintReport.Ok() {
				testReport = runVerification(ctx, spec, len(recipe.Test) > 0, []verify.Step{argvStep(recipe.Test, spec.Run.WorktreeDir, false)})
			}
		}

		ok := !installFailed && lintReport.Ok() && testReport.Ok()
		signature := fmt.Sprintf("%s::%s", reportSignature(lintReport), reportSignature(testReport))

		artifact := iterationArtifact{Iteration: i, Strategy: strategy, Install: installReport, Lint: &lintReport, Test: &testReport, Ok: ok, Signature: signature}
		writeJSONArtifact(spec.Run.ArtifactsDir, i, "report.json", artifact)

		fb = Feedback{LintSummary: reportSignature(lintReport), TestSummary: reportSignature(testReport), DiffSummary: summarizeDiff(changedFiles)}

		if !ok {
			if signature == lastSignature {
				sameFailureStreak++
			} else {
				sameFailureStreak = 1
			}
			if diff == "" {
				if sameFailureStreak < 2 {
					sameFailureStreak = 2
				}
			}
			lastSignature = signature

			newStrategy, changed := escalate(sameFailureStreak, strategy)
			if changed {
				strategyChanges++
				appendStrategyLog(spec.Run.ArtifactsDir, fmt.Sprintf("iteration %d: escalate %s -> %s (streak=%d)", i, strategy, newStrategy, sameFailureStreak))
				strategy = newStrategy
				if strategy == StrategyRestartAgent && spec.Agent != nil {
					_ = spec.Agent.Reset(ctx)
				}
			}
			continue
		}

		if spec.Commit.Enabled {
			commitHash, err := safeCommit(ctx, spec.Run.WorktreeDir, renderCommitMessage(spec.Commit.MessageTemplate, spec.Goal))
			if err != nil {
				return finalizeResult(spec, i, strategyChanges, false, err)
			}
			writeFinalReport(spec.Run.ArtifactsDir, i, strategyChanges, true, commitHash, spec.Run.BranchName)
			return Result{
				Ok: true, Iterations: i, StrategyChanges: strategyChanges,
				FinalCommit: commitHash, FinalBranch: spec.Run.BranchName,
				LastReportPath: filepath.Join(spec.Run.ArtifactsDir, fmt.Sprintf("iter-%d", i), "report.json"),
			}
		}

		writeFinalReport(spec.Run.ArtifactsDir, i, strategyChanges, true, "", spec.Run.BranchName)
		return Result{Ok: true, Iterations: i, StrategyChanges: strategyChanges, FinalBranch: spec.Run.BranchName}
	}

	writeFinalReport(spec.Run.ArtifactsDir, spec.MaxIterations, strategyChanges, false, "", spec.Run.BranchName)
	return Result{Ok: false, Iterations: spec.MaxIterations, StrategyChanges: strategyChanges, Error: ErrMaxIterationsExceeded}
}

func finalizeResult(spec RunSpec, iterations, strategyChanges int, ok bool, err error) Result {
	writeFinalReport(spec.Run.ArtifactsDir, iterations, strategyChanges, ok, "", spec.Run.BranchName)
	return Result{Ok: ok, Iterations: iterations, StrategyChanges: strategyChanges, Error: err}
}

func strategyNote(s Strategy) string {
	switch s {
	case StrategyCleanDeps:
		return "previous iterations repeated the same failure; dependency caches were cleared and reinstalled"
	case StrategyRestartAgent:
		return "previous iterations repeated the same failure after a clean dependency reinstall; the agent session was reset"
	default:
		return ""
	}
}

// runVerification executes steps directly via verify.Run, unless spec opts
// into the Docker hard-sandbox backend, in which case each step runs inside
// a container via spec.Sandbox instead — same dependent/short-circuit
// semantics as verify.Run, just a different execution substrate per step.
func runVerification(ctx context.Context, spec RunSpec, enabled bool, steps []verify.Step) verify.Report {
	if spec.SandboxBackend != SandboxDocker || spec.Sandbox == nil {
		return verify.Run(ctx, enabled, steps)
	}
	report := verify.Report{Enabled: enabled}
	if !enabled {
		return report
	}
	shortCircuited := false
	for _, step := range steps {
		if shortCircuited {
			report.Results = append(report.Results, verify.StepResult{
				Cmd: step.Cmd, Args: step.Args,
				Notes: []string{"skipped: earlier dependent step failed"},
			})
			continue
		}
		res, err := spec.Sandbox.RunStep(ctx, step.Cwd, step, spec.AllowNetwork)
		if err != nil {
			res.ExitCode = -1
			res.Notes = append(res.Notes, err.Error())
		}
		report.Results = append(report.Results, res)
		if step.Dependent && res.ExitCode != 0 {
			shortCircuited = true
		}
	}
	return report
}

func argvStep(argv []string, cwd string, dependent bool) verify.Step {
	if len(argv) == 0 {
		return verify.Step{Cmd: "true", Dependent: dependent}
	}
	return verify.Step{Cmd: argv[0], Args: argv[1:], Cwd: cwd, Dependent: dependent}
}

func reportSignature(r verify.Report) string {
	if !r.Enabled {
		return "disabled"
	}
	if r.Ok() {
		return "ok"
	}
	var parts []string
	for _, res := range r.Results {
		if res.ExitCode != 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", res.Cmd, res.ExitCode))
		}
	}
	return strings.Join(parts, ",")
}

func summarizeDiff(changedFiles []string) string {
	return strings.Join(changedFiles, ", ")
}

// gitDiffState concurrently reads the changed-files list and the full patch
// via errgroup, since the two git invocations are independent reads against
// the same worktree (SPEC_FULL.md §11's errgroup wiring for C10).
func gitDiffState(ctx context.Context, worktreeDir string) ([]string, string, error) {
	// intent-to-add so untracked files the agent created show up in the
	// diff below; it only touches the index, never the working tree.
	_, _ = command.Run(ctx, command.Request{Cmd: "git", Args: []string{"-C", worktreeDir, "add", "-A", "-N", "."}})

	var changedFiles []string
	var diff string

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := command.Run(ctx, command.Request{Cmd: "git", Args: []string{"-C", worktreeDir, "diff", "--name-only"}})
		if err != nil {
			return err
		}
		for _, line := range strings.Split(strings.TrimSpace(string(res.Stdout)), "\n") {
			if line != "" {
				changedFiles = append(changedFiles, line)
			}
		}
		return nil
	})
	g.Go(func() error {
		res, err := command.Run(ctx, command.Request{Cmd: "git", Args: []string{"-C", worktreeDir, "diff"}})
		if err != nil {
			return err
		}
		diff = string(res.Stdout)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, "", fmt.Errorf("bootstrap: git diff state: %w", err)
	}
	return changedFiles, diff, nil
}

func removeCleanDepsPaths(worktreeDir string) {
	for _, p := range cleanDepsPaths {
		_ = os.RemoveAll(filepath.Join(worktreeDir, p))
	}
}

func safeCommit(ctx context.Context, worktreeDir, message string) (string, error) {
	res, err := command.Run(ctx, command.Request{Cmd: "git", Args: []string{"-C", worktreeDir, "status", "--porcelain"}})
	if err != nil {
		return "", err
	}
	var toStage []string
	for _, line := range strings.Split(strings.TrimRight(string(res.Stdout), "\n"), "\n") {
		if line == "" {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if strings.HasPrefix(path, ".") && strings.Contains(path, string(os.PathSeparator)) {
			continue // exclude dot-underscore state dirs
		}
		toStage = append(toStage, path)
	}
	if len(toStage) == 0 {
		return "", errors.New("bootstrap: commit requires at least one staged file")
	}

	args := append([]string{"-C", worktreeDir, "add", "--"}, toStage...)
	if addRes, err := command.Run(ctx, command.Request{Cmd: "git", Args: args}); err != nil || addRes.ExitCode != 0 {
		return "", fmt.Errorf("bootstrap: git add failed")
	}

	commitRes, err := command.Run(ctx, command.Request{Cmd: "git", Args: []string{"-C", worktreeDir, "commit", "-m", message}})
	if err != nil || commitRes.ExitCode != 0 {
		return "", fmt.Errorf("bootstrap: git commit failed: %s", string(commitRes.Stderr))
	}

	hashRes, err := command.Run(ctx, command.Request{Cmd: "git", Args: []string{"-C", worktreeDir, "rev-parse", "HEAD"}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(hashRes.Stdout)), nil
}

func renderCommitMessage(template, goal string) string {
	if template == "" {
		template = "bootstrap: %s"
	}
	return fmt.Sprintf(template, goal)
}

func writeArtifact(artifactsDir string, iteration int, name string, data []byte) {
	dir := filepath.Join(artifactsDir, fmt.Sprintf("iter-%d", iteration))
	_ = os.MkdirAll(dir, 0o755)
	_ = os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func writeJSONArtifact(artifactsDir string, iteration int, name string, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	writeArtifact(artifactsDir, iteration, name, b)
}

func appendStrategyLog(artifactsDir, line string) {
	f, err := os.OpenFile(filepath.Join(artifactsDir, "strategy.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line + "\n")
}

func writeFinalReport(artifactsDir string, iterations, strategyChanges int, ok bool, commit, branch string) {
	type final struct {
		Ok              bool      `json:"ok"`
		Iterations      int       `json:"iterations"`
		StrategyChanges int       `json:"strategy_changes"`
		FinalCommit     string    `json:"final_commit,omitempty"`
		FinalBranch     string    `json:"final_branch"`
		FinishedAt      time.Time `json:"finished_at"`
	}
	b, err := json.MarshalIndent(final{ok, iterations, strategyChanges, commit, branch, time.Now()}, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(artifactsDir, 0o755)
	_ = os.WriteFile(filepath.Join(artifactsDir, "final.json"), b, 0o644)
}
