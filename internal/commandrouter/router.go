// Package commandrouter implements the "anything else" branch of C13's
// slash-command dispatch: /search and /bootstrap, which pull in C9/C10 and
// therefore can't live inside internal/ws without an import cycle on the
// bootstrap machinery. Grounded on the teacher's own CLI-slash-command
// dispatch table in cmd/kandev/agents.go (flag parsing ahead of positional
// arguments, formatted single-string replies).
package commandrouter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/bootstrap"
	"github.com/agentforge/agentforge/internal/command"
	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/sandbox"
	"github.com/agentforge/agentforge/internal/session"
)

// Router implements ws.CommandRouter.
type Router struct {
	allowedDirs []string
	stateDir    string
	pool        *lock.Pool
	dockerCfg   config.DockerConfig
	log         *logger.Logger
}

// New constructs a Router. allowedDirs gates /bootstrap's local-path
// resolution and /search's scope, mirroring spec.md §6's allowed-dir
// validation; pool is the same C2 lock pool C9 serializes worktree
// preparation through.
func New(allowedDirs []string, stateDir string, pool *lock.Pool, dockerCfg config.DockerConfig, log *logger.Logger) *Router {
	return &Router{allowedDirs: allowedDirs, stateDir: stateDir, pool: pool, dockerCfg: dockerCfg, log: log}
}

// RunCommand dispatches name (already stripped of its leading "/") to the
// matching handler.
func (r *Router) RunCommand(ctx context.Context, rec *session.Record, name string, args []string) (string, error) {
	switch name {
	case "search":
		return r.runSearch(ctx, rec, args)
	case "bootstrap":
		return r.runBootstrap(ctx, rec, args)
	default:
		return "", fmt.Errorf("commandrouter: unsupported command /%s", name)
	}
}

// runSearch performs a recursive text search rooted at the session's cwd
// and formats a result bubble (spec.md §6's "/search <query> — emits a
// formatted result bubble").
func (r *Router) runSearch(ctx context.Context, rec *session.Record, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("/search requires a query")
	}
	query := strings.Join(args, " ")
	if cwd, err := filepath.Abs(rec.Cwd); err != nil || !r.isAllowedDir(cwd) {
		return "", fmt.Errorf("/search: %q is outside the allowed directories", rec.Cwd)
	}

	res, err := command.Run(ctx, command.Request{
		Cmd:  "grep",
		Args: []string{"-rn", "--", query, "."},
		Cwd:  rec.Cwd,
	})
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	if res.ExitCode == 1 && len(res.Stdout) == 0 {
		return fmt.Sprintf("No matches for %q", query), nil
	}

	lines := strings.Split(strings.TrimRight(string(res.Stdout), "\n"), "\n")
	const maxLines = 20
	truncated := len(lines) > maxLines
	if truncated {
		lines = lines[:maxLines]
	}
	out := fmt.Sprintf("Search results for %q (%d shown):\n%s", query, len(lines), strings.Join(lines, "\n"))
	if truncated {
		out += "\n… (truncated)"
	}
	return out, nil
}

type bootstrapFlags struct {
	soft          bool
	noInstall     bool
	noNetwork     bool
	maxIterations int
	model         string
}

// parseBootstrapArgs splits leading --flags from the trailing
// <repoPath|gitUrl> <goal…> positional arguments, per spec.md §6.
func parseBootstrapArgs(args []string) (bootstrapFlags, []string) {
	flags := bootstrapFlags{maxIterations: 5}
	var positional []string
	for _, a := range args {
		switch {
		case a == "--soft":
			flags.soft = true
		case a == "--no-install":
			flags.noInstall = true
		case a == "--no-network":
			flags.noNetwork = true
		case strings.HasPrefix(a, "--max-iterations="):
			if n, err := strconv.Atoi(strings.TrimPrefix(a, "--max-iterations=")); err == nil {
				flags.maxIterations = n
			}
		case strings.HasPrefix(a, "--model="):
			flags.model = strings.TrimPrefix(a, "--model=")
		default:
			positional = append(positional, a)
		}
	}
	return flags, positional
}

func (r *Router) resolveProjectRef(target string) (bootstrap.ProjectRef, error) {
	if strings.Contains(target, "://") || strings.HasSuffix(target, ".git") {
		return bootstrap.ProjectRef{Kind: bootstrap.ProjectGitURL, Value: target}, nil
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return bootstrap.ProjectRef{}, fmt.Errorf("/bootstrap: invalid path %q: %w", target, err)
	}
	if !r.isAllowedDir(abs) {
		return bootstrap.ProjectRef{}, fmt.Errorf("/bootstrap: %q is outside the allowed directories", target)
	}
	return bootstrap.ProjectRef{Kind: bootstrap.ProjectLocalPath, Value: abs}, nil
}

func (r *Router) isAllowedDir(abs string) bool {
	if len(r.allowedDirs) == 0 {
		return true
	}
	for _, dir := range r.allowedDirs {
		allowedAbs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if abs == allowedAbs || strings.HasPrefix(abs, allowedAbs+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

// sessionAgentRunner adapts a session's Orchestrator to bootstrap.AgentRunner
// so the bootstrap loop's agent turns reuse the exact same adapter pool an
// interactive turn would.
type sessionAgentRunner struct {
	rec   *session.Record
	model string
}

func (a *sessionAgentRunner) RunIteration(ctx context.Context, in bootstrap.IterationInput) (bootstrap.IterationOutput, error) {
	if a.model != "" {
		if err := a.rec.Orchestrator.SetModel(a.model); err != nil {
			return bootstrap.IterationOutput{}, err
		}
	}
	if err := a.rec.Orchestrator.SetWorkingDirectory(in.Cwd); err != nil {
		return bootstrap.IterationOutput{}, err
	}
	prompt := fmt.Sprintf("Goal: %s\n\nIteration %d feedback:\nlint=%s test=%s diff=%s\n%s",
		in.Goal, in.Iteration, in.Feedback.LintSummary, in.Feedback.TestSummary, in.Feedback.DiffSummary, in.Feedback.StrategyNote)
	result, err := a.rec.Orchestrator.Send(ctx, agent.TextInput(prompt), agent.SendOptions{})
	if err != nil {
		return bootstrap.IterationOutput{}, err
	}
	return bootstrap.IterationOutput{Notes: result.Response}, nil
}

func (a *sessionAgentRunner) Reset(ctx context.Context) error {
	return a.rec.Orchestrator.Reset(ctx)
}

// runBootstrap implements spec.md §6's "/bootstrap [--soft] [--no-install]
// [--no-network] [--max-iterations=N] [--model=M] <repoPath|gitUrl> <goal…>".
func (r *Router) runBootstrap(ctx context.Context, rec *session.Record, args []string) (string, error) {
	flags, positional := parseBootstrapArgs(args)
	if len(positional) < 2 {
		return "", fmt.Errorf("/bootstrap requires <repoPath|gitUrl> <goal…>")
	}
	target, goal := positional[0], strings.Join(positional[1:], " ")

	ref, err := r.resolveProjectRef(target)
	if err != nil {
		return "", err
	}

	run, err := bootstrap.PrepareWorktree(ctx, r.pool, bootstrap.WorktreeOptions{
		Project:      ref,
		BranchPrefix: "agentforge",
		StateDir:     r.stateDir,
	})
	if err != nil {
		return "", fmt.Errorf("/bootstrap: prepare worktree: %w", err)
	}

	sandboxBackend := bootstrap.SandboxBubblewrap
	var sb *sandbox.Client
	if flags.soft {
		sandboxBackend = bootstrap.SandboxNone
	} else if r.dockerCfg.Host != "" || r.dockerCfg.Image != "" {
		sandboxBackend = bootstrap.SandboxDocker
		sb, err = sandbox.NewClient(r.dockerCfg, r.log)
		if err != nil {
			return "", fmt.Errorf("/bootstrap: docker sandbox: %w", err)
		}
		defer func() { _ = sb.Close() }()
	}

	spec := bootstrap.RunSpec{
		Run:                run,
		Goal:               goal,
		MaxIterations:      flags.maxIterations,
		AllowNetwork:       !flags.noNetwork,
		AllowInstallDeps:   !flags.noInstall,
		Commit:             bootstrap.CommitSpec{Enabled: true, MessageTemplate: "agentforge: %s"},
		SandboxBackend:     sandboxBackend,
		RequireHardSandbox: r.dockerCfg.RequireHardSandbox,
		Agent:              &sessionAgentRunner{rec: rec, model: flags.model},
		Sandbox:            sb,
	}

	result := bootstrap.Loop(ctx, spec)
	if result.Error != nil {
		return "", fmt.Errorf("/bootstrap: %w (after %d iteration(s))", result.Error, result.Iterations)
	}
	return fmt.Sprintf(
		"bootstrap ok=%v iterations=%d branch=%s commit=%s (%s)",
		result.Ok, result.Iterations, result.FinalBranch, result.FinalCommit, time.Now().UTC().Format(time.RFC3339),
	), nil
}
