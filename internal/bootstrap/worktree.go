// Package bootstrap implements C9 (worktree.go) and C10 (loop.go,
// strategy.go): a sandboxed git worktree preparation step followed by an
// iterative plan->verify->strategize->commit loop that drives an agent to
// make a target repository pass install/lint/test verification. Grounded on
// the teacher's internal/worktree/manager.go (Create flow, repo locking,
// git worktree invocation) and internal/repoclone.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/agentforge/internal/command"
	"github.com/agentforge/agentforge/internal/dirlock"
	"github.com/agentforge/agentforge/internal/lock"
)

// ProjectKind distinguishes a remote clone target from a pre-existing local
// checkout (spec.md §4.C9).
type ProjectKind string

const (
	ProjectGitURL    ProjectKind = "git_url"
	ProjectLocalPath ProjectKind = "local_path"
)

// ProjectRef names the bootstrap target.
type ProjectRef struct {
	Kind  ProjectKind
	Value string
}

// RunContext is the result of a successful worktree preparation (spec.md
// §3 Bootstrap run context).
type RunContext struct {
	ProjectID     string
	RunID         string
	BootstrapRoot string
	RepoDir       string
	WorktreeDir   string
	ArtifactsDir  string
	BranchName    string
	Source        ProjectRef
}

// WorktreeOptions parameterizes PrepareWorktree.
type WorktreeOptions struct {
	Project      ProjectRef
	BranchPrefix string
	StateDir     string // defaults to os.TempDir()/agentforge-state
}

const repoLockTimeout = 30 * time.Minute

// projectID derives a stable identifier for a project reference by hashing
// its normalized value, mirroring the teacher's project-id derivation used
// to key per-project state directories.
func projectID(ref ProjectRef) string {
	sum := sha256.Sum256([]byte(string(ref.Kind) + ":" + ref.Value))
	return hex.EncodeToString(sum[:])[:16]
}

// PrepareWorktree implements C9: serializes via pool's per-project lock,
// then via a cross-process directory lock, ensures a local clone exists (or
// is refreshed), prunes stale worktree metadata, and adds a fresh worktree
// on a new branch.
func PrepareWorktree(ctx context.Context, pool *lock.Pool, opts WorktreeOptions) (*RunContext, error) {
	pid := projectID(opts.Project)
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(os.TempDir(), "agentforge-state")
	}
	bootstrapRoot := filepath.Join(stateDir, "bootstraps", pid)

	var rc *RunContext
	err := pool.RunExclusive(ctx, bootstrapRoot, func(ctx context.Context) error {
		lockPath := filepath.Join(bootstrapRoot, ".locks", "repo.lock")
		dl, err := dirlock.Acquire(ctx, lockPath, dirlock.Options{
			Timeout:   repoLockTimeout,
			ProjectID: pid,
		})
		if err != nil {
			return fmt.Errorf("bootstrap: acquire repo lock: %w", err)
		}
		defer dl.Release()

		runID := time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
		repoDir := filepath.Join(bootstrapRoot, "repo")
		worktreeDir := filepath.Join(bootstrapRoot, "worktrees", runID)
		artifactsDir := filepath.Join(bootstrapRoot, "artifacts", runID)
		branch := opts.BranchPrefix + "/" + runID

		if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
			return fmt.Errorf("bootstrap: mkdir artifacts: %w", err)
		}

		if err := ensureClone(ctx, opts.Project, repoDir); err != nil {
			return err
		}

		if _, err := command.Run(ctx, command.Request{Cmd: "git", Args: []string{"-C", repoDir, "worktree", "prune"}}); err != nil {
			return fmt.Errorf("bootstrap: worktree prune: %w", err)
		}

		res, err := command.Run(ctx, command.Request{
			Cmd:  "git",
			Args: []string{"-C", repoDir, "worktree", "add", "-b", branch, worktreeDir, "HEAD"},
		})
		if err != nil || res.ExitCode != 0 {
			return fmt.Errorf("bootstrap: worktree add failed (exit=%d): %s", res.ExitCode, string(res.Stderr))
		}

		if err := setWorktreeIdentity(ctx, worktreeDir); err != nil {
			return err
		}

		rc = &RunContext{
			ProjectID:     pid,
			RunID:         runID,
			BootstrapRoot: bootstrapRoot,
			RepoDir:       repoDir,
			WorktreeDir:   worktreeDir,
			ArtifactsDir:  artifactsDir,
			BranchName:    branch,
			Source:        opts.Project,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func ensureClone(ctx context.Context, ref ProjectRef, repoDir string) error {
	if isGitRepo(repoDir) {
		// Best-effort refresh; failures here don't abort the run (the
		// existing clone is still usable).
		_, _ = command.Run(ctx, command.Request{
			Cmd: "git", Args: []string{"-C", repoDir, "fetch", "--all", "--prune"}, Timeout: 30 * time.Second,
		})
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(repoDir), 0o755); err != nil {
		return fmt.Errorf("bootstrap: mkdir repo parent: %w", err)
	}

	switch ref.Kind {
	case ProjectGitURL:
		tmp := repoDir + ".tmp-" + uuid.NewString()[:8]
		res, err := command.Run(ctx, command.Request{Cmd: "git", Args: []string{"clone", ref.Value, tmp}})
		if err != nil || res.ExitCode != 0 {
			return fmt.Errorf("bootstrap: clone failed (exit=%d): %s", res.ExitCode, string(res.Stderr))
		}
		return os.Rename(tmp, repoDir)
	case ProjectLocalPath:
		res, err := command.Run(ctx, command.Request{Cmd: "git", Args: []string{"clone", ref.Value, repoDir}})
		if err != nil || res.ExitCode != 0 {
			return fmt.Errorf("bootstrap: local clone failed (exit=%d): %s", res.ExitCode, string(res.Stderr))
		}
		return nil
	default:
		return fmt.Errorf("bootstrap: unknown project kind %q", ref.Kind)
	}
}

func isGitRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

func setWorktreeIdentity(ctx context.Context, worktreeDir string) error {
	for _, kv := range [][2]string{{"user.name", "agentforge-bootstrap"}, {"user.email", "bootstrap@agentforge.local"}} {
		res, err := command.Run(ctx, command.Request{Cmd: "git", Args: []string{"-C", worktreeDir, "config", kv[0], kv[1]}})
		if err != nil || res.ExitCode != 0 {
			return fmt.Errorf("bootstrap: set %s: exit=%d", kv[0], res.ExitCode)
		}
	}
	return nil
}
