package bootstrap

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "init")
	return dir
}

func newRunContext(t *testing.T, worktreeDir string) *RunContext {
	t.Helper()
	return &RunContext{
		WorktreeDir:  worktreeDir,
		ArtifactsDir: t.TempDir(),
		BranchName:   "bootstrap/test",
	}
}

// scriptedAgent writes a fixed file to disk on each iteration so the
// verification steps (which inspect the worktree) have something to see.
type scriptedAgent struct {
	writes []string // file content to write per-iteration, indexed from 0
	resets int
	calls  int
}

func (s *scriptedAgent) RunIteration(ctx context.Context, in IterationInput) (IterationOutput, error) {
	idx := in.Iteration - 1
	if idx < len(s.writes) {
		_ = os.WriteFile(filepath.Join(in.Cwd, "out.txt"), []byte(s.writes[idx]), 0o644)
	}
	s.calls++
	return IterationOutput{}, nil
}

func (s *scriptedAgent) Reset(ctx context.Context) error {
	s.resets++
	return nil
}

func TestLoop_HappyPathSucceedsOnSecondIteration(t *testing.T) {
	dir := initRepo(t)
	agent := &scriptedAgent{writes: []string{"bad", "good"}}

	result := Loop(context.Background(), RunSpec{
		Run:           newRunContext(t, dir),
		Goal:          "make it pass",
		MaxIterations: 5,
		Agent:         agent,
		Recipe: Recipe{
			Lint: []string{"test", "-f", "out.txt"},
			Test: []string{"grep", "-q", "good", "out.txt"},
		},
	})

	require.NoError(t, result.Error)
	assert.True(t, result.Ok)
	assert.Equal(t, 2, result.Iterations)
}

func TestLoop_EscalatesStrategyOnRepeatedFailure(t *testing.T) {
	dir := initRepo(t)
	agent := &scriptedAgent{} // never writes out.txt; lint always fails the same way

	result := Loop(context.Background(), RunSpec{
		Run:           newRunContext(t, dir),
		Goal:          "never succeeds",
		MaxIterations: 4,
		Agent:         agent,
		Recipe: Recipe{
			Lint: []string{"test", "-f", "out.txt"},
			Test: []string{"true"},
		},
	})

	assert.False(t, result.Ok)
	assert.ErrorIs(t, result.Error, ErrMaxIterationsExceeded)
	assert.GreaterOrEqual(t, result.StrategyChanges, 2)
	assert.GreaterOrEqual(t, agent.resets, 1)
}

func TestLoop_ClampsMaxIterations(t *testing.T) {
	dir := initRepo(t)
	result := Loop(context.Background(), RunSpec{
		Run:           newRunContext(t, dir),
		MaxIterations: 50,
		Recipe:        Recipe{Lint: []string{"false"}},
	})
	assert.Equal(t, 10, result.Iterations)
}

func TestLoop_RequireHardSandboxFailsWithNoneBackend(t *testing.T) {
	dir := initRepo(t)
	result := Loop(context.Background(), RunSpec{
		Run:                newRunContext(t, dir),
		MaxIterations:      3,
		RequireHardSandbox: true,
		SandboxBackend:     SandboxNone,
	})
	assert.False(t, result.Ok)
	assert.ErrorIs(t, result.Error, ErrHardSandboxRequired)
}

func TestLoop_CancellationStillWritesFinalReport(t *testing.T) {
	dir := initRepo(t)
	run := newRunContext(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Loop(ctx, RunSpec{
		Run:           run,
		MaxIterations: 3,
		Recipe:        Recipe{Lint: []string{"true"}},
	})

	assert.False(t, result.Ok)
	assert.Error(t, result.Error)
	_, err := os.Stat(filepath.Join(run.ArtifactsDir, "final.json"))
	assert.NoError(t, err)
}

func TestLoop_CommitsOnSuccessWhenEnabled(t *testing.T) {
	dir := initRepo(t)
	agent := &scriptedAgent{writes: []string{"good"}}

	result := Loop(context.Background(), RunSpec{
		Run:           newRunContext(t, dir),
		Goal:          "ship it",
		MaxIterations: 2,
		Agent:         agent,
		Commit:        CommitSpec{Enabled: true, MessageTemplate: "bootstrap: %s"},
		Recipe: Recipe{
			Lint: []string{"test", "-f", "out.txt"},
			Test: []string{"true"},
		},
	})

	require.NoError(t, result.Error)
	assert.True(t, result.Ok)
	assert.NotEmpty(t, result.FinalCommit)
}
