package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesExitCodeAndOutput(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Cmd:  "sh",
		Args: []string{"-c", "echo hello; echo world 1>&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, string(res.Stdout), "hello")
	assert.Contains(t, string(res.Stderr), "world")
	assert.False(t, res.Killed)
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Cmd:     "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.Killed)
}

func TestRun_TruncatesOutputAtCap(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Cmd:            "sh",
		Args:           []string{"-c", "yes x | head -c 100000"},
		MaxOutputBytes: 16,
	})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout), 16)
}

func TestRun_RejectsNonAllowlistedProgram(t *testing.T) {
	_, err := Run(context.Background(), Request{
		Cmd:       "rm",
		Args:      []string{"-rf", "/"},
		Allowlist: []string{"git", "npm"},
	})
	require.ErrorIs(t, err, ErrAllowlisted)
}

func TestRun_ContextCancelKills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res, err := Run(ctx, Request{Cmd: "sh", Args: []string{"-c", "sleep 5"}})
	require.NoError(t, err)
	assert.True(t, res.Killed)
}
