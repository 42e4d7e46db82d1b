package dirlock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_ExclusiveAndRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.lock")

	l, err := Acquire(context.Background(), path, Options{ProjectID: "p1", RunID: "r1"})
	require.NoError(t, err)
	require.DirExists(t, path)

	owner, err := readOwner(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner.PID)
	assert.Equal(t, "p1", owner.ProjectID)

	require.NoError(t, l.Release())
	require.NoDirExists(t, path)
}

func TestAcquire_TimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.lock")

	l1, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(context.Background(), path, Options{Timeout: 100 * time.Millisecond, PollMin: 10 * time.Millisecond, PollMax: 20 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestAcquire_RecoversStaleOwnerWithDeadPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.lock")
	require.NoError(t, os.Mkdir(path, 0o755))

	host, _ := os.Hostname()
	owner := Owner{PID: 999999, Host: host, AcquiredAtMs: time.Now().UnixMilli()}
	require.NoError(t, writeOwner(path, owner))

	l, err := Acquire(context.Background(), path, Options{Timeout: time.Second, PollMin: 5 * time.Millisecond, PollMax: 10 * time.Millisecond})
	require.NoError(t, err)
	defer l.Release()

	newOwner, err := readOwner(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), newOwner.PID)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repo.lock")

	l1, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)
	defer l1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, path, Options{Timeout: time.Minute, PollMin: 5 * time.Millisecond, PollMax: 10 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
