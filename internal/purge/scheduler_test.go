package purge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/internal/task"
)

func newTestTaskStore(t *testing.T) task.Store {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func archivedTask(t *testing.T, store task.Store, age time.Duration, attachmentPath string) string {
	t.Helper()
	ctx := context.Background()
	old := time.Now().UTC().Add(-age)

	tk := &task.Task{Title: "old task"}
	require.NoError(t, store.CreateTask(ctx, tk, old, nil, nil))
	complete := task.StatusComplete
	_, err := store.UpdateTask(ctx, tk.ID, task.TaskUpdate{Status: &complete, ArchivedAt: &old}, old)
	require.NoError(t, err)

	if attachmentPath != "" {
		require.NoError(t, store.AddAttachment(ctx, &task.Attachment{
			TaskID:     tk.ID,
			StorageKey: attachmentPath,
		}))
	}
	return tk.ID
}

func TestScheduler_RunOncePurgesOldArchivedTasksAndUnlinksAttachments(t *testing.T) {
	store := newTestTaskStore(t)
	dir := t.TempDir()
	blobPath := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(blobPath, []byte("x"), 0o644))

	taskID := archivedTask(t, store, 8*24*time.Hour, blobPath)

	sched := New(store, func(key string) string { return key }, nil, time.Hour)
	require.NoError(t, sched.RunOnce(context.Background()))

	_, err := store.GetTask(context.Background(), taskID)
	assert.ErrorIs(t, err, task.ErrNotFound)

	// Give the bounded-concurrency unlink goroutines a moment; RunOnce blocks
	// until the batch's unlinks finish, so this should already be gone.
	_, statErr := os.Stat(blobPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestScheduler_RunOnceLeavesRecentArchivedTasksAlone(t *testing.T) {
	store := newTestTaskStore(t)
	taskID := archivedTask(t, store, time.Hour, "")

	sched := New(store, nil, nil, time.Hour)
	require.NoError(t, sched.RunOnce(context.Background()))

	_, err := store.GetTask(context.Background(), taskID)
	require.NoError(t, err, "task younger than the cutoff must survive a purge pass")
}

func TestScheduler_UnlinkToleratesMissingFile(t *testing.T) {
	store := newTestTaskStore(t)
	missing := filepath.Join(t.TempDir(), "already-gone.bin")
	archivedTask(t, store, 8*24*time.Hour, missing)

	sched := New(store, func(key string) string { return key }, nil, time.Hour)
	assert.NoError(t, sched.RunOnce(context.Background()))
}

func TestScheduler_MaybeRunRespectsTwelveHourThrottle(t *testing.T) {
	store := newTestTaskStore(t)
	taskID := archivedTask(t, store, 8*24*time.Hour, "")

	sched := New(store, nil, nil, time.Millisecond)
	sched.lastRun = time.Now()
	sched.maybeRun(context.Background())

	_, err := store.GetTask(context.Background(), taskID)
	require.NoError(t, err, "a fresh throttle window must skip the run entirely")
}
