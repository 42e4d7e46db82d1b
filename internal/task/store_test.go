package task

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_CreateAndGetTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &Task{Title: "build the thing", Prompt: "do it", MaxRetries: 3}
	require.NoError(t, store.CreateTask(ctx, task, now, nil, nil))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusPending, task.Status)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "build the thing", got.Title)
	assert.Equal(t, 3, got.MaxRetries)
}

func TestStore_CreateTaskDefaultsToQueuedWhenRequested(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &Task{Title: "t"}
	require.NoError(t, store.CreateTask(ctx, task, time.Now().UTC(), &CreateOptions{Status: StatusQueued}, nil))
	assert.Equal(t, StatusQueued, task.Status)
}

func TestStore_ListTasksOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	low := &Task{Title: "low", Priority: 1}
	require.NoError(t, store.CreateTask(ctx, low, base, nil, nil))
	high := &Task{Title: "high", Priority: 5}
	require.NoError(t, store.CreateTask(ctx, high, base.Add(time.Millisecond), nil, nil))

	tasks, err := store.ListTasks(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "high", tasks[0].Title)
}

func TestStore_ReorderPendingTasksRejectsUnknownID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := &Task{Title: "a"}
	require.NoError(t, store.CreateTask(ctx, task, time.Now().UTC(), nil, nil))

	err := store.ReorderPendingTasks(ctx, []string{task.ID, "missing"})
	assert.ErrorIs(t, err, ErrNotInPending)
}

func TestStore_DequeueNextQueuedTaskPromotesToPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := &Task{Title: "queued-one"}
	require.NoError(t, store.CreateTask(ctx, task, time.Now().UTC(), &CreateOptions{Status: StatusQueued}, nil))

	promoted, err := store.DequeueNextQueuedTask(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, StatusPending, promoted.Status)

	none, err := store.DequeueNextQueuedTask(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_UpdateTaskForbidsRestrictedFieldsWhenNonPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := &Task{Title: "a"}
	require.NoError(t, store.CreateTask(ctx, task, time.Now().UTC(), nil, nil))

	running := StatusRunning
	_, err := store.UpdateTask(ctx, task.ID, TaskUpdate{Status: &running}, time.Now().UTC())
	require.NoError(t, err)

	newTitle := "b"
	_, err = store.UpdateTask(ctx, task.ID, TaskUpdate{Title: &newTitle}, time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestStore_MarkPromptInjectedIsAtMostOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := &Task{Title: "a"}
	require.NoError(t, store.CreateTask(ctx, task, time.Now().UTC(), nil, nil))

	first, err := store.MarkPromptInjected(ctx, task.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.MarkPromptInjected(ctx, task.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, second)
}

func TestStore_MessagesAndPlanRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := &Task{Title: "a"}
	require.NoError(t, store.CreateTask(ctx, task, time.Now().UTC(), nil, nil))

	require.NoError(t, store.AddMessage(ctx, &Message{TaskID: task.ID, Role: RoleUser, Type: MessageChat, Content: "hi"}))
	require.NoError(t, store.AddMessage(ctx, &Message{TaskID: task.ID, Role: RoleAssistant, Type: MessageChat, Content: "hello"}))

	msgs, err := store.GetMessages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)

	require.NoError(t, store.PutPlan(ctx, []*PlanStep{
		{TaskID: task.ID, StepNumber: 1, Title: "step one", State: PlanStepPending},
	}))
	plan, err := store.GetPlan(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "step one", plan[0].Title)
}

func TestStore_DeleteTaskCascadesDependents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := &Task{Title: "a"}
	require.NoError(t, store.CreateTask(ctx, task, time.Now().UTC(), nil, nil))
	require.NoError(t, store.AddMessage(ctx, &Message{TaskID: task.ID, Role: RoleUser, Type: MessageChat, Content: "hi"}))

	require.NoError(t, store.DeleteTask(ctx, task.ID))

	_, err := store.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err := store.GetMessages(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_PurgeArchivedCompletedTasksBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	task := &Task{Title: "a"}
	require.NoError(t, store.CreateTask(ctx, task, old, nil, nil))
	running := StatusComplete
	_, err := store.UpdateTask(ctx, task.ID, TaskUpdate{Status: &running, ArchivedAt: &old}, old)
	require.NoError(t, err)

	result, err := store.PurgeArchivedCompletedTasksBatch(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Contains(t, result.TaskIDs, task.ID)

	_, err = store.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetActiveTaskID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := &Task{Title: "a"}
	require.NoError(t, store.CreateTask(ctx, task, time.Now().UTC(), nil, nil))

	none, err := store.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)

	planning := StatusPlanning
	started := time.Now().UTC()
	_, err = store.UpdateTask(ctx, task.ID, TaskUpdate{Status: &planning, StartedAt: &started}, started)
	require.NoError(t, err)

	active, err := store.GetActiveTaskID(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, active)
}
