package taskqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/task"
)

type stubPlanner struct {
	steps []*task.PlanStep
	err   error
}

func (p *stubPlanner) Plan(ctx context.Context, t *task.Task) (PlanResult, error) {
	return PlanResult{Steps: p.steps}, p.err
}

type stubExecutor struct {
	err error
}

func (e *stubExecutor) ExecuteStep(ctx context.Context, t *task.Task, step *task.PlanStep) (StepOutcome, error) {
	if e.err != nil {
		return StepOutcome{}, e.err
	}
	return StepOutcome{Messages: []*task.Message{{Role: task.RoleAssistant, Type: task.MessageChat, Content: "done"}}}, nil
}

func newTestQueue(t *testing.T, planner Planner, exec Executor) (*Queue, task.Store) {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	q := New(store, lock.NewPool(), planner, exec, nil, Options{WorkspaceRoot: t.TempDir()})
	return q, store
}

func TestQueue_PromotesQueuedTaskBeforePicking(t *testing.T) {
	q, store := newTestQueue(t, &stubPlanner{}, &stubExecutor{})
	ctx := context.Background()

	queued := &task.Task{Title: "t"}
	require.NoError(t, store.CreateTask(ctx, queued, time.Now().UTC(), &task.CreateOptions{Status: task.StatusQueued}, nil))

	q.tick(ctx)

	got, err := store.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusComplete, got.Status)
}

func TestQueue_ProcessesPendingTaskToCompletionAndEmitsLifecycle(t *testing.T) {
	q, store := newTestQueue(t, &stubPlanner{steps: []*task.PlanStep{{StepNumber: 1, Title: "do it"}}}, &stubExecutor{})
	ctx := context.Background()

	var kinds []EventKind
	q.OnEvent(func(ev Event) { kinds = append(kinds, ev.Kind) })

	tsk := &task.Task{Title: "t"}
	require.NoError(t, store.CreateTask(ctx, tsk, time.Now().UTC(), nil, nil))

	q.tick(ctx)

	got, err := store.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusComplete, got.Status)
	assert.Contains(t, kinds, EventTaskStarted)
	assert.Contains(t, kinds, EventTaskPlanned)
	assert.Contains(t, kinds, EventTaskRunning)
	assert.Contains(t, kinds, EventStepCompleted)
	assert.Contains(t, kinds, EventTaskCompleted)

	msgs, err := store.GetMessages(ctx, tsk.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestQueue_FailedStepRetriesUntilMaxRetries(t *testing.T) {
	q, store := newTestQueue(t, &stubPlanner{steps: []*task.PlanStep{{StepNumber: 1}}}, &stubExecutor{err: errors.New("boom")})
	ctx := context.Background()

	tsk := &task.Task{Title: "t", MaxRetries: 1}
	require.NoError(t, store.CreateTask(ctx, tsk, time.Now().UTC(), nil, nil))

	q.tick(ctx) // first failure -> retried, back to pending
	got, err := store.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	q.tick(ctx) // second failure -> exhausted, terminal failed
	got, err = store.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestQueue_RetryRequeuesFailedTask(t *testing.T) {
	q, store := newTestQueue(t, &stubPlanner{}, &stubExecutor{})
	ctx := context.Background()

	tsk := &task.Task{Title: "t"}
	require.NoError(t, store.CreateTask(ctx, tsk, time.Now().UTC(), nil, nil))
	failed := task.StatusFailed
	_, err := store.UpdateTask(ctx, tsk.ID, task.TaskUpdate{Status: &failed}, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, tsk.ID))

	got, err := store.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}

func TestQueue_RetryRejectsNonFailedTask(t *testing.T) {
	q, store := newTestQueue(t, &stubPlanner{}, &stubExecutor{})
	ctx := context.Background()
	tsk := &task.Task{Title: "t"}
	require.NoError(t, store.CreateTask(ctx, tsk, time.Now().UTC(), nil, nil))

	err := q.Retry(ctx, tsk.ID)
	assert.Error(t, err)
}

func TestQueue_CancelMarksTaskCancelled(t *testing.T) {
	q, store := newTestQueue(t, &stubPlanner{}, &stubExecutor{})
	ctx := context.Background()
	tsk := &task.Task{Title: "t"}
	require.NoError(t, store.CreateTask(ctx, tsk, time.Now().UTC(), nil, nil))

	var kinds []EventKind
	q.OnEvent(func(ev Event) { kinds = append(kinds, ev.Kind) })

	require.NoError(t, q.Cancel(ctx, tsk.ID))

	got, err := store.GetTask(ctx, tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, got.Status)
	assert.Contains(t, kinds, EventTaskCancelled)
}

func TestQueue_RunSingleTaskIsIdempotentForSameTask(t *testing.T) {
	q, store := newTestQueue(t, &stubPlanner{}, &stubExecutor{})
	ctx := context.Background()
	tsk := &task.Task{Title: "t"}
	require.NoError(t, store.CreateTask(ctx, tsk, time.Now().UTC(), nil, nil))

	require.NoError(t, q.RunSingleTask(ctx, tsk.ID))
	require.NoError(t, q.RunSingleTask(ctx, tsk.ID))

	err := q.RunSingleTask(ctx, "other-task")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}
