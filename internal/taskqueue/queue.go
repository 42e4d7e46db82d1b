// Package taskqueue implements C12: a per-project scheduler that drives the
// C11 task store through its queued->pending->planning->running->terminal
// lifecycle, one task at a time, emitting events for C13/C14 to relay to
// clients. Grounded on the teacher's
// internal/orchestrator/queue/queue.go (container/heap priority queue,
// Enqueue/Dequeue/ErrQueueFull/ErrTaskExists), generalized: ordering and
// promotion live in the store (C11) rather than an in-memory heap, since
// the queue must survive a process restart.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/task"
)

// ErrAlreadyRunning is returned by RunSingleTask when the controller is
// already driving a different task.
var ErrAlreadyRunning = errors.New("taskqueue: another single-task run is active")

// EventKind names a lifecycle event (spec.md §4.C12).
type EventKind string

const (
	EventTaskStarted   EventKind = "task:started"
	EventTaskUpdated   EventKind = "task:updated"
	EventTaskPlanned   EventKind = "task:planned"
	EventTaskRunning   EventKind = "task:running"
	EventStepStarted   EventKind = "step:started"
	EventStepCompleted EventKind = "step:completed"
	EventMessage       EventKind = "message"
	EventMessageDelta  EventKind = "message:delta"
	EventCommand       EventKind = "command"
	EventTaskCompleted EventKind = "task:completed"
	EventTaskFailed    EventKind = "task:failed"
	EventTaskCancelled EventKind = "task:cancelled"
)

// Event is published to subscribers for every lifecycle transition.
type Event struct {
	Kind    EventKind
	TaskID  string
	Task    *task.Task
	Step    *task.PlanStep
	Message *task.Message
	Err     error
}

// Handler receives queue events. Unsubscribe stops delivery.
type Handler func(Event)
type Unsubscribe func()

// PlanResult is the planner's output for one task.
type PlanResult struct {
	Steps []*task.PlanStep
}

// Planner produces a step plan for a task before it runs.
type Planner interface {
	Plan(ctx context.Context, t *task.Task) (PlanResult, error)
}

// StepOutcome is what one executed step produced.
type StepOutcome struct {
	Messages []*task.Message
	Result   string
}

// Executor runs one plan step, typically by invoking an agent adapter.
type Executor interface {
	ExecuteStep(ctx context.Context, t *task.Task, step *task.PlanStep) (StepOutcome, error)
}

// Options configures a Queue.
type Options struct {
	WorkspaceRoot string
}

// Queue implements C12's control surface over a workspace's Store.
type Queue struct {
	store   task.Store
	pool    *lock.Pool
	root    string
	planner Planner
	exec    Executor
	log     *logger.Logger

	mu                sync.Mutex
	running           bool
	dequeueInProgress bool
	currentTaskID     string
	cancelFns         map[string]context.CancelFunc

	runCtrl *runController

	subsMu sync.Mutex
	subs   map[int]Handler
	nextID int

	wake chan struct{}
}

type runController struct {
	taskID          string
	wasPausedBefore bool
}

// New constructs a Queue bound to one workspace's store.
func New(store task.Store, pool *lock.Pool, planner Planner, exec Executor, log *logger.Logger, opts Options) *Queue {
	return &Queue{
		store:     store,
		pool:      pool,
		root:      opts.WorkspaceRoot,
		planner:   planner,
		exec:      exec,
		log:       log,
		cancelFns: make(map[string]context.CancelFunc),
		subs:      make(map[int]Handler),
		wake:      make(chan struct{}, 1),
	}
}

// OnEvent subscribes to lifecycle events.
func (q *Queue) OnEvent(h Handler) Unsubscribe {
	q.subsMu.Lock()
	id := q.nextID
	q.nextID++
	q.subs[id] = h
	q.subsMu.Unlock()
	return func() {
		q.subsMu.Lock()
		delete(q.subs, id)
		q.subsMu.Unlock()
	}
}

func (q *Queue) emit(ev Event) {
	q.subsMu.Lock()
	handlers := make([]Handler, 0, len(q.subs))
	for _, h := range q.subs {
		handlers = append(handlers, h)
	}
	q.subsMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Start marks the queue running and nudges it. A call while the queue is
// already running only nudges the existing loop; a call while it is not
// running (the first call, or one after Pause) also starts a new loop
// goroutine bound to ctx, which exits when ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	alreadyStarted := q.wake != nil && q.running
	q.running = true
	q.mu.Unlock()

	if alreadyStarted {
		q.notify()
		return
	}

	go q.loop(ctx)
	q.notify()
}

// Pause stops new tasks from being picked; an in-flight task keeps running
// to completion.
func (q *Queue) Pause(reason string) {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	if q.log != nil {
		q.log.Info("task queue paused", zap.String("reason", reason))
	}
}

// Resume re-enables picking and nudges the loop.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()
	q.notify()
}

// NotifyNewTask wakes the loop so a freshly queued/requeued task is
// considered without waiting for the next tick.
func (q *Queue) NotifyNewTask() {
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel marks a task cancelled and interrupts it if currently executing. A
// task already in a terminal state is a no-op, matching spec.md's round-trip
// law that a subsequent cancel(t) does nothing. The in-flight interrupt is
// signalled before the project lock is acquired: processTask holds that lock
// for a running task's entire turn, so signalling first lets a blocked
// ExecuteStep unwind promptly (via processTask's own context.Canceled
// handling) instead of Cancel deadlocking behind the task it is trying to
// stop.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	if cancel, ok := q.cancelFns[taskID]; ok {
		cancel()
	}
	q.mu.Unlock()

	var cancelled *task.Task
	err := q.pool.RunExclusive(ctx, q.root, func(ctx context.Context) error {
		t, err := q.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return nil
		}

		status := task.StatusCanceled
		updated, err := q.store.UpdateTask(ctx, taskID, task.TaskUpdate{Status: &status}, time.Now().UTC())
		if err != nil {
			return err
		}
		cancelled = updated
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled != nil {
		q.emit(Event{Kind: EventTaskCancelled, TaskID: taskID, Task: cancelled})
	}
	return nil
}

// Retry moves a failed task back to pending for a fresh run.
func (q *Queue) Retry(ctx context.Context, taskID string) error {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusFailed {
		return fmt.Errorf("taskqueue: task %s is not failed", taskID)
	}
	pending := task.StatusPending
	now := time.Now().UTC()
	order := now.UnixMilli()
	_, err = q.store.UpdateTask(ctx, taskID, task.TaskUpdate{Status: &pending, QueueOrder: &order}, now)
	if err != nil {
		return err
	}
	q.notify()
	return nil
}

// RunSingleTask implements spec.md §9's single-task run mode: it forces the
// queue running, restricts picking to taskID, and returns the queue to its
// prior paused state once that task reaches a terminal event. Idempotent if
// the same task is already running under the controller.
func (q *Queue) RunSingleTask(ctx context.Context, taskID string) error {
	q.mu.Lock()
	if q.runCtrl != nil {
		if q.runCtrl.taskID == taskID {
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.runCtrl = &runController{taskID: taskID, wasPausedBefore: !q.running}
	q.running = true
	q.mu.Unlock()

	q.notify()
	return nil
}

func (q *Queue) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		q.mu.Lock()
		running := q.running
		busy := q.dequeueInProgress
		q.mu.Unlock()
		if !running || busy {
			continue
		}

		q.tick(ctx)
	}
}

// tick performs one promote+pick+process pass (spec.md §4.C12).
func (q *Queue) tick(ctx context.Context) {
	q.mu.Lock()
	q.dequeueInProgress = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.dequeueInProgress = false
		q.mu.Unlock()
	}()

	err := q.pool.RunExclusive(ctx, q.root, func(ctx context.Context) error {
		for {
			promoted, err := q.store.DequeueNextQueuedTask(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			if promoted == nil {
				break
			}
			q.emit(Event{Kind: EventTaskUpdated, TaskID: promoted.ID, Task: promoted})
		}

		active, err := q.store.GetActiveTaskID(ctx)
		if err != nil {
			return err
		}
		if active != "" {
			return nil // something already running; nothing to pick
		}

		next, err := q.pickNext(ctx)
		if err != nil || next == nil {
			return err
		}

		return q.processTask(ctx, next)
	})
	if err != nil && q.log != nil {
		q.log.WithError(err).Error("task queue tick failed")
	}
}

func (q *Queue) pickNext(ctx context.Context) (*task.Task, error) {
	q.mu.Lock()
	ctrl := q.runCtrl
	q.mu.Unlock()

	if ctrl != nil {
		t, err := q.store.GetTask(ctx, ctrl.taskID)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	pending := task.StatusPending
	tasks, err := q.store.ListTasks(ctx, task.ListFilter{Status: &pending, Limit: 1})
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[0], nil
}

func (q *Queue) processTask(ctx context.Context, t *task.Task) error {
	turnCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.currentTaskID = t.ID
	q.cancelFns[t.ID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.cancelFns, t.ID)
		q.currentTaskID = ""
		q.mu.Unlock()
		cancel()
	}()

	now := time.Now().UTC()
	planning := task.StatusPlanning
	t, err := q.store.UpdateTask(turnCtx, t.ID, task.TaskUpdate{Status: &planning, StartedAt: &now}, now)
	if err != nil {
		return err
	}
	firstInjection, err := q.store.MarkPromptInjected(turnCtx, t.ID, now)
	if err != nil {
		return err
	}
	if firstInjection && q.log != nil {
		q.log.WithTaskID(t.ID).Debug("prompt injected")
	}
	q.emit(Event{Kind: EventTaskStarted, TaskID: t.ID, Task: t})

	plan, err := q.planner.Plan(turnCtx, t)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return q.cancelTerminal(ctx, t)
		}
		return q.failOrRetry(turnCtx, t, err)
	}
	if err := q.store.PutPlan(turnCtx, plan.Steps); err != nil {
		return err
	}
	q.emit(Event{Kind: EventTaskPlanned, TaskID: t.ID, Task: t})

	running := task.StatusRunning
	t, err = q.store.UpdateTask(turnCtx, t.ID, task.TaskUpdate{Status: &running}, time.Now().UTC())
	if err != nil {
		return err
	}
	q.emit(Event{Kind: EventTaskRunning, TaskID: t.ID, Task: t})

	var stepErr error
	for _, step := range plan.Steps {
		step.State = task.PlanStepStarted
		q.emit(Event{Kind: EventStepStarted, TaskID: t.ID, Task: t, Step: step})

		outcome, err := q.exec.ExecuteStep(turnCtx, t, step)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				_ = q.store.PutPlan(turnCtx, []*task.PlanStep{step})
				return q.cancelTerminal(ctx, t)
			}
			step.State = task.PlanStepFailed
			stepErr = err
		} else {
			step.State = task.PlanStepCompleted
			for _, m := range outcome.Messages {
				m.TaskID = t.ID
				if err := q.store.AddMessage(turnCtx, m); err != nil {
					return err
				}
				q.emit(Event{Kind: EventMessage, TaskID: t.ID, Task: t, Message: m})
			}
		}
		_ = q.store.PutPlan(turnCtx, []*task.PlanStep{step})
		q.emit(Event{Kind: EventStepCompleted, TaskID: t.ID, Task: t, Step: step})
		if stepErr != nil {
			break
		}
	}

	if stepErr != nil {
		return q.failOrRetry(turnCtx, t, stepErr)
	}

	completed := task.StatusComplete
	completedAt := time.Now().UTC()
	t, err = q.store.UpdateTask(turnCtx, t.ID, task.TaskUpdate{Status: &completed, CompletedAt: &completedAt}, completedAt)
	if err != nil {
		return err
	}
	q.emit(Event{Kind: EventTaskCompleted, TaskID: t.ID, Task: t})

	q.onTerminal(t.ID)
	return nil
}

// cancelTerminal ends a task as cancelled rather than failed, for the case
// where Cancel interrupted an in-flight turn via turnCtx. Spec.md is explicit
// that cancellation is never reclassified as an error, so this bypasses
// failOrRetry's retry-count/backoff accounting entirely: no retry, no error
// message, just a clean terminal transition reported as aborted. ctx must be
// the (uncancelled) tick context, not the cancelled turnCtx, since the store
// write needs to go through.
func (q *Queue) cancelTerminal(ctx context.Context, t *task.Task) error {
	status := task.StatusCanceled
	now := time.Now().UTC()
	updated, err := q.store.UpdateTask(ctx, t.ID, task.TaskUpdate{Status: &status, CompletedAt: &now}, now)
	if err != nil {
		return err
	}
	q.emit(Event{Kind: EventTaskCancelled, TaskID: t.ID, Task: updated})
	q.onTerminal(t.ID)
	return nil
}

func (q *Queue) failOrRetry(ctx context.Context, t *task.Task, cause error) error {
	now := time.Now().UTC()
	if t.RetryCount < t.MaxRetries {
		retryCount := t.RetryCount + 1
		pending := task.StatusPending
		order := now.UnixMilli()
		errMsg := cause.Error()
		updated, err := q.store.UpdateTask(ctx, t.ID, task.TaskUpdate{
			Status: &pending, RetryCount: &retryCount, QueueOrder: &order, Error: &errMsg,
		}, now)
		if err != nil {
			return err
		}
		q.emit(Event{Kind: EventTaskFailed, TaskID: t.ID, Task: updated, Err: cause})
		q.onTerminal(t.ID)
		return nil
	}

	failed := task.StatusFailed
	errMsg := cause.Error()
	updated, err := q.store.UpdateTask(ctx, t.ID, task.TaskUpdate{Status: &failed, CompletedAt: &now, Error: &errMsg}, now)
	if err != nil {
		return err
	}
	q.emit(Event{Kind: EventTaskFailed, TaskID: t.ID, Task: updated, Err: cause})
	q.onTerminal(t.ID)
	return nil
}

// Status reports whether the queue is accepting new picks and which task, if
// any, is currently executing (spec.md §6 GET /api/task-queue/status).
func (q *Queue) Status() (running bool, currentTaskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running, q.currentTaskID
}

// onTerminal implements the run-controller's auto-resume/auto-pause pairing
// and the unconditional promote+pick continuation (spec.md §4.C12, §9).
func (q *Queue) onTerminal(taskID string) {
	q.mu.Lock()
	if q.runCtrl != nil && q.runCtrl.taskID == taskID {
		wasPaused := q.runCtrl.wasPausedBefore
		q.runCtrl = nil
		if wasPaused {
			q.running = false
		}
	}
	q.mu.Unlock()
	q.notify()
}
