package task

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a task/message/attachment lookup misses.
	ErrNotFound = errors.New("task: not found")
	// ErrConflict is returned by CreateTask when a referenced attachment is
	// already assigned to another task.
	ErrConflict = errors.New("task: conflict")
	// ErrNotPending is returned by UpdateTask when a restricted field is
	// edited on a non-pending task.
	ErrNotPending = errors.New("task: not pending")
	// ErrNotInPending is returned by ReorderPendingTasks/MovePendingTask
	// when an id named isn't currently pending.
	ErrNotInPending = errors.New("task: not in pending set")
)

// CreateOptions overrides CreateTask's default status.
type CreateOptions struct {
	Status Status
}

// Store is C11's durable task storage contract (spec.md §4.C11). All
// mutating operations are serialized per workspace by the caller via
// lock.Pool (C2); Store implementations do not lock internally.
type Store interface {
	CreateTask(ctx context.Context, t *Task, now time.Time, opts *CreateOptions, attachmentIDs []string) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error)
	ReorderPendingTasks(ctx context.Context, ids []string) error
	MovePendingTask(ctx context.Context, id string, direction string) error
	DequeueNextQueuedTask(ctx context.Context, now time.Time) (*Task, error)
	UpdateTask(ctx context.Context, id string, updates TaskUpdate, now time.Time) (*Task, error)
	MarkPromptInjected(ctx context.Context, id string, now time.Time) (bool, error)
	DeleteTask(ctx context.Context, id string) error

	AddMessage(ctx context.Context, m *Message) error
	GetMessages(ctx context.Context, taskID string) ([]*Message, error)
	GetPlan(ctx context.Context, taskID string) ([]*PlanStep, error)
	PutPlan(ctx context.Context, steps []*PlanStep) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	AddAttachment(ctx context.Context, a *Attachment) error
	GetAttachment(ctx context.Context, id string) (*Attachment, error)

	PurgeArchivedCompletedTasksBatch(ctx context.Context, cutoff time.Time, limit int) (PurgeResult, error)
	GetActiveTaskID(ctx context.Context) (string, error)

	Close() error
}
