// Package task implements C11: durable queue state (tasks, plan steps,
// messages, attachments) behind a storage-agnostic Store interface, with
// sqlite and postgres backends. Grounded on the teacher's
// internal/task/repository (interface.go, sqlite/base.go, sqlite/task.go).
package task

import "time"

// Status is a task's position in the queue lifecycle (spec.md §3 Task).
type Status string

const (
	StatusQueued   Status = "queued"
	StatusPending  Status = "pending"
	StatusPlanning Status = "planning"
	StatusRunning  Status = "running"
	StatusComplete Status = "completed"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "cancelled"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCanceled
}

// Active reports whether the status counts toward the at-most-one
// non-terminal-and-active invariant (spec.md §3 Task).
func (s Status) Active() bool {
	return s == StatusPlanning || s == StatusRunning
}

// Task is spec.md §3's Task record.
type Task struct {
	ID               string
	Title            string
	Prompt           string
	Model            string
	ModelParams      map[string]any
	Status           Status
	Priority         int
	QueueOrder       int64
	InheritContext   bool
	AgentID          string
	RetryCount       int
	MaxRetries       int
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ArchivedAt       *time.Time
	Result           string
	Error            string
	ThreadID         string
	ParentTaskID     string
	PromptInjectedAt *time.Time
}

// PlanStepState is one plan step's execution state.
type PlanStepState string

const (
	PlanStepPending   PlanStepState = "pending"
	PlanStepStarted   PlanStepState = "started"
	PlanStepCompleted PlanStepState = "completed"
	PlanStepFailed    PlanStepState = "failed"
)

// PlanStep is an append-only row describing one planner-produced step.
type PlanStep struct {
	TaskID      string
	StepNumber  int
	Title       string
	Description string
	State       PlanStepState
}

// MessageRole identifies the speaker of a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageType distinguishes chat content from command previews and audit
// entries within the same append-only message log.
type MessageType string

const (
	MessageChat    MessageType = "chat"
	MessageCommand MessageType = "command"
	MessageAudit   MessageType = "audit"
)

// Message is an append-only conversation row (spec.md §3 Message).
type Message struct {
	ID        string
	TaskID    string
	Role      MessageRole
	Type      MessageType
	Content   string
	ModelUsed string
	CreatedAt time.Time
}

// Attachment is a stored blob reference (spec.md §3 Attachment).
type Attachment struct {
	ID          string
	TaskID      string
	StorageKey  string
	ContentType string
	SHA256      string
	Width       int
	Height      int
	SizeBytes   int64
	Filename    string
}

// TaskUpdate is a partial patch accepted by Store.UpdateTask. Nil fields are
// left unchanged.
type TaskUpdate struct {
	Title          *string
	Prompt         *string
	Model          *string
	Priority       *int
	InheritContext *bool
	MaxRetries     *int
	Status         *Status
	AgentID        *string
	ThreadID       *string
	Result         *string
	Error          *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ArchivedAt     *time.Time
	RetryCount     *int
	QueueOrder     *int64
}

// ListFilter narrows Store.ListTasks.
type ListFilter struct {
	Status *Status
	Limit  int
}

// PurgeResult is returned by Store.PurgeArchivedCompletedTasksBatch.
type PurgeResult struct {
	TaskIDs     []string
	Attachments []Attachment
}
