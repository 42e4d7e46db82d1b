// Package v1 holds the wire-shaped DTOs for the task-control HTTP surface
// (spec.md §6), mirroring the teacher's pkg/api/v1 convention of keeping
// request/response shapes separate from the internal domain model.
package v1

import "time"

// Task is the JSON projection of internal/task.Task returned by the HTTP
// surface.
type Task struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Prompt         string         `json:"prompt"`
	Model          string         `json:"model,omitempty"`
	Status         string         `json:"status"`
	Priority       int            `json:"priority"`
	InheritContext bool           `json:"inheritContext"`
	AgentID        string         `json:"agentId,omitempty"`
	RetryCount     int            `json:"retryCount"`
	MaxRetries     int            `json:"maxRetries"`
	CreatedAt      time.Time      `json:"createdAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	ThreadID       string         `json:"threadId,omitempty"`
	ParentTaskID   string         `json:"parentTaskId,omitempty"`
}

// CreateTaskRequest is POST /api/tasks's body.
type CreateTaskRequest struct {
	Prompt         string   `json:"prompt" binding:"required"`
	Title          string   `json:"title,omitempty"`
	Model          string   `json:"model,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	InheritContext bool     `json:"inheritContext,omitempty"`
	MaxRetries     int      `json:"maxRetries,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
}

// UpdateTaskRequest is PATCH /api/tasks/:id's body: either a lifecycle
// action or a set of field updates (spec.md §6). When Action is set, only
// the action is applied and the field updates are ignored.
type UpdateTaskRequest struct {
	Action *string `json:"action,omitempty"` // "pause" | "resume" | "cancel"

	Title          *string `json:"title,omitempty"`
	Prompt         *string `json:"prompt,omitempty"`
	Model          *string `json:"model,omitempty"`
	Priority       *int    `json:"priority,omitempty"`
	InheritContext *bool   `json:"inheritContext,omitempty"`
	MaxRetries     *int    `json:"maxRetries,omitempty"`
}

// ReorderTasksRequest is POST /api/tasks/reorder's body.
type ReorderTasksRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// MoveTaskRequest is POST /api/tasks/:id/move's body.
type MoveTaskRequest struct {
	Direction string `json:"direction" binding:"required,oneof=up down"`
}

// ChatRequest is POST /api/tasks/:id/chat's body.
type ChatRequest struct {
	Content string `json:"content" binding:"required"`
}

// ListTasksResponse wraps GET /api/tasks.
type ListTasksResponse struct {
	Tasks []Task `json:"tasks"`
	Total int    `json:"total"`
}

// TaskQueueStatus is the GET /api/task-queue/status response.
type TaskQueueStatus struct {
	Running       bool   `json:"running"`
	CurrentTaskID string `json:"currentTaskId,omitempty"`
}

// PlanStep is the JSON projection of internal/task.PlanStep.
type PlanStep struct {
	StepNumber  int    `json:"stepNumber"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
}

// TaskPlanResponse wraps GET /api/tasks/:id/plan.
type TaskPlanResponse struct {
	Steps []PlanStep `json:"steps"`
}
