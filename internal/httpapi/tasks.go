package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/task"
	v1 "github.com/agentforge/agentforge/pkg/api/v1"
)

type taskHandlers struct {
	workspaces Workspaces
	pool       *lock.Pool
	log        *logger.Logger
}

func (h *taskHandlers) resolve(c *gin.Context) *WorkspaceHandle {
	ws, err := h.workspaces.Resolve(c.Query("workspace"))
	if err != nil {
		writeError(c, h.log, err, "workspace not resolved")
		return nil
	}
	return ws
}

func fromTask(t *task.Task) v1.Task {
	return v1.Task{
		ID:             t.ID,
		Title:          t.Title,
		Prompt:         t.Prompt,
		Model:          t.Model,
		Status:         string(t.Status),
		Priority:       t.Priority,
		InheritContext: t.InheritContext,
		AgentID:        t.AgentID,
		RetryCount:     t.RetryCount,
		MaxRetries:     t.MaxRetries,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		Result:         t.Result,
		Error:          t.Error,
		ThreadID:       t.ThreadID,
		ParentTaskID:   t.ParentTaskID,
	}
}

// GET /api/tasks?workspace=…&status=…&limit=…
func (h *taskHandlers) list(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil {
		return
	}
	filter := task.ListFilter{}
	if s := c.Query("status"); s != "" {
		status := task.Status(s)
		filter.Status = &status
	}
	if l := c.Query("limit"); l != "" {
		if n, err := parsePositiveInt(l); err == nil {
			filter.Limit = n
		}
	}

	tasks, err := ws.Store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		writeError(c, h.log, err, "tasks not listed")
		return
	}
	out := make([]v1.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, fromTask(t))
	}
	c.JSON(http.StatusOK, v1.ListTasksResponse{Tasks: out, Total: len(out)})
}

// POST /api/tasks
func (h *taskHandlers) create(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil {
		return
	}
	var body v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	t := &task.Task{
		Title:          body.Title,
		Prompt:         body.Prompt,
		Model:          body.Model,
		Priority:       body.Priority,
		InheritContext: body.InheritContext,
		MaxRetries:     body.MaxRetries,
	}
	err := h.pool.RunExclusive(c.Request.Context(), ws.Root, func(ctx context.Context) error {
		return ws.Store.CreateTask(ctx, t, time.Now().UTC(), nil, body.Attachments)
	})
	if err != nil {
		writeError(c, h.log, err, "task not created")
		return
	}
	if ws.Queue != nil {
		ws.Queue.NotifyNewTask()
	}
	c.JSON(http.StatusCreated, fromTask(t))
}

// GET /api/tasks/:id
func (h *taskHandlers) get(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil {
		return
	}
	t, err := ws.Store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, fromTask(t))
}

// PATCH /api/tasks/:id — either {action} or field updates (spec.md §6).
func (h *taskHandlers) update(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil {
		return
	}
	var body v1.UpdateTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if body.Action != nil {
		h.updateByAction(c, ws, *body.Action)
		return
	}

	update := task.TaskUpdate{
		Title:          body.Title,
		Prompt:         body.Prompt,
		Model:          body.Model,
		Priority:       body.Priority,
		InheritContext: body.InheritContext,
		MaxRetries:     body.MaxRetries,
	}
	var t *task.Task
	err := h.pool.RunExclusive(c.Request.Context(), ws.Root, func(ctx context.Context) error {
		updated, err := ws.Store.UpdateTask(ctx, c.Param("id"), update, time.Now().UTC())
		if err != nil {
			return err
		}
		t = updated
		return nil
	})
	if err != nil {
		writeError(c, h.log, err, "task not updated")
		return
	}
	c.JSON(http.StatusOK, fromTask(t))
}

// updateByAction dispatches the {action:"pause"|"resume"|"cancel"} form of
// PATCH /api/tasks/:id. The cancel path calls taskqueue.Queue.Cancel, which
// already acquires the workspace's C2 lock internally (it must: it races
// processTask's own in-lock writes), so this handler does not wrap it in a
// second pool.RunExclusive — nesting would deadlock against the same
// workspace root's lock.
func (h *taskHandlers) updateByAction(c *gin.Context, ws *WorkspaceHandle, action string) {
	id := c.Param("id")
	switch action {
	case "cancel":
		if ws.Queue != nil {
			if err := ws.Queue.Cancel(c.Request.Context(), id); err != nil {
				writeError(c, h.log, err, "task not cancelled")
				return
			}
		}
	case "pause":
		if ws.Queue != nil {
			ws.Queue.Pause("requested via PATCH action")
		}
	case "resume":
		if ws.Queue != nil {
			ws.Queue.Resume()
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}
	t, err := ws.Store.GetTask(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, fromTask(t))
}

// DELETE /api/tasks/:id
func (h *taskHandlers) delete(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil {
		return
	}
	err := h.pool.RunExclusive(c.Request.Context(), ws.Root, func(ctx context.Context) error {
		return ws.Store.DeleteTask(ctx, c.Param("id"))
	})
	if err != nil {
		writeError(c, h.log, err, "task not deleted")
		return
	}
	c.Status(http.StatusOK)
}

// POST /api/tasks/:id/retry — move a failed task back to pending.
func (h *taskHandlers) retry(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil || ws.Queue == nil {
		return
	}
	if err := ws.Queue.Retry(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.log, err, "task not retried")
		return
	}
	t, err := ws.Store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, fromTask(t))
}

// POST /api/tasks/:id/run — force a single-task run (spec.md §9).
func (h *taskHandlers) run(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil || ws.Queue == nil {
		return
	}
	if err := ws.Queue.RunSingleTask(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.log, err, "task not run")
		return
	}
	c.Status(http.StatusOK)
}

// POST /api/tasks/:id/rerun — requeue a terminal task then force-run it.
func (h *taskHandlers) rerun(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil || ws.Queue == nil {
		return
	}
	if err := ws.Queue.Retry(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.log, err, "task not rerun")
		return
	}
	if err := ws.Queue.RunSingleTask(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.log, err, "task not rerun")
		return
	}
	c.Status(http.StatusOK)
}

// POST /api/tasks/reorder
func (h *taskHandlers) reorder(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil {
		return
	}
	var body v1.ReorderTasksRequest
	if err := c.ShouldBindJSON(&body); err != nil || len(body.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids is required"})
		return
	}
	err := h.pool.RunExclusive(c.Request.Context(), ws.Root, func(ctx context.Context) error {
		return ws.Store.ReorderPendingTasks(ctx, body.IDs)
	})
	if err != nil {
		writeError(c, h.log, err, "tasks not reordered")
		return
	}
	c.Status(http.StatusOK)
}

// POST /api/tasks/:id/move — only valid while the queue is paused.
func (h *taskHandlers) move(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil {
		return
	}
	var body v1.MoveTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if ws.Queue != nil {
		if running, _ := ws.Queue.Status(); running {
			c.JSON(http.StatusConflict, gin.H{"error": "queue is running"})
			return
		}
	}
	err := h.pool.RunExclusive(c.Request.Context(), ws.Root, func(ctx context.Context) error {
		return ws.Store.MovePendingTask(ctx, c.Param("id"), body.Direction)
	})
	if err != nil {
		writeError(c, h.log, err, "task not moved")
		return
	}
	c.Status(http.StatusOK)
}

// POST /api/tasks/:id/chat — forbidden if the task is cancelled.
func (h *taskHandlers) chat(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil {
		return
	}
	var body v1.ChatRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	id := c.Param("id")
	t, err := ws.Store.GetTask(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err, "task not found")
		return
	}
	if t.Status == task.StatusCanceled {
		c.JSON(http.StatusConflict, gin.H{"error": "task is cancelled"})
		return
	}
	msg := &task.Message{TaskID: id, Role: task.RoleUser, Type: task.MessageChat, Content: body.Content}
	if err := ws.Store.AddMessage(c.Request.Context(), msg); err != nil {
		writeError(c, h.log, err, "message not recorded")
		return
	}
	if ws.Queue != nil {
		ws.Queue.NotifyNewTask()
	}
	c.Status(http.StatusOK)
}

// GET /api/tasks/:id/plan
func (h *taskHandlers) plan(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil {
		return
	}
	steps, err := ws.Store.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err, "plan not found")
		return
	}
	out := make([]v1.PlanStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, v1.PlanStep{
			StepNumber:  s.StepNumber,
			Title:       s.Title,
			Description: s.Description,
			State:       string(s.State),
		})
	}
	c.JSON(http.StatusOK, v1.TaskPlanResponse{Steps: out})
}

// GET /api/task-queue/status
func (h *taskHandlers) queueStatus(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil || ws.Queue == nil {
		c.JSON(http.StatusOK, v1.TaskQueueStatus{})
		return
	}
	running, currentTaskID := ws.Queue.Status()
	c.JSON(http.StatusOK, v1.TaskQueueStatus{Running: running, CurrentTaskID: currentTaskID})
}

// POST /api/task-queue/run
func (h *taskHandlers) queueRun(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil || ws.Queue == nil {
		return
	}
	ws.Queue.Start(c.Request.Context())
	c.Status(http.StatusOK)
}

// POST /api/task-queue/pause
func (h *taskHandlers) queuePause(c *gin.Context) {
	ws := h.resolve(c)
	if ws == nil || ws.Queue == nil {
		return
	}
	ws.Queue.Pause("requested via HTTP")
	c.Status(http.StatusOK)
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}
