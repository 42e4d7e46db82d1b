// Package httpapi implements spec.md §6's task-control HTTP/JSON surface:
// gin routes over C11 (task store) and C12 (task queue), scoped per
// workspace. Grounded on the teacher's internal/task/handlers (route
// layout, status-code taxonomy) adapted from its board/workspace-id path
// params to the distilled system's single `workspace` query parameter.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/task"
	"github.com/agentforge/agentforge/internal/taskqueue"
)

// WorkspaceHandle bundles one workspace's durable store and live queue.
// Root is the canonical workspace root the project's C2 lock is keyed by.
type WorkspaceHandle struct {
	Root  string
	Store task.Store
	Queue *taskqueue.Queue
}

// Workspaces resolves a workspace root (or name) to its handle. Injected so
// this package never constructs stores/queues itself — main.go owns that
// lifecycle, mirroring the CommandRouter indirection in internal/ws.
type Workspaces interface {
	Resolve(workspace string) (*WorkspaceHandle, error)
}

// New builds the gin engine for spec.md §6's HTTP surface. pool is the same
// C2 lock pool the WS turn pipeline and task queue serialize through;
// handlers that mutate store state acquire it per spec.md §5.
func New(workspaces Workspaces, pool *lock.Pool, log *logger.Logger, allowedOrigins []string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware(allowedOrigins))

	h := &taskHandlers{workspaces: workspaces, pool: pool, log: log}
	api := router.Group("/api")
	api.GET("/tasks", h.list)
	api.POST("/tasks", h.create)
	api.GET("/tasks/:id", h.get)
	api.PATCH("/tasks/:id", h.update)
	api.DELETE("/tasks/:id", h.delete)
	api.POST("/tasks/:id/retry", h.retry)
	api.POST("/tasks/:id/run", h.run)
	api.POST("/tasks/:id/rerun", h.rerun)
	api.POST("/tasks/reorder", h.reorder)
	api.POST("/tasks/:id/move", h.move)
	api.POST("/tasks/:id/chat", h.chat)
	api.GET("/tasks/:id/plan", h.plan)

	api.GET("/task-queue/status", h.queueStatus)
	api.POST("/task-queue/run", h.queueRun)
	api.POST("/task-queue/pause", h.queuePause)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such route"})
	})
	return router
}
