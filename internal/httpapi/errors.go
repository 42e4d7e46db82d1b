package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/task"
	"github.com/agentforge/agentforge/internal/taskqueue"
)

// writeError maps a domain error to spec.md §6/§7's stable HTTP taxonomy
// (404 missing, 409 conflict, 500 otherwise), grounded on the teacher's
// handlers.handleNotFound. It never answers 400; handlers reject invalid
// input with 400 themselves before calling into the store.
func writeError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, task.ErrConflict), errors.Is(err, task.ErrNotPending),
		errors.Is(err, task.ErrNotInPending), errors.Is(err, taskqueue.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		if log != nil {
			log.WithError(err).Error("request failed")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
