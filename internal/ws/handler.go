package ws

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentforge/agentforge/internal/activity"
	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/registry"
	"github.com/agentforge/agentforge/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades an HTTP request to a WebSocket connection and wires it to
// a session record, per spec.md §3's "Connection — (auth user, workspace
// root, chat-session-id, connection-id)". Grounded on the teacher's
// internal/gateway/websocket.Handler (query-param auth placeholder,
// uuid connection id, register-then-pump).
type Handler struct {
	hub         *Hub
	sessions    *session.Manager
	router      CommandRouter
	pool        *lock.Pool
	allowedDirs []string
	explored    activity.Config
	log         *logger.Logger
}

// NewHandler builds a Handler. explored controls the per-connection activity
// tracker (C6), mirroring cfg.Explored from internal/config. pool is the C2
// lock pool a prompt turn holds for its duration; allowedDirs gates /cd.
func NewHandler(hub *Hub, sessions *session.Manager, router CommandRouter, pool *lock.Pool, allowedDirs []string, explored config.ExploredConfig, log *logger.Logger) *Handler {
	dedupe := activity.DedupeConsecutive
	if explored.Dedupe == "none" {
		dedupe = activity.DedupeNone
	}
	return &Handler{
		hub:         hub,
		sessions:    sessions,
		router:      router,
		pool:        pool,
		allowedDirs: allowedDirs,
		explored:    activity.Config{MaxItems: explored.MaxItems, Dedupe: dedupe},
		log:         log,
	}
}

// ServeHTTP upgrades the connection, resolves its session record from the
// user_id/workspace/resume_thread_id query parameters, and starts its pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	workspace := r.URL.Query().Get("workspace")
	resumeThread := r.URL.Query().Get("resume_thread_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("websocket upgrade failed")
		return
	}

	rec := h.sessions.GetOrCreate(userID, workspace, resumeThread)
	connID := uuid.New().String()
	connLog := h.log.WithWorkspace(workspace)

	tracker := activity.New(h.explored)
	subjectPattern := "project.>"
	if id, err := registry.ProjectID(workspace); err == nil {
		subjectPattern = "project." + id + ".>"
	}

	var client *Client
	pipeline := NewPipeline(rec, tracker, h.router, h.sessions, h.pool, h.allowedDirs, connLog, func(msg OutMessage) {
		if client != nil {
			client.Send(msg)
		}
	})
	client = NewClient(connID, conn, h.hub, pipeline, connLog)

	h.hub.Register(client, subjectPattern)
	go client.WritePump()
	client.ReadPump(r.Context())
}
