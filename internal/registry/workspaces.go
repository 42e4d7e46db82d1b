// Package registry implements the server-wide per-project registry: given a
// canonical workspace root (spec.md §3's "Project"), it lazily builds and
// caches that project's task store, task queue and orchestrator, handing
// the store and queue out to internal/httpapi (the Workspaces resolver).
// NewOrchestrator builds the separate, project-independent orchestrators
// that cmd/server's session.Factory gives to internal/ws sessions; the
// internal/mcpserver tools reach projects only through the HTTP API.
// Grounded on the teacher's
// per-project resource caching in internal/orchestrator/controller (one
// controller instance per project, built on first reference).
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/internal/events"
	"github.com/agentforge/agentforge/internal/httpapi"
	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/notify"
	"github.com/agentforge/agentforge/internal/orchestrator"
	"github.com/agentforge/agentforge/internal/purge"
	"github.com/agentforge/agentforge/internal/task"
	"github.com/agentforge/agentforge/internal/taskqueue"
)

// Project bundles one workspace's durable and live state.
type Project struct {
	Root         string
	ID           string
	Store        task.Store
	Queue        *taskqueue.Queue
	Orchestrator *orchestrator.Orchestrator
	Purge        *purge.Scheduler
	blobsDir     string
}

// Registry lazily constructs and caches Projects keyed by canonical
// workspace root. ctx bounds the lifetime of every background goroutine
// (task queue, purge scheduler) a built Project starts.
type Registry struct {
	ctx    context.Context
	cfg    *config.Config
	pool   *lock.Pool
	bus    events.Bus
	notify notify.Store
	log    *logger.Logger

	mu       sync.Mutex
	projects map[string]*Project
}

// New constructs an empty Registry bound to ctx. Every project it builds
// relays its task queue's lifecycle events onto bus under
// "project.<id>.<kind>" for C14 to fan out to subscribed WS connections, and
// upserts an outbox row into notifyStore on every terminal transition for
// C15 to drive out-of-band delivery. notifyStore may be nil to disable C15.
func New(ctx context.Context, cfg *config.Config, pool *lock.Pool, bus events.Bus, notifyStore notify.Store, log *logger.Logger) *Registry {
	return &Registry{ctx: ctx, cfg: cfg, pool: pool, bus: bus, notify: notifyStore, log: log, projects: make(map[string]*Project)}
}

// projectID derives a stable identifier for a workspace root by hashing its
// canonical form, mirroring spec.md §3's "stable project-session-id by
// deterministic hashing".
func projectID(root string) string {
	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])[:16]
}

func canonicalize(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// ProjectID canonicalizes root and derives its project-session-id, exported
// so internal/ws can compute the same broadcast subject a Project registers
// events under without reaching into Registry's cache.
func ProjectID(root string) (string, error) {
	canon, err := canonicalize(root)
	if err != nil {
		return "", err
	}
	return projectID(canon), nil
}

// Get returns (building if necessary) the Project for root.
func (r *Registry) Get(root string) (*Project, error) {
	if root == "" {
		return nil, fmt.Errorf("registry: workspace root is required")
	}
	canon, err := canonicalize(root)
	if err != nil {
		return nil, fmt.Errorf("registry: resolve workspace root %q: %w", root, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.projects[canon]; ok {
		return p, nil
	}

	p, err := r.build(canon)
	if err != nil {
		return nil, err
	}
	r.projects[canon] = p
	return p, nil
}

// Resolve implements httpapi.Workspaces.
func (r *Registry) Resolve(workspace string) (*httpapi.WorkspaceHandle, error) {
	p, err := r.Get(workspace)
	if err != nil {
		return nil, err
	}
	return &httpapi.WorkspaceHandle{Root: p.Root, Store: p.Store, Queue: p.Queue}, nil
}

// NewOrchestrator builds a fresh Orchestrator with every built-in adapter
// registered, for use as a session.Factory independent of any project's
// queue-bound orchestrator (interactive sessions get their own instance so
// a background task run and a live chat never contend for the same thread
// state).
func NewOrchestrator(log *logger.Logger) *orchestrator.Orchestrator {
	orch := orchestrator.New()
	for _, d := range agent.Builtin {
		a, err := agent.New(d.ID, log)
		if err != nil {
			if log != nil {
				log.WithError(err).Warn("registry: skipping unavailable agent adapter")
			}
			continue
		}
		orch.AddAdapter(a)
	}
	return orch
}

// notifyStatus maps a queue lifecycle event to the notifier's terminal
// status subset, ignoring every non-terminal kind.
func notifyStatus(kind taskqueue.EventKind) (notify.Status, bool) {
	switch kind {
	case taskqueue.EventTaskCompleted:
		return notify.StatusCompleted, true
	case taskqueue.EventTaskFailed:
		return notify.StatusFailed, true
	case taskqueue.EventTaskCancelled:
		return notify.StatusCancelled, true
	default:
		return "", false
	}
}

func (r *Registry) build(canon string) (*Project, error) {
	id := projectID(canon)
	stateDir := r.cfg.State.Dir
	if stateDir == "" {
		stateDir = filepath.Join(os.TempDir(), "agentforge-state")
	}
	projectStateDir := filepath.Join(stateDir, "workspaces", id)
	if err := os.MkdirAll(projectStateDir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create state dir: %w", err)
	}

	driver := r.cfg.Database.Driver
	dsn := r.cfg.Database.PostgresDSN
	if driver != "postgres" {
		driver = "sqlite"
		dsn = r.cfg.Database.SQLitePath
		if dsn == "" {
			dsn = filepath.Join(projectStateDir, "state.db")
		}
	}
	store, err := task.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open task store for %q: %w", canon, err)
	}

	projectLog := r.log.WithWorkspace(canon)
	orch := NewOrchestrator(projectLog)
	if err := orch.SetWorkingDirectory(canon); err != nil {
		projectLog.WithError(err).Warn("registry: failed to set orchestrator working directory")
	}
	exec := taskqueue.NewAgentExecutor(orch)
	queue := taskqueue.New(store, r.pool, exec, exec, projectLog, taskqueue.Options{WorkspaceRoot: canon})

	if r.bus != nil {
		queue.OnEvent(func(ev taskqueue.Event) {
			subject := fmt.Sprintf("project.%s.%s", id, ev.Kind)
			r.bus.Publish(r.ctx, subject, events.NewEvent(subject, "taskqueue", ev))
		})
	}

	if r.notify != nil {
		queue.OnEvent(func(ev taskqueue.Event) {
			status, ok := notifyStatus(ev.Kind)
			if !ok || ev.Task == nil || !ev.Task.Status.Terminal() {
				return
			}
			n := notify.Notification{
				TaskID:        ev.Task.ID,
				WorkspaceRoot: canon,
				Status:        status,
				ProjectName:   filepath.Base(canon),
				LastError:     ev.Task.Error,
			}
			if ev.Task.StartedAt != nil {
				n.StartedAt = *ev.Task.StartedAt
			}
			if ev.Task.CompletedAt != nil {
				n.CompletedAt = *ev.Task.CompletedAt
			}
			if err := r.notify.Upsert(r.ctx, n); err != nil {
				projectLog.WithError(err).Warn("registry: failed to upsert notification outbox row")
			}
		})
	}

	if r.cfg.TaskQueue.AutoStart {
		queue.Start(r.ctx)
	}

	blobsDir := filepath.Join(projectStateDir, "attachments")
	scheduler := purge.New(store, func(storageKey string) string {
		return filepath.Join(blobsDir, storageKey)
	}, projectLog, 10*time.Minute)
	go scheduler.Run(r.ctx)

	return &Project{Root: canon, ID: id, Store: store, Queue: queue, Orchestrator: orch, Purge: scheduler, blobsDir: blobsDir}, nil
}

// Projects returns every currently cached Project.
func (r *Registry) Projects() []*Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	return out
}
