// Command server is agentforge's unified entry point: one process serving
// the WS turn protocol, the HTTP task-control surface and an MCP tool
// bridge over shared per-project state. Grounded on the teacher's unified
// cmd/kandev/main.go (config → logger → event bus → services → gateway →
// graceful shutdown ordering).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/commandrouter"
	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/internal/events"
	"github.com/agentforge/agentforge/internal/httpapi"
	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/mcpserver"
	"github.com/agentforge/agentforge/internal/notify"
	"github.com/agentforge/agentforge/internal/orchestrator"
	"github.com/agentforge/agentforge/internal/registry"
	"github.com/agentforge/agentforge/internal/session"
	"github.com/agentforge/agentforge/internal/tracing"
	"github.com/agentforge/agentforge/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputFile: cfg.Logging.File,
		Stdout:     cfg.Logging.Stdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting agentforge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		log.WithError(err).Error("failed to initialize tracing")
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var bus events.Bus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := events.NewNATSBus(cfg.NATS.URL, log)
		if err != nil {
			log.WithError(err).Error("failed to connect to NATS, falling back to in-memory bus")
			bus = events.NewMemoryBus(log)
		} else {
			bus = natsBus
			defer natsBus.Close()
		}
	} else {
		bus = events.NewMemoryBus(log)
	}

	stateDir := cfg.State.Dir
	if stateDir == "" {
		stateDir = filepath.Join(os.TempDir(), "agentforge-state")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.WithError(err).Error("failed to create state directory")
		os.Exit(1)
	}

	notifyStore, err := notify.NewSQLiteStore(filepath.Join(stateDir, "notifications.db"))
	if err != nil {
		log.WithError(err).Error("failed to open notification outbox")
		os.Exit(1)
	}
	defer notifyStore.Close()

	var sender notify.Sender
	apprise := notify.AppriseSender{}
	if apprise.Available() {
		sender = apprise
	} else {
		sender = notify.LogSender{Write: func(line string) { log.Info(line) }}
	}
	notifier := notify.New(notifyStore, sender, log, time.Minute)
	go notifier.Run(ctx)

	pool := lock.NewPool()
	reg := registry.New(ctx, cfg, pool, bus, notifyStore, log)

	sessionFactory := func(cwd string) *orchestrator.Orchestrator {
		orch := registry.NewOrchestrator(log)
		if err := orch.SetWorkingDirectory(cwd); err != nil {
			log.WithError(err).Warn("failed to set session orchestrator working directory")
		}
		return orch
	}
	sessionMgr := session.New(sessionFactory, log, session.Config{})
	go sessionMgr.RunIdleCollector(ctx, 5*time.Minute)
	defer sessionMgr.Stop()

	router := commandrouter.New(cfg.Server.AllowedDirs, stateDir, pool, cfg.Docker, log)

	hub := ws.NewHub(bus, log)
	go hub.Run(ctx)

	wsHandler := ws.NewHandler(hub, sessionMgr, router, pool, cfg.Server.AllowedDirs, cfg.Explored, log)

	httpRouter := httpapi.New(reg, pool, log, cfg.Server.AllowedOrigins)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", httpRouter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("http/ws server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
		}
	}()

	mcp := mcpserver.New(mcpserver.Config{
		Port:       cfg.Server.Port + 1,
		APIBaseURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
	}, log)
	if err := mcp.Start(ctx); err != nil {
		log.WithError(err).Warn("failed to start mcp server")
	} else {
		defer func() { _ = mcp.Stop(context.Background()) }()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentforge")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown error")
	}

	log.Info("agentforge stopped")
}
