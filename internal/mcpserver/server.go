// Package mcpserver exposes a subset of the task-control HTTP surface as MCP
// tools, so an external agent can list and create tasks without speaking the
// WS turn protocol. Grounded on the teacher's internal/mcpserver/server.go
// (SSE + Streamable HTTP transports multiplexed on one listener).
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/agentforge/agentforge/internal/logger"
)

// Config holds the MCP server's configuration.
type Config struct {
	Port       int    // port to listen on
	APIBaseURL string // this process's own HTTP API, e.g. http://localhost:8080
	Workspace  string // default workspace query value for tool calls
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management, mirroring the teacher's dual-transport setup.
type Server struct {
	cfg                  Config
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	log                  *logger.Logger
}

// New creates an MCP server bound to cfg.
func New(cfg Config, log *logger.Logger) *Server {
	return &Server{cfg: cfg, log: log}
}

// Start begins serving in a goroutine and returns once the listener is up.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcpserver: already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer("agentforge-mcp", "1.0.0", server.WithToolCapabilities(true))
	registerTools(mcpServer, s.cfg, s.log)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcpserver: listen %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}
	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		if s.log != nil {
			s.log.Info("mcp server listening")
		}
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed && s.log != nil {
			s.log.WithError(err).Error("mcp server stopped")
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts both transports down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("mcpserver: shutdown: %w", err)
		}
	}
	if s.sseServer != nil {
		_ = s.sseServer.Shutdown(ctx)
	}
	if s.streamableHTTPServer != nil {
		_ = s.streamableHTTPServer.Shutdown(ctx)
	}
	return nil
}
