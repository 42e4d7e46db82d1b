package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentforge/agentforge/internal/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List tasks in the workspace, optionally filtered by status"),
			mcp.WithString("status", mcp.Description("Filter by status: queued, pending, planning, running, completed, failed, cancelled")),
		),
		listTasksHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a new task to be run by the task queue"),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("The task's initial prompt")),
			mcp.WithString("title", mcp.Description("Optional human-readable title")),
			mcp.WithString("model", mcp.Description("Optional model override")),
		),
		createTaskHandler(cfg, log),
	)
}

func listTasksHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := fmt.Sprintf("%s/api/tasks?workspace=%s", cfg.APIBaseURL, cfg.Workspace)
		if status := req.GetString("status", ""); status != "" {
			url += "&status=" + status
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to build request: %v", err)), nil
		}
		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			if log != nil {
				log.WithError(err).Error("mcp: list_tasks failed")
			}
			return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func createTaskHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]any{"prompt": prompt}
		if title := req.GetString("title", ""); title != "" {
			payload["title"] = title
		}
		if model := req.GetString("model", ""); model != "" {
			payload["model"] = model
		}

		body, _ := json.Marshal(payload)
		url := fmt.Sprintf("%s/api/tasks?workspace=%s", cfg.APIBaseURL, cfg.Workspace)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to build request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			if log != nil {
				log.WithError(err).Error("mcp: create_task failed")
			}
			return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
		}
		defer func() { _ = resp.Body.Close() }()

		var result json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		if resp.StatusCode >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("api error (%d): %s", resp.StatusCode, string(result))), nil
		}

		formatted, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
