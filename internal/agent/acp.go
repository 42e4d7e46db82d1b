package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/agentforge/agentforge/internal/logger"
)

// acpClient implements the acp.Client interface: it receives session
// updates/permission requests pushed by the agent subprocess over the ACP
// JSON-RPC connection and turns them into our normalized Event stream.
// Grounded on internal/agentctl/server/acp/client.go.
type acpClient struct {
	log     *logger.Logger
	onEvent func(acp.SessionNotification)
}

func (c *acpClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if c.onEvent != nil {
		c.onEvent(n)
	}
	return nil
}

func (c *acpClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	// No interactive operator attached at the adapter layer; auto-approve
	// the first "allow" option, matching the teacher's fallback behavior.
	for _, opt := range p.Options {
		if opt.Kind != acp.PermissionOptionKindAllowOnce && opt.Kind != acp.PermissionOptionKindAllowAlways {
			continue
		}
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{OptionId: opt.OptionId},
			},
		}, nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}, nil
}

// ACPLaunchSpec names the subprocess used to speak ACP for one agent
// variant (codex/claude-code/gemini/opencode all launch this way; only the
// binary/args differ).
type ACPLaunchSpec struct {
	Program string
	Args    []string
}

// ACPAdapter adapts a CLI agent that speaks ACP (Agent Control Protocol)
// over stdio into the uniform Adapter contract.
type ACPAdapter struct {
	base
	spec ACPLaunchSpec
	log  *logger.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	conn      *acp.ClientSideConnection
	sessionID acp.SessionId
	started   bool
}

// NewACPAdapter constructs an adapter for id, launching spec on first Send.
func NewACPAdapter(id string, spec ACPLaunchSpec, log *logger.Logger) *ACPAdapter {
	return &ACPAdapter{base: newBase(id), spec: spec, log: log}
}

func (a *ACPAdapter) ensureStarted(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	cmd := exec.CommandContext(ctx, a.spec.Program, a.spec.Args...)
	cmd.Dir = a.currentWorkDir()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("acp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("acp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("acp: start %s: %w", a.spec.Program, err)
	}

	client := &acpClient{log: a.log, onEvent: a.handleNotification}
	conn := acp.NewClientSideConnection(client, stdin, stdout)

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "agentforge", Version: "0.1.0"},
	})
	if err != nil {
		return fmt.Errorf("acp: initialize: %w", err)
	}
	a.log.Info("acp adapter initialized",
		zap.String("agent", a.ID()),
		zap.Bool("supports_load_session", initResp.AgentCapabilities.LoadSession))

	sessResp, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: a.currentWorkDir()})
	if err != nil {
		return fmt.Errorf("acp: new session: %w", err)
	}

	a.cmd = cmd
	a.conn = conn
	a.sessionID = sessResp.SessionId
	a.started = true
	a.setThreadID(string(sessResp.SessionId))
	a.setStatus(Status{Ready: true})
	return nil
}

func (a *ACPAdapter) handleNotification(n acp.SessionNotification) {
	ev := translateSessionUpdate(n)
	a.emit(ev)
}

// Send implements Adapter.
func (a *ACPAdapter) Send(ctx context.Context, input Input, opts SendOptions) (SendResult, error) {
	if err := a.ensureStarted(ctx); err != nil {
		return SendResult{}, Classify(err)
	}

	a.emit(Event{Kind: EventTurnStarted, Phase: PhaseBoot})

	blocks := make([]acp.ContentBlock, 0, len(input.Parts))
	for _, p := range input.Parts {
		if p.Text != "" {
			blocks = append(blocks, acp.ContentBlock{Text: &acp.TextContent{Text: p.Text}})
		}
		if p.LocalImage != "" {
			blocks = append(blocks, acp.ContentBlock{ResourceLink: &acp.EmbeddedResourceResource{Uri: "file://" + p.LocalImage}})
		}
	}

	a.mu.Lock()
	conn := a.conn
	sessionID := a.sessionID
	a.mu.Unlock()

	resp, err := conn.Prompt(ctx, acp.PromptRequest{SessionId: sessionID, Prompt: blocks})
	if err != nil {
		ce := &ClassifiedError{Code: "acp_prompt_failed", Message: err.Error(), Retryable: true, NeedsReset: true}
		a.emit(Event{Kind: EventTurnFailed, Phase: PhaseError, Err: ce})
		return SendResult{}, ce
	}

	a.emit(Event{Kind: EventTurnCompleted, Phase: PhaseCompleted})
	return SendResult{Response: string(resp.StopReason)}, nil
}

// Reset implements Adapter: tears down the subprocess session so the next
// Send starts a fresh one.
func (a *ACPAdapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd != nil && a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
	a.started = false
	a.conn = nil
	a.cmd = nil
	a.setThreadID("")
	return nil
}

var _ io.Closer = (*ACPAdapter)(nil)

// Close terminates the subprocess if running.
func (a *ACPAdapter) Close() error {
	return a.Reset(context.Background())
}

func translateSessionUpdate(n acp.SessionNotification) Event {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		return Event{Kind: EventItemUpdated, Phase: PhaseResponding, Item: &Item{
			Type: ItemAgentMessage, Delta: textOf(u.AgentMessageChunk.Content),
		}}
	case u.AgentThoughtChunk != nil:
		return Event{Kind: EventItemUpdated, Phase: PhaseAnalysis, Item: &Item{
			Type: ItemReasoning, Delta: textOf(u.AgentThoughtChunk.Content),
		}}
	case u.ToolCall != nil:
		return Event{Kind: EventItemStarted, Phase: PhaseTool, Item: &Item{
			ID: string(u.ToolCall.ToolCallId), Type: ItemToolCall,
			ToolName: kindOf(u.ToolCall.Kind),
		}}
	case u.ToolCallUpdate != nil:
		return Event{Kind: EventItemUpdated, Phase: PhaseTool, Item: &Item{
			ID: string(u.ToolCallUpdate.ToolCallId), Type: ItemToolCall,
		}}
	case u.Plan != nil:
		todos := make([]string, 0, len(u.Plan.Entries))
		for _, e := range u.Plan.Entries {
			todos = append(todos, e.Content)
		}
		return Event{Kind: EventItemUpdated, Phase: PhaseContext, Item: &Item{Type: ItemTodoList, Todos: todos}}
	default:
		return Event{Kind: EventItemUpdated, Phase: PhaseContext}
	}
}

func textOf(c acp.ContentBlock) string {
	if c.Text != nil {
		return c.Text.Text
	}
	return ""
}

func kindOf(k *acp.ToolKind) string {
	if k == nil {
		return ""
	}
	return string(*k)
}
