// Package agent implements C4: a uniform adapter contract over a CLI coding
// agent subprocess. Grounded on the teacher's internal/agent/agents/agent.go
// (Agent interface, Command/Param) and
// internal/agentctl/server/adapter/acp_adapter.go (ACP-shaped normalized
// events), generalized to spec.md's abstract event schema (§6) so one
// normalization layer serves codex/claude/gemini/opencode (all ACP-shaped)
// plus a copilot-sdk-backed variant.
package agent

import "time"

// ItemType enumerates the event schema's item kinds (spec.md §6).
type ItemType string

const (
	ItemCommandExecution ItemType = "command_execution"
	ItemFileChange       ItemType = "file_change"
	ItemToolCall         ItemType = "tool_call"
	ItemMCPToolCall      ItemType = "mcp_tool_call"
	ItemWebSearch        ItemType = "web_search"
	ItemReasoning        ItemType = "reasoning"
	ItemAgentMessage     ItemType = "agent_message"
	ItemTodoList         ItemType = "todo_list"
)

// Phase is the abstract phase tag mapped onto every event (spec.md §4.C4).
type Phase string

const (
	PhaseBoot       Phase = "boot"
	PhaseAnalysis   Phase = "analysis"
	PhaseContext    Phase = "context"
	PhaseCommand    Phase = "command"
	PhaseEditing    Phase = "editing"
	PhaseTool       Phase = "tool"
	PhaseResponding Phase = "responding"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
	PhaseConnection Phase = "connection"
)

// EventKind distinguishes the turn-level and item-level event envelope.
type EventKind string

const (
	EventTurnStarted   EventKind = "turn.started"
	EventTurnCompleted EventKind = "turn.completed"
	EventTurnFailed    EventKind = "turn.failed"
	EventItemStarted   EventKind = "item.started"
	EventItemUpdated   EventKind = "item.updated"
	EventItemCompleted EventKind = "item.completed"
)

// FileChangeKind enumerates file_change.changes[].kind.
type FileChangeKind string

const (
	FileAdd    FileChangeKind = "add"
	FileDelete FileChangeKind = "delete"
	FileUpdate FileChangeKind = "update"
)

// FileChange is one entry of an item.FileChange.Changes slice.
type FileChange struct {
	Kind FileChangeKind `json:"kind"`
	Path string         `json:"path"`
}

// Item carries the type-specific fields of an item.* event, loosely typed
// (only the fields relevant to that Type are populated) to mirror the
// "duck-typed payload, closed sum internally" guidance in spec.md §9.
type Item struct {
	ID   string   `json:"id"`
	Type ItemType `json:"type"`

	// command_execution
	Command          string `json:"command,omitempty"`
	Status           string `json:"status,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`

	// file_change
	Changes []FileChange `json:"changes,omitempty"`

	// tool_call / mcp_tool_call
	ToolName string `json:"tool_name,omitempty"`
	ToolArgs string `json:"tool_args,omitempty"`

	// web_search
	Query string `json:"query,omitempty"`

	// reasoning / agent_message delta text
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`

	// todo_list
	Todos []string `json:"todos,omitempty"`
}

// Usage reports turn-level token accounting, when the adapter exposes it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is the normalized envelope emitted by every adapter for every turn.
type Event struct {
	Kind      EventKind        `json:"kind"`
	Phase     Phase            `json:"phase"`
	Item      *Item            `json:"item,omitempty"`
	Response  string           `json:"response,omitempty"`
	Usage     *Usage           `json:"usage,omitempty"`
	Err       *ClassifiedError `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
