// Package ws implements C13: the per-connection WS turn pipeline plus the
// transport (Hub/Client) that carries it. Grounded on the teacher's
// internal/gateway/websocket/{client.go,hub.go} for the transport and
// pkg/websocket's envelope/dispatcher split for the message shapes, adapted
// to spec.md §6's concrete client/server message catalogue.
package ws

import "encoding/json"

// Client-to-server message types (spec.md §6).
const (
	TypePrompt     = "prompt"
	TypeCommand    = "command"
	TypeTaskResume = "task_resume"
	TypeAgents     = "agents"
	TypePing       = "ping"
)

// Server-to-client message types (spec.md §6).
const (
	TypeWelcome         = "welcome"
	TypeAck             = "ack"
	TypeDelta           = "delta"
	TypeServerCommand   = "command"
	TypePatch           = "patch"
	TypeExplored        = "explored"
	TypeAgent           = "agent"
	TypeResult          = "result"
	TypeError           = "error"
	TypeServerAgents    = "agents"
	TypeHistory         = "history"
	TypeWorkspace       = "workspace"
	TypeTaskEvent       = "task:event"
	TypeTaskBundleDraft = "task_bundle_draft"
)

// InMessage is the raw envelope read off the socket; Payload is decoded
// according to Type once dispatched.
type InMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutMessage is the envelope written to the socket.
type OutMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// PromptPayload is TypePrompt's payload.
type PromptPayload struct {
	Text            string   `json:"text"`
	Images          []string `json:"images,omitempty"`
	ClientMessageID string   `json:"client_message_id,omitempty"`
}

// CommandPayload is TypeCommand's payload: a raw slash-command string, e.g.
// "/bootstrap --soft ./repo fix the build".
type CommandPayload struct {
	Text string `json:"text"`
}

// ResumeMode selects how TypeTaskResume resumes a thread.
type ResumeMode string

const (
	ResumeAuto    ResumeMode = "auto"
	ResumeCurrent ResumeMode = "current"
	ResumeSaved   ResumeMode = "saved"
)

// TaskResumePayload is TypeTaskResume's payload.
type TaskResumePayload struct {
	Mode     ResumeMode `json:"mode,omitempty"`
	ThreadID string     `json:"threadId,omitempty"`
}

// AckPayload acknowledges an inbound message. The duplicate-suppression
// shape is spec.md §4.C13's `{type:"ack", client_message_id, duplicate:true}`;
// the same envelope covers ping/interrupt/task_resume acks by type/command.
type AckPayload struct {
	Type            string `json:"type,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	Duplicate       bool   `json:"duplicate,omitempty"`
	Command         string `json:"command,omitempty"`
	ThreadID        string `json:"thread_id,omitempty"`
}

// ErrorPayload is TypeError's payload.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ResultPayload is TypeResult's payload: the final turn response (spec.md
// §4.C13's "on turn end: emit {type:result, ok:true, output, threadId,
// expectedThreadId, threadReset}").
type ResultPayload struct {
	Ok               bool   `json:"ok"`
	Response         string `json:"output"`
	ThreadID         string `json:"threadId,omitempty"`
	ExpectedThreadID string `json:"expectedThreadId,omitempty"`
	ThreadReset      bool   `json:"threadReset"`
	Usage            *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// DeltaPayload streams incremental turn text. source distinguishes a
// phase-tagged status line ("step") from plain responding text.
type DeltaPayload struct {
	Delta  string `json:"delta"`
	Source string `json:"source,omitempty"`
}

// CommandInfo is one command_execution progress report, prefix-diffed
// against the last report sent for the same command key (spec.md §4.C13).
type CommandInfo struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	OutputDelta string `json:"outputDelta,omitempty"`
}

// CommandPreviewPayload reports a command_execution item's progress.
type CommandPreviewPayload struct {
	Command CommandInfo `json:"command"`
}

// PatchPayload reports a file_change item.
type PatchPayload struct {
	ItemID  string `json:"item_id"`
	Changes []struct {
		Kind string `json:"kind"`
		Path string `json:"path"`
	} `json:"changes"`
}

// ExploredPayload carries one activity-tracker entry (C6).
type ExploredPayload struct {
	Category string `json:"category"`
	Summary  string `json:"summary"`
	Source   string `json:"source,omitempty"`
}

// AgentsPayload answers a TypeAgents request.
type AgentsPayload struct {
	Agents []string `json:"agents"`
	Active string   `json:"active"`
}

// WelcomePayload greets a freshly connected client.
type WelcomePayload struct {
	ConnectionID string `json:"connection_id"`
	Cwd          string `json:"cwd"`
}

func newOut(msgType string, payload any) OutMessage {
	return OutMessage{Type: msgType, Payload: payload}
}
