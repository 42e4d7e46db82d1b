package agent

import (
	"fmt"

	"github.com/agentforge/agentforge/internal/logger"
)

// Descriptor names a supported agent variant and how to launch it, mirroring
// the teacher's per-agent registration (internal/agent/registry) but scoped
// down to launch-spec + factory.
type Descriptor struct {
	ID           string
	DisplayName  string
	DefaultModel string
	Launch       ACPLaunchSpec // zero value for non-ACP variants (e.g. copilot)
}

// Builtin lists the agent variants this server ships adapters for. codex,
// claude-code, gemini and opencode all speak ACP over stdio; copilot uses
// its own SDK.
var Builtin = []Descriptor{
	{ID: "codex", DisplayName: "Codex", DefaultModel: "gpt-5-codex", Launch: ACPLaunchSpec{Program: "codex", Args: []string{"acp"}}},
	{ID: "claude-code", DisplayName: "Claude Code", DefaultModel: "claude-sonnet", Launch: ACPLaunchSpec{Program: "claude", Args: []string{"acp"}}},
	{ID: "gemini", DisplayName: "Gemini", DefaultModel: "gemini-2.5-pro", Launch: ACPLaunchSpec{Program: "gemini", Args: []string{"acp"}}},
	{ID: "opencode", DisplayName: "OpenCode", DefaultModel: "", Launch: ACPLaunchSpec{Program: "opencode", Args: []string{"acp"}}},
	{ID: "copilot", DisplayName: "GitHub Copilot", DefaultModel: ""},
}

// New constructs the Adapter for id, or an error if id is unknown.
func New(id string, log *logger.Logger) (Adapter, error) {
	for _, d := range Builtin {
		if d.ID != id {
			continue
		}
		if id == "copilot" {
			return NewCopilotAdapter(log), nil
		}
		return NewACPAdapter(d.ID, d.Launch, log), nil
	}
	return nil, fmt.Errorf("agent: unknown adapter id %q", id)
}
