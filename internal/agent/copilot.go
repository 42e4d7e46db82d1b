package agent

import (
	"context"

	copilot "github.com/github/copilot-sdk/go"

	"github.com/agentforge/agentforge/internal/logger"
)

// CopilotAdapter adapts GitHub Copilot CLI to the uniform Adapter contract
// via the official copilot-sdk/go client, rather than ACP.
type CopilotAdapter struct {
	base
	log    *logger.Logger
	client *copilot.Client

	model string
}

// NewCopilotAdapter constructs the copilot variant.
func NewCopilotAdapter(log *logger.Logger) *CopilotAdapter {
	return &CopilotAdapter{base: newBase("copilot"), log: log}
}

func (a *CopilotAdapter) ensureClient() *copilot.Client {
	if a.client == nil {
		a.client = copilot.NewClient()
	}
	return a.client
}

// Send implements Adapter.
func (a *CopilotAdapter) Send(ctx context.Context, input Input, opts SendOptions) (SendResult, error) {
	client := a.ensureClient()
	a.emit(Event{Kind: EventTurnStarted, Phase: PhaseBoot})

	var text string
	for _, p := range input.Parts {
		text += p.Text
	}

	req := copilot.CompletionRequest{
		Prompt:    text,
		Model:     a.currentModel(),
		Cwd:       a.currentWorkDir(),
		SessionID: a.GetThreadID(),
	}

	stream, err := client.StreamCompletion(ctx, req)
	if err != nil {
		ce := &ClassifiedError{Code: "copilot_request_failed", Message: err.Error(), Retryable: true}
		a.emit(Event{Kind: EventTurnFailed, Phase: PhaseError, Err: ce})
		return SendResult{}, ce
	}

	var full string
	for chunk := range stream.Events() {
		full += chunk.Delta
		a.emit(Event{
			Kind:  EventItemUpdated,
			Phase: PhaseResponding,
			Item:  &Item{Type: ItemAgentMessage, Delta: chunk.Delta},
		})
	}
	if err := stream.Err(); err != nil {
		ce := &ClassifiedError{Code: "copilot_stream_failed", Message: err.Error(), Retryable: true}
		a.emit(Event{Kind: EventTurnFailed, Phase: PhaseError, Err: ce})
		return SendResult{}, ce
	}

	if id := stream.SessionID(); id != "" {
		a.setThreadID(id)
	}
	a.emit(Event{Kind: EventTurnCompleted, Phase: PhaseCompleted})
	return SendResult{Response: full}, nil
}

// Reset implements Adapter.
func (a *CopilotAdapter) Reset(ctx context.Context) error {
	a.setThreadID("")
	return nil
}
