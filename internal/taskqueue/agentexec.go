package taskqueue

import (
	"context"
	"fmt"

	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/orchestrator"
	"github.com/agentforge/agentforge/internal/task"
)

// AgentExecutor implements both Planner and Executor over one project's
// Orchestrator (C5), the same adapter pool an interactive WS session would
// drive, so a background task sees identical agent behavior to a live
// conversation. Grounded on spec.md §4.C12's single-step happy path: Plan
// always produces one step ("run the task's prompt"), and ExecuteStep hands
// the prompt straight to the orchestrator's active adapter.
type AgentExecutor struct {
	orch *orchestrator.Orchestrator
}

// NewAgentExecutor binds an AgentExecutor to orch.
func NewAgentExecutor(orch *orchestrator.Orchestrator) *AgentExecutor {
	return &AgentExecutor{orch: orch}
}

// Plan always yields a single step per spec.md §4.C12's happy path example;
// a richer planner could decompose a prompt into several, but nothing in
// this system's C12 surface requires it.
func (e *AgentExecutor) Plan(ctx context.Context, t *task.Task) (PlanResult, error) {
	return PlanResult{
		Steps: []*task.PlanStep{
			{TaskID: t.ID, StepNumber: 1, Title: "Run prompt", Description: t.Prompt, State: task.PlanStepPending},
		},
	}, nil
}

// ExecuteStep submits the task's prompt to the project orchestrator's active
// adapter and folds the result into one assistant message.
func (e *AgentExecutor) ExecuteStep(ctx context.Context, t *task.Task, step *task.PlanStep) (StepOutcome, error) {
	if t.Model != "" {
		if err := e.orch.SetModel(t.Model); err != nil {
			return StepOutcome{}, fmt.Errorf("taskqueue: set model: %w", err)
		}
	}
	result, err := e.orch.Send(ctx, agent.TextInput(step.Description), agent.SendOptions{})
	if err != nil {
		return StepOutcome{}, err
	}
	msg := &task.Message{
		TaskID:  t.ID,
		Role:    task.RoleAssistant,
		Type:    task.MessageChat,
		Content: result.Response,
	}
	return StepOutcome{Messages: []*task.Message{msg}, Result: result.Response}, nil
}
