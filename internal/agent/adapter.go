package agent

import "context"

// InputPart is one heterogeneous piece of a Send input: either text or a
// reference to a materialized local image file (spec.md §4.C4).
type InputPart struct {
	Text       string `json:"text,omitempty"`
	LocalImage string `json:"local_image,omitempty"` // path
}

// Input is the full payload handed to Send.
type Input struct {
	Parts []InputPart
}

// TextInput is a convenience constructor for a plain-text Input.
func TextInput(text string) Input {
	return Input{Parts: []InputPart{{Text: text}}}
}

// SendOptions controls one Send invocation.
type SendOptions struct {
	Streaming bool
	Env       map[string]string
}

// SendResult is returned once a turn completes.
type SendResult struct {
	Response string
	Usage    *Usage
}

// Status reports the adapter's current readiness.
type Status struct {
	Ready     bool
	Streaming bool
	Err       error
}

// EventHandler receives normalized Events for the lifetime of a subscription.
type EventHandler func(Event)

// Unsubscribe detaches a previously registered EventHandler.
type Unsubscribe func()

// Adapter is the uniform contract over one CLI coding agent subprocess
// (spec.md §4.C4). Every concrete adapter (codex, claude code, gemini,
// copilot, opencode, ...) implements this; C5 holds several and routes
// turns to whichever is active.
type Adapter interface {
	// ID identifies the agent variant ("codex", "claude-code", ...).
	ID() string

	// Send submits input for a new turn, blocking until turn.completed or
	// turn.failed is observed internally; streaming intermediate events are
	// still delivered to subscribers registered via OnEvent.
	Send(ctx context.Context, input Input, opts SendOptions) (SendResult, error)

	// OnEvent subscribes handler to this adapter's normalized event stream.
	OnEvent(handler EventHandler) Unsubscribe

	// GetThreadID returns the adapter's current conversation thread id, or
	// "" if none has been established yet.
	GetThreadID() string

	// Reset clears the adapter's thread/session state.
	Reset(ctx context.Context) error

	// SetModel switches the model used for subsequent turns. An empty model
	// restores the adapter's default.
	SetModel(model string) error

	// SetWorkingDirectory updates the cwd used for subsequent turns.
	SetWorkingDirectory(path string) error

	// Status reports current readiness.
	Status() Status
}
