package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/internal/activity"
	"github.com/agentforge/agentforge/internal/agent"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/orchestrator"
	"github.com/agentforge/agentforge/internal/session"
)

type fakeAdapter struct {
	mu       sync.Mutex
	id       string
	threadID string
	handlers []agent.EventHandler
	response string
	sendErr  error
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (agent.SendResult, error) {
	f.emit(agent.Event{Kind: agent.EventTurnStarted})
	if f.sendErr != nil {
		f.emit(agent.Event{Kind: agent.EventTurnFailed, Err: agent.Classify(f.sendErr)})
		return agent.SendResult{}, f.sendErr
	}
	f.emit(agent.Event{Kind: agent.EventItemUpdated, Item: &agent.Item{ID: "i1", Type: agent.ItemAgentMessage, Delta: "hi"}})
	f.emit(agent.Event{Kind: agent.EventTurnCompleted, Response: f.response})
	return agent.SendResult{Response: f.response}, nil
}

func (f *fakeAdapter) OnEvent(h agent.EventHandler) agent.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	idx := len(f.handlers) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[idx] = nil
	}
}

func (f *fakeAdapter) emit(ev agent.Event) {
	f.mu.Lock()
	handlers := append([]agent.EventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
}

func (f *fakeAdapter) GetThreadID() string                { return f.threadID }
func (f *fakeAdapter) Reset(ctx context.Context) error    { f.threadID = ""; return nil }
func (f *fakeAdapter) SetModel(model string) error        { return nil }
func (f *fakeAdapter) SetWorkingDirectory(p string) error { return nil }
func (f *fakeAdapter) Status() agent.Status               { return agent.Status{Ready: true} }

var _ agent.Adapter = (*fakeAdapter)(nil)

func newTestPipeline(t *testing.T, a *fakeAdapter) (*Pipeline, *[]OutMessage) {
	t.Helper()
	orch := orchestrator.New()
	orch.AddAdapter(a)
	rec := &session.Record{Orchestrator: orch, Cwd: "/tmp/ws", SavedThreadIDs: map[string]string{}}
	tracker := activity.New(activity.Config{})

	var mu sync.Mutex
	var out []OutMessage
	send := func(m OutMessage) {
		mu.Lock()
		out = append(out, m)
		mu.Unlock()
	}
	sessions := session.New(func(cwd string) *orchestrator.Orchestrator { return orch }, logger.Default(), session.Config{})
	p := NewPipeline(rec, tracker, nil, sessions, nil, nil, logger.Default(), send)
	return p, &out
}

func waitFor(t *testing.T, out *[]OutMessage, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(*out) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqualf(t, len(*out), n, "expected at least %d messages, got %d", n, len(*out))
}

func rawPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestPipeline_PromptEmitsAckDeltaAndResult(t *testing.T) {
	a := &fakeAdapter{id: "fake", response: "done"}
	p, out := newTestPipeline(t, a)

	p.Handle(context.Background(), &InMessage{Type: TypePrompt, Payload: rawPayload(t, PromptPayload{Text: "hello"})})

	waitFor(t, out, 3)
	var kinds []string
	for _, m := range *out {
		kinds = append(kinds, m.Type)
	}
	assert.Contains(t, kinds, TypeAck)
	assert.Contains(t, kinds, TypeDelta)
	assert.Contains(t, kinds, TypeResult)
}

func TestPipeline_DuplicateClientMessageIDIsAcked(t *testing.T) {
	a := &fakeAdapter{id: "fake", response: "done"}
	p, out := newTestPipeline(t, a)

	msg := &InMessage{Type: TypePrompt, Payload: rawPayload(t, PromptPayload{Text: "hi", ClientMessageID: "m1"})}
	p.Handle(context.Background(), msg)
	waitFor(t, out, 1)
	p.Handle(context.Background(), msg)

	var duplicates int
	for _, m := range *out {
		if m.Type == TypeAck {
			if payload, ok := m.Payload.(AckPayload); ok && payload.Duplicate {
				duplicates++
			}
		}
	}
	assert.Equal(t, 1, duplicates)
}

func TestPipeline_EmptyPromptIsRejected(t *testing.T) {
	a := &fakeAdapter{id: "fake"}
	p, out := newTestPipeline(t, a)

	p.Handle(context.Background(), &InMessage{Type: TypePrompt, Payload: rawPayload(t, PromptPayload{})})

	require.Len(t, *out, 1)
	assert.Equal(t, TypeError, (*out)[0].Type)
}

func TestPipeline_CdCommandUpdatesWorkspace(t *testing.T) {
	a := &fakeAdapter{id: "fake"}
	p, out := newTestPipeline(t, a)
	dir := t.TempDir()

	p.Handle(context.Background(), &InMessage{Type: TypeCommand, Payload: rawPayload(t, CommandPayload{Text: "/cd " + dir})})

	require.Len(t, *out, 1)
	assert.Equal(t, TypeWorkspace, (*out)[0].Type)
	assert.Equal(t, dir, p.rec.Cwd)
}

func TestPipeline_CdCommandRejectsDisallowedDir(t *testing.T) {
	a := &fakeAdapter{id: "fake"}
	orch := orchestrator.New()
	orch.AddAdapter(a)
	rec := &session.Record{Orchestrator: orch, Cwd: "/tmp/ws", SavedThreadIDs: map[string]string{}}
	tracker := activity.New(activity.Config{})
	var out []OutMessage
	send := func(m OutMessage) { out = append(out, m) }
	p := NewPipeline(rec, tracker, nil, nil, nil, []string{"/tmp/ws"}, logger.Default(), send)

	p.Handle(context.Background(), &InMessage{Type: TypeCommand, Payload: rawPayload(t, CommandPayload{Text: "/cd /etc"})})

	require.Len(t, out, 1)
	assert.Equal(t, TypeError, out[0].Type)
}

func TestPipeline_AgentsListsAdapters(t *testing.T) {
	a := &fakeAdapter{id: "fake"}
	p, out := newTestPipeline(t, a)

	p.Handle(context.Background(), &InMessage{Type: TypeAgents})

	require.Len(t, *out, 1)
	assert.Equal(t, TypeServerAgents, (*out)[0].Type)
}

func TestPipeline_PingIsAcked(t *testing.T) {
	a := &fakeAdapter{id: "fake"}
	p, out := newTestPipeline(t, a)

	p.Handle(context.Background(), &InMessage{Type: TypePing})

	require.Len(t, *out, 1)
	assert.Equal(t, TypeAck, (*out)[0].Type)
}

func TestPipeline_SendFailureEmitsClassifiedError(t *testing.T) {
	a := &fakeAdapter{id: "fake"}
	a.sendErr = assertErr("boom")
	p, out := newTestPipeline(t, a)

	p.Handle(context.Background(), &InMessage{Type: TypePrompt, Payload: rawPayload(t, PromptPayload{Text: "hi"})})

	waitFor(t, out, 2)
	var sawError bool
	for _, m := range *out {
		if m.Type == TypeError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
