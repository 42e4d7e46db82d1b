package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/internal/agent"
)

type stubAdapter struct {
	id       string
	handlers []agent.EventHandler
	response string
	err      error
	threadID string
}

func newStub(id string) *stubAdapter { return &stubAdapter{id: id} }

func (s *stubAdapter) ID() string { return s.id }
func (s *stubAdapter) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (agent.SendResult, error) {
	for _, h := range s.handlers {
		h(agent.Event{Kind: agent.EventTurnStarted})
	}
	if s.err != nil {
		return agent.SendResult{}, s.err
	}
	return agent.SendResult{Response: s.response}, nil
}
func (s *stubAdapter) OnEvent(h agent.EventHandler) agent.Unsubscribe {
	s.handlers = append(s.handlers, h)
	return func() {}
}
func (s *stubAdapter) GetThreadID() string                   { return s.threadID }
func (s *stubAdapter) Reset(ctx context.Context) error       { s.threadID = ""; return nil }
func (s *stubAdapter) SetModel(model string) error           { return nil }
func (s *stubAdapter) SetWorkingDirectory(path string) error { return nil }
func (s *stubAdapter) Status() agent.Status                  { return agent.Status{Ready: true} }

var _ agent.Adapter = (*stubAdapter)(nil)

func TestOrchestrator_FirstAddedBecomesActive(t *testing.T) {
	o := New()
	a1 := newStub("a1")
	a2 := newStub("a2")
	o.AddAdapter(a1)
	o.AddAdapter(a2)
	assert.Equal(t, "a1", o.ActiveID())
	assert.Equal(t, []string{"a1", "a2"}, o.ListAgents())
}

func TestOrchestrator_SendRoutesToActive(t *testing.T) {
	o := New()
	a1 := newStub("a1")
	a1.response = "hi from a1"
	o.AddAdapter(a1)

	res, err := o.Send(context.Background(), agent.TextInput("hello"), agent.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi from a1", res.Response)
}

func TestOrchestrator_SwitchAgentChangesRouting(t *testing.T) {
	o := New()
	a1 := newStub("a1")
	a2 := newStub("a2")
	a2.response = "hi from a2"
	o.AddAdapter(a1)
	o.AddAdapter(a2)

	require.NoError(t, o.SwitchAgent("a2"))
	res, err := o.Send(context.Background(), agent.TextInput("hello"), agent.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi from a2", res.Response)
}

func TestOrchestrator_SwitchUnknownAgentErrors(t *testing.T) {
	o := New()
	o.AddAdapter(newStub("a1"))
	assert.Error(t, o.SwitchAgent("nope"))
}

func TestOrchestrator_EventsForwardedRegardlessOfActiveAdapter(t *testing.T) {
	o := New()
	a1 := newStub("a1")
	o.AddAdapter(a1)

	var kinds []agent.EventKind
	o.OnEvent(func(ev agent.Event) { kinds = append(kinds, ev.Kind) })

	_, _ = o.Send(context.Background(), agent.TextInput("x"), agent.SendOptions{})
	assert.Equal(t, []agent.EventKind{agent.EventTurnStarted}, kinds)
}

func TestOrchestrator_CollaborativeTurnEmitsDelegationHooks(t *testing.T) {
	o := New()
	sub := newStub("sub")
	sub.response = "delegated result"
	o.AddAdapter(newStub("main"))
	o.AddAdapter(sub)

	var events []DelegationEvent
	o.OnDelegation(func(ev DelegationEvent) { events = append(events, ev) })

	results, err := o.CollaborativeTurn(context.Background(), []string{"sub"}, agent.TextInput("go"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "delegated result", results[0].Response)
	require.Len(t, events, 2)
	assert.Equal(t, "delegation:start", events[0].Kind)
	assert.Equal(t, "delegation:result", events[1].Kind)
}
