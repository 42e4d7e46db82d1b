// Package orchestrator implements C5: holds multiple agent adapters per
// session, routes a turn to the active one, and exposes a normalized event
// stream to subscribers regardless of which adapter is processing a turn.
// Grounded on the teacher's internal/orchestrator/controller (adapter
// routing) and internal/orchestrator/executor (delegation-style subordinate
// invocation).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentforge/agentforge/internal/agent"
)

// DelegationEvent is emitted around a collaborative-turn subordinate
// invocation (spec.md §4.C5).
type DelegationEvent struct {
	Kind     string // "delegation:start" | "delegation:result"
	AgentID  string
	Response string
	Err      error
}

// Orchestrator holds an ordered list of adapters with one designated active.
type Orchestrator struct {
	mu       sync.RWMutex
	order    []string
	adapters map[string]agent.Adapter
	active   string

	subsMu sync.Mutex
	subs   map[int]agent.EventHandler
	nextID int

	delegationSubsMu sync.Mutex
	delegationSubs   map[int]func(DelegationEvent)
	delegationNextID int

	unsubByAgent map[string]agent.Unsubscribe
}

// New returns an empty Orchestrator.
func New() *Orchestrator {
	return &Orchestrator{
		adapters:       make(map[string]agent.Adapter),
		subs:           make(map[int]agent.EventHandler),
		delegationSubs: make(map[int]func(DelegationEvent)),
		unsubByAgent:   make(map[string]agent.Unsubscribe),
	}
}

// AddAdapter registers a adapter under its ID, forwarding its events to this
// orchestrator's subscribers. The first adapter added becomes active.
func (o *Orchestrator) AddAdapter(a agent.Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := a.ID()
	if _, exists := o.adapters[id]; !exists {
		o.order = append(o.order, id)
	}
	o.adapters[id] = a
	o.unsubByAgent[id] = a.OnEvent(func(ev agent.Event) { o.broadcast(ev) })
	if o.active == "" {
		o.active = id
	}
}

func (o *Orchestrator) broadcast(ev agent.Event) {
	o.subsMu.Lock()
	handlers := make([]agent.EventHandler, 0, len(o.subs))
	for _, h := range o.subs {
		handlers = append(handlers, h)
	}
	o.subsMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// OnEvent subscribes to events from whichever adapter is processing a turn.
func (o *Orchestrator) OnEvent(handler agent.EventHandler) agent.Unsubscribe {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	id := o.nextID
	o.nextID++
	o.subs[id] = handler
	return func() {
		o.subsMu.Lock()
		defer o.subsMu.Unlock()
		delete(o.subs, id)
	}
}

// ListAgents returns adapter IDs sorted alphabetically, not in registration
// order.
func (o *Orchestrator) ListAgents() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	sort.Strings(out) // stable, deterministic listing for snapshot tests
	return out
}

// ActiveID returns the currently active adapter's ID.
func (o *Orchestrator) ActiveID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

// SwitchAgent makes id the active adapter.
func (o *Orchestrator) SwitchAgent(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.adapters[id]; !ok {
		return fmt.Errorf("orchestrator: unknown agent %q", id)
	}
	o.active = id
	return nil
}

func (o *Orchestrator) get(id string) (agent.Adapter, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.adapters[id]
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown agent %q", id)
	}
	return a, nil
}

func (o *Orchestrator) getActive() (agent.Adapter, error) {
	o.mu.RLock()
	active := o.active
	o.mu.RUnlock()
	if active == "" {
		return nil, fmt.Errorf("orchestrator: no active agent")
	}
	return o.get(active)
}

// Send routes input to the active adapter.
func (o *Orchestrator) Send(ctx context.Context, input agent.Input, opts agent.SendOptions) (agent.SendResult, error) {
	a, err := o.getActive()
	if err != nil {
		return agent.SendResult{}, err
	}
	return a.Send(ctx, input, opts)
}

// InvokeAgent routes input to a specific adapter regardless of which is
// active.
func (o *Orchestrator) InvokeAgent(ctx context.Context, id string, input agent.Input, opts agent.SendOptions) (agent.SendResult, error) {
	a, err := o.get(id)
	if err != nil {
		return agent.SendResult{}, err
	}
	return a.Send(ctx, input, opts)
}

// GetThreadID returns the active adapter's thread id.
func (o *Orchestrator) GetThreadID() string {
	a, err := o.getActive()
	if err != nil {
		return ""
	}
	return a.GetThreadID()
}

// Reset resets the active adapter.
func (o *Orchestrator) Reset(ctx context.Context) error {
	a, err := o.getActive()
	if err != nil {
		return err
	}
	return a.Reset(ctx)
}

// SetModel sets the active adapter's model.
func (o *Orchestrator) SetModel(model string) error {
	a, err := o.getActive()
	if err != nil {
		return err
	}
	return a.SetModel(model)
}

// SetWorkingDirectory sets cwd on every registered adapter, so switching the
// active agent mid-session does not lose cwd.
func (o *Orchestrator) SetWorkingDirectory(path string) error {
	o.mu.RLock()
	adapters := make([]agent.Adapter, 0, len(o.adapters))
	for _, a := range o.adapters {
		adapters = append(adapters, a)
	}
	o.mu.RUnlock()
	for _, a := range adapters {
		if err := a.SetWorkingDirectory(path); err != nil {
			return err
		}
	}
	return nil
}

// Status reports the active adapter's status.
func (o *Orchestrator) Status() agent.Status {
	a, err := o.getActive()
	if err != nil {
		return agent.Status{Ready: false, Err: err}
	}
	return a.Status()
}

// OnDelegation subscribes to delegation:start/delegation:result hooks.
func (o *Orchestrator) OnDelegation(fn func(DelegationEvent)) func() {
	o.delegationSubsMu.Lock()
	defer o.delegationSubsMu.Unlock()
	id := o.delegationNextID
	o.delegationNextID++
	o.delegationSubs[id] = fn
	return func() {
		o.delegationSubsMu.Lock()
		defer o.delegationSubsMu.Unlock()
		delete(o.delegationSubs, id)
	}
}

func (o *Orchestrator) emitDelegation(ev DelegationEvent) {
	o.delegationSubsMu.Lock()
	fns := make([]func(DelegationEvent), 0, len(o.delegationSubs))
	for _, fn := range o.delegationSubs {
		fns = append(fns, fn)
	}
	o.delegationSubsMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// CollaborativeTurn invokes a sequence of subordinate agents, in order,
// surfacing delegation:start/delegation:result events around each. This is
// the "supervisor directive" helper from spec.md §4.C5; the active adapter
// is left unchanged by it.
func (o *Orchestrator) CollaborativeTurn(ctx context.Context, subordinateIDs []string, input agent.Input) ([]agent.SendResult, error) {
	results := make([]agent.SendResult, 0, len(subordinateIDs))
	for _, id := range subordinateIDs {
		o.emitDelegation(DelegationEvent{Kind: "delegation:start", AgentID: id})
		res, err := o.InvokeAgent(ctx, id, input, agent.SendOptions{})
		if err != nil {
			o.emitDelegation(DelegationEvent{Kind: "delegation:result", AgentID: id, Err: err})
			return results, err
		}
		o.emitDelegation(DelegationEvent{Kind: "delegation:result", AgentID: id, Response: res.Response})
		results = append(results, res)
	}
	return results, nil
}
