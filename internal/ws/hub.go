package ws

import (
	"context"
	"sync"

	"github.com/agentforge/agentforge/internal/events"
	"github.com/agentforge/agentforge/internal/logger"
)

// Hub tracks connected clients and relays C14 broadcast-bus events to the
// subset subscribed to a given subject. Grounded on the teacher's
// internal/gateway/websocket/hub.go (register/unregister channels, a Run(ctx)
// select loop, per-client subscription bookkeeping) combined with C14's
// wildcard Bus instead of the teacher's single task-id keyed map, since one
// client here relays a whole project's task-queue lifecycle rather than one
// subscribed task at a time.
type Hub struct {
	bus events.Bus
	log *logger.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
	subs    map[*Client]events.Subscription
}

// NewHub constructs a Hub relaying from bus.
func NewHub(bus events.Bus, log *logger.Logger) *Hub {
	return &Hub{
		bus:        bus,
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		subs:       make(map[*Client]events.Subscription),
	}
}

// Run drives registration/unregistration until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

// Register adds a client to the hub and subscribes it to subjectPattern on
// the broadcast bus (e.g. "project.<id>.>"), relaying every matching event
// as a TypeTaskEvent message.
func (h *Hub) Register(c *Client, subjectPattern string) {
	h.register <- c
	sub := h.bus.Subscribe(subjectPattern, func(ctx context.Context, ev *events.Event) {
		c.Send(newOut(TypeTaskEvent, ev.Data))
	})
	h.mu.Lock()
	h.subs[c] = sub
	h.mu.Unlock()
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if sub, ok := h.subs[c]; ok {
		sub.Unsubscribe()
		delete(h.subs, c)
	}
	c.pipeline.Close()
	c.closeSend()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if sub, ok := h.subs[c]; ok {
			sub.Unsubscribe()
		}
		c.pipeline.Close()
		c.closeSend()
	}
	h.clients = make(map[*Client]bool)
	h.subs = make(map[*Client]events.Subscription)
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
