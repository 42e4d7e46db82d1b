// Package events implements C14: routes published events to the subset of
// connections that match a session/project identity. Grounded on the
// teacher's internal/events/bus (bus.go, memory.go, nats.go): one EventBus
// interface behind an in-memory wildcard-subject implementation and an
// optional NATS-backed one.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one published item. Subject encodes routing (e.g.
// "project.<projectId>.task" or "session.<sessionId>.turn"); Data carries
// the normalized payload (an agent.Event, a taskqueue.Event, or a plain map).
type Event struct {
	ID        string
	Subject   string
	Source    string
	Timestamp time.Time
	Data      any
}

// NewEvent stamps an Event with a fresh id and timestamp.
func NewEvent(subject, source string, data any) *Event {
	return &Event{ID: uuid.New().String(), Subject: subject, Source: source, Timestamp: time.Now().UTC(), Data: data}
}

// Handler receives one delivered event. The bus never propagates handler
// errors upward; delivery failures are logged and dropped (spec.md §7).
type Handler func(ctx context.Context, ev *Event)

// Subscription lets a caller stop receiving events.
type Subscription interface {
	Unsubscribe()
}

// Bus routes published events to subject-pattern subscribers.
type Bus interface {
	Publish(ctx context.Context, subject string, ev *Event)
	Subscribe(subject string, handler Handler) Subscription
	Close()
}
