package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_ExactSubjectDelivers(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var got *Event
	var mu sync.Mutex
	bus.Subscribe("project.1.task", func(ctx context.Context, ev *Event) {
		mu.Lock()
		got = ev
		mu.Unlock()
	})

	ev := NewEvent("project.1.task", "taskqueue", "hello")
	bus.Publish(context.Background(), "project.1.task", ev)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Data)
}

func TestMemoryBus_SingleTokenWildcardMatchesOneSegment(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var received []string
	var mu sync.Mutex
	bus.Subscribe("project.*.task", func(ctx context.Context, ev *Event) {
		mu.Lock()
		received = append(received, ev.Subject)
		mu.Unlock()
	})

	bus.Publish(context.Background(), "project.1.task", NewEvent("project.1.task", "s", nil))
	bus.Publish(context.Background(), "project.1.task.step", NewEvent("project.1.task.step", "s", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"project.1.task"}, received)
}

func TestMemoryBus_RemainderWildcardMatchesMultipleSegments(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var count int
	var mu sync.Mutex
	bus.Subscribe("project.1.>", func(ctx context.Context, ev *Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(context.Background(), "project.1.task", NewEvent("project.1.task", "s", nil))
	bus.Publish(context.Background(), "project.1.task.step.3", NewEvent("project.1.task.step.3", "s", nil))
	bus.Publish(context.Background(), "project.2.task", NewEvent("project.2.task", "s", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var count int
	var mu sync.Mutex
	sub := bus.Subscribe("session.*.turn", func(ctx context.Context, ev *Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(context.Background(), "session.a.turn", NewEvent("session.a.turn", "s", nil))
	sub.Unsubscribe()
	bus.Publish(context.Background(), "session.a.turn", NewEvent("session.a.turn", "s", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestMemoryBus_MultipleSubscribersAllReceive(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var a, b int
	var mu sync.Mutex
	bus.Subscribe("project.1.task", func(ctx context.Context, ev *Event) { mu.Lock(); a++; mu.Unlock() })
	bus.Subscribe("project.*.task", func(ctx context.Context, ev *Event) { mu.Lock(); b++; mu.Unlock() })

	bus.Publish(context.Background(), "project.1.task", NewEvent("project.1.task", "s", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestMemoryBus_HandlerPanicDoesNotBreakOtherSubscribers(t *testing.T) {
	bus := NewMemoryBus(nil)
	defer bus.Close()

	var delivered bool
	bus.Subscribe("x", func(ctx context.Context, ev *Event) { panic("boom") })
	bus.Subscribe("x", func(ctx context.Context, ev *Event) { delivered = true })

	bus.Publish(context.Background(), "x", NewEvent("x", "s", nil))
	assert.True(t, delivered)
}

func TestNewEvent_StampsIDAndTimestamp(t *testing.T) {
	ev := NewEvent("x", "src", 1)
	assert.NotEmpty(t, ev.ID)
	assert.WithinDuration(t, time.Now().UTC(), ev.Timestamp, time.Second)
	assert.Equal(t, "src", ev.Source)
}
