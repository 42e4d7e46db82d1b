package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a minimal Adapter used to exercise base's shared bookkeeping
// without needing a real agent subprocess or SDK client.
type fakeAdapter struct {
	base
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{base: newBase("fake")} }

func (f *fakeAdapter) Send(ctx context.Context, input Input, opts SendOptions) (SendResult, error) {
	f.emit(Event{Kind: EventTurnStarted, Phase: PhaseBoot})
	f.setThreadID("thread-1")
	f.emit(Event{Kind: EventTurnCompleted, Phase: PhaseCompleted})
	return SendResult{Response: "ok"}, nil
}

func (f *fakeAdapter) Reset(ctx context.Context) error {
	f.setThreadID("")
	return nil
}

var _ Adapter = (*fakeAdapter)(nil)

func TestBase_OnEventReceivesEmittedEvents(t *testing.T) {
	a := newFakeAdapter()
	var kinds []EventKind
	unsub := a.OnEvent(func(ev Event) { kinds = append(kinds, ev.Kind) })
	defer unsub()

	_, err := a.Send(context.Background(), TextInput("hi"), SendOptions{})
	require.NoError(t, err)

	assert.Equal(t, []EventKind{EventTurnStarted, EventTurnCompleted}, kinds)
	assert.Equal(t, "thread-1", a.GetThreadID())
}

func TestBase_UnsubscribeStopsDelivery(t *testing.T) {
	a := newFakeAdapter()
	count := 0
	unsub := a.OnEvent(func(ev Event) { count++ })
	unsub()

	_, _ = a.Send(context.Background(), TextInput("hi"), SendOptions{})
	assert.Equal(t, 0, count)
}

func TestBase_ResetClearsThreadID(t *testing.T) {
	a := newFakeAdapter()
	_, _ = a.Send(context.Background(), TextInput("hi"), SendOptions{})
	require.Equal(t, "thread-1", a.GetThreadID())

	require.NoError(t, a.Reset(context.Background()))
	assert.Equal(t, "", a.GetThreadID())
}

func TestRegistry_NewUnknownID(t *testing.T) {
	_, err := New("does-not-exist", nil)
	assert.Error(t, err)
}
