package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_FIFOOrdering(t *testing.T) {
	l := NewLock()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// hold the lock first so subsequent RunExclusive calls queue up.
	holding := make(chan struct{})
	release := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.RunExclusive(context.Background(), func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.RunExclusive(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(5 * time.Millisecond) // stabilize arrival order
	}
	close(release)
	wg.Wait()

	require.Len(t, order, 5)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLock_ContextCancelBeforeAcquire(t *testing.T) {
	l := NewLock()
	release := make(chan struct{})
	go func() {
		_ = l.RunExclusive(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.RunExclusive(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestPool_ReturnsSameLockForSameWorkspace(t *testing.T) {
	p := NewPool()
	a := p.Get("/tmp/ws-a")
	b := p.Get("/tmp/ws-a")
	c := p.Get("/tmp/ws-b")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, p.Size())
}

func TestLock_TryRunExclusive(t *testing.T) {
	l := NewLock()
	release := make(chan struct{})
	go func() {
		_ = l.RunExclusive(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ok, err := l.TryRunExclusive(context.Background(), func(ctx context.Context) error { return nil })
	assert.False(t, ok)
	assert.NoError(t, err)
	close(release)
}
