// Package lock implements C2: a FIFO-fair cooperative mutex and a keyed pool
// of such locks indexed by workspace root. The pool is the process-wide
// serialization point for per-project task state, conversation mutations
// and turn dispatches (spec.md §5).
//
// There is no teacher file implementing a standalone cooperative mutex type;
// this is written fresh in the idiom of the teacher's per-project
// serialization (internal/orchestrator/controller, internal/worktree
// repoLockEntry), using a buffered channel as a ticket queue instead of
// sync.Mutex so waiters are released in arrival order and the holder can be
// awaited with a context.
package lock

import (
	"context"
	"sync"
)

// Lock is a cooperative, FIFO-fair mutex: RunExclusive callers are admitted
// in the order they call it.
type Lock struct {
	ticket chan struct{}
}

// NewLock returns an unheld Lock.
func NewLock() *Lock {
	l := &Lock{ticket: make(chan struct{}, 1)}
	l.ticket <- struct{}{}
	return l
}

// RunExclusive waits its turn (FIFO) and runs fn while holding the lock. If
// ctx is cancelled before the lock is acquired, RunExclusive returns ctx.Err()
// without running fn.
func (l *Lock) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-l.ticket:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { l.ticket <- struct{}{} }()
	return fn(ctx)
}

// TryRunExclusive attempts to acquire the lock without blocking. ok is false
// if the lock was already held.
func (l *Lock) TryRunExclusive(ctx context.Context, fn func(ctx context.Context) error) (ok bool, err error) {
	select {
	case <-l.ticket:
	default:
		return false, nil
	}
	defer func() { l.ticket <- struct{}{} }()
	return true, fn(ctx)
}

// Pool is a process-wide, never-evicted map from workspace root to its Lock,
// created lazily on first use. The pool itself is the single mutator of
// per-workspace invariants (spec.md §5 Shared-resource policy).
type Pool struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

// NewPool returns an empty Pool.
func NewPool() *Pool {
	return &Pool{locks: make(map[string]*Lock)}
}

// Get returns the Lock for workspaceRoot, creating it on first use.
func (p *Pool) Get(workspaceRoot string) *Lock {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[workspaceRoot]
	if !ok {
		l = NewLock()
		p.locks[workspaceRoot] = l
	}
	return l
}

// RunExclusive is sugar for Get(workspaceRoot).RunExclusive(ctx, fn).
func (p *Pool) RunExclusive(ctx context.Context, workspaceRoot string, fn func(ctx context.Context) error) error {
	return p.Get(workspaceRoot).RunExclusive(ctx, fn)
}

// Size reports the number of distinct workspace locks created so far, for
// diagnostics/tests.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
