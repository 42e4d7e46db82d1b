package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/orchestrator"
)

func testFactory(cwd string) *orchestrator.Orchestrator { return orchestrator.New() }

func TestManager_GetOrCreateIsLazyAndStable(t *testing.T) {
	m := New(testFactory, logger.Default(), Config{})
	rec1 := m.GetOrCreate(1, "/tmp/ws", "")
	rec2 := m.GetOrCreate(1, "/tmp/ws", "")
	assert.Same(t, rec1.Orchestrator, rec2.Orchestrator)
	assert.Equal(t, 1, m.Count())
}

func TestManager_CwdChangeUpdatesCwdAndRebuildsLogger(t *testing.T) {
	m := New(testFactory, logger.Default(), Config{})
	rec := m.GetOrCreate(1, "/tmp/a", "")
	originalLogger := rec.Logger

	rec2 := m.GetOrCreate(1, "/tmp/b", "")
	assert.Equal(t, "/tmp/b", rec2.Cwd)
	assert.NotSame(t, originalLogger, rec2.Logger)
}

func TestManager_SaveThreadIDIsIdempotent(t *testing.T) {
	m := New(testFactory, logger.Default(), Config{})
	m.GetOrCreate(1, "/tmp/a", "")
	m.SaveThreadID(1, "codex", "thread-1")
	m.SaveThreadID(1, "codex", "thread-1")

	rec, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "thread-1", rec.SavedThreadIDs["codex"])
}

func TestManager_IdleCollectorPrunesStaleRecords(t *testing.T) {
	m := New(testFactory, logger.Default(), Config{IdleTTL: 20 * time.Millisecond})
	m.GetOrCreate(1, "/tmp/a", "")
	require.Equal(t, 1, m.Count())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go m.RunIdleCollector(ctx, 10*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, m.Count())
}

func TestManager_RemoveDropsRecord(t *testing.T) {
	m := New(testFactory, logger.Default(), Config{})
	m.GetOrCreate(1, "/tmp/a", "")
	m.Remove(1)
	_, ok := m.Get(1)
	assert.False(t, ok)
}
