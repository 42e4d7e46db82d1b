// Package session implements C7: per-user session records (active
// orchestrator, cwd, thread IDs, conversation logger) with idle GC.
// Grounded on the teacher's internal/agent/lifecycle/session.go.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/orchestrator"
)

// Factory constructs a fresh Orchestrator (with adapters registered) for a
// new session record; injected so Manager doesn't need to know about every
// agent's construction details.
type Factory func(cwd string) *orchestrator.Orchestrator

// Record is one per-user-id session.
type Record struct {
	UserID         int64
	Orchestrator   *orchestrator.Orchestrator
	Cwd            string
	Logger         *logger.Logger
	LastActivity   time.Time
	NeedsHistory   bool              // "needs history injection" flag, spec.md §4.C7
	SavedThreadIDs map[string]string // agentID -> thread id
	ResumeThreadID string
	RecentTurns    []string // bounded transcript consumed by a history-injection prefix
}

// maxHistoryEntries bounds Record.RecentTurns (spec.md §4.C13: ≤20 most
// recent user/AI entries).
const maxHistoryEntries = 20

// Manager is keyed by integer user-id.
type Manager struct {
	mu      sync.Mutex
	records map[int64]*Record
	factory Factory
	baseLog *logger.Logger
	idleTTL time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config controls Manager construction.
type Config struct {
	IdleTTL time.Duration // default 30 minutes
}

// New returns a Manager that builds orchestrators via factory.
func New(factory Factory, baseLog *logger.Logger, cfg Config) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Manager{
		records: make(map[int64]*Record),
		factory: factory,
		baseLog: baseLog,
		idleTTL: cfg.IdleTTL,
		stopCh:  make(chan struct{}),
	}
}

// GetOrCreate constructs the orchestrator lazily for userID, passing cwd and
// optionally resuming a saved thread id. Updating cwd on an existing record
// rebuilds its logger (workspace-scoped fields).
func (m *Manager) GetOrCreate(userID int64, cwd string, resumeThread string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[userID]
	if !ok {
		rec = &Record{
			UserID:         userID,
			Orchestrator:   m.factory(cwd),
			Cwd:            cwd,
			Logger:         m.baseLog.WithWorkspace(cwd),
			LastActivity:   time.Now(),
			SavedThreadIDs: make(map[string]string),
			ResumeThreadID: resumeThread,
		}
		m.records[userID] = rec
		return rec
	}

	rec.LastActivity = time.Now()
	if cwd != "" && cwd != rec.Cwd {
		rec.Cwd = cwd
		rec.Logger = m.baseLog.WithWorkspace(cwd)
		_ = rec.Orchestrator.SetWorkingDirectory(cwd)
	}
	if resumeThread != "" {
		rec.ResumeThreadID = resumeThread
	}
	return rec
}

// Get returns the record for userID without creating one.
func (m *Manager) Get(userID int64) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	return rec, ok
}

// Touch refreshes LastActivity for userID, if present.
func (m *Manager) Touch(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[userID]; ok {
		rec.LastActivity = time.Now()
	}
}

// SaveThreadID idempotently records the current thread id for (userID,
// agentID).
func (m *Manager) SaveThreadID(userID int64, agentID, threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[userID]; ok {
		if rec.SavedThreadIDs == nil {
			rec.SavedThreadIDs = make(map[string]string)
		}
		rec.SavedThreadIDs[agentID] = threadID
	}
}

// MarkNeedsHistoryInjection flags that the next turn for userID should
// prepend a synthesized recent-history context block.
func (m *Manager) MarkNeedsHistoryInjection(userID int64, needs bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[userID]; ok {
		rec.NeedsHistory = needs
	}
}

// RecordTurn appends one "role: text" transcript entry to userID's bounded
// history, trimming to the most recent maxHistoryEntries.
func (m *Manager) RecordTurn(userID int64, entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return
	}
	rec.RecentTurns = append(rec.RecentTurns, entry)
	if len(rec.RecentTurns) > maxHistoryEntries {
		rec.RecentTurns = rec.RecentTurns[len(rec.RecentTurns)-maxHistoryEntries:]
	}
}

// Remove drops userID's record immediately (e.g. explicit logout).
func (m *Manager) Remove(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
}

// Count reports the number of live session records.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// RunIdleCollector runs until ctx is done, pruning records idle past the
// configured TTL every interval.
func (m *Manager) RunIdleCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pruneIdle()
		}
	}
}

// Stop halts RunIdleCollector.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) pruneIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.idleTTL)
	for id, rec := range m.records {
		if rec.LastActivity.Before(cutoff) {
			delete(m.records, id)
		}
	}
}
