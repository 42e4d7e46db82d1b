package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type stubSender struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (s *stubSender) Send(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func sampleRow(taskID string) Notification {
	now := time.Now().UTC()
	return Notification{
		TaskID:        taskID,
		WorkspaceRoot: "/tmp/ws",
		Status:        StatusCompleted,
		ProjectName:   "demo",
		StartedAt:     now.Add(-time.Minute),
		CompletedAt:   now,
		NextRetryAt:   now,
	}
}

func TestNotifier_UpsertThenDrainSendsAndMarksSent(t *testing.T) {
	store := newTestStore(t)
	sender := &stubSender{}
	n := New(store, sender, nil, time.Hour)
	ctx := context.Background()

	require.NoError(t, n.NotifyTerminal(ctx, sampleRow("t1")))

	n.drainOnce(ctx)
	assert.Equal(t, 1, sender.count())

	due, err := store.DueForSend(ctx, time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "sent row must not be due again")
}

func TestNotifier_FailedSendSchedulesBackoffRetry(t *testing.T) {
	store := newTestStore(t)
	sender := &stubSender{err: errors.New("unreachable")}
	n := New(store, sender, nil, time.Hour)
	ctx := context.Background()

	require.NoError(t, n.NotifyTerminal(ctx, sampleRow("t2")))
	n.drainOnce(ctx)

	due, err := store.DueForSend(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "retry should not be due immediately after first failure")

	due, err = store.DueForSend(ctx, time.Now().UTC().Add(2*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
	assert.Equal(t, "unreachable", due[0].LastError)
}

func TestNotifier_UpsertOverwritesAndResetsRetryState(t *testing.T) {
	store := newTestStore(t)
	sender := &stubSender{err: errors.New("down")}
	n := New(store, sender, nil, time.Hour)
	ctx := context.Background()

	require.NoError(t, n.NotifyTerminal(ctx, sampleRow("t3")))
	n.drainOnce(ctx)

	// A later run for the same task overwrites the row and clears retry state.
	require.NoError(t, n.NotifyTerminal(ctx, sampleRow("t3")))
	due, err := store.DueForSend(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 0, due[0].RetryCount)
}

func TestBackoff_GrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 4*time.Second, backoff(3))
	assert.Equal(t, maxBackoff, backoff(100))
}

func TestResolveLocation_InvalidOverrideFallsBackSilently(t *testing.T) {
	t.Setenv(TimezoneEnv, "Not/A_Real_Zone")
	loc := resolveLocation()
	assert.Equal(t, defaultTimezone, loc.String())
}

func TestResolveLocation_HonorsValidOverride(t *testing.T) {
	t.Setenv(TimezoneEnv, "UTC")
	loc := resolveLocation()
	assert.Equal(t, "UTC", loc.String())
}
