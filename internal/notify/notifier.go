// Package notify implements C15: on every task terminal transition, upsert
// an outbox row and drive an out-of-band send with retry/backoff and an
// at-most-once notifiedAt marker. Grounded on the teacher's
// internal/notifications/service (HandleTaskSessionStateChanged's
// insert-then-dispatch-then-rollback-on-failure shape) and
// internal/notifications/providers (the Provider interface and its Apprise/
// local/system implementations).
package notify

import (
	"context"
	"os"
	"time"

	"github.com/agentforge/agentforge/internal/logger"
)

// Status mirrors the task statuses this notifier cares about: its own
// terminal subset (spec.md §3 Task; §4.C15).
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Notification is one outbox row.
type Notification struct {
	TaskID        string
	WorkspaceRoot string
	Status        Status
	ProjectName   string
	StartedAt     time.Time
	CompletedAt   time.Time
	LastError     string
	RetryCount    int
	NextRetryAt   time.Time
	NotifiedAt    *time.Time
}

// Store persists outbox rows. One row per task; Upsert replaces it wholesale
// on every terminal transition (a task only goes terminal once per run, but
// a retried task that later re-fails overwrites its prior row).
type Store interface {
	Upsert(ctx context.Context, n Notification) error
	DueForSend(ctx context.Context, now time.Time, limit int) ([]Notification, error)
	MarkSent(ctx context.Context, taskID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, taskID string, errMsg string, retryCount int, nextRetryAt time.Time) error
	Close() error
}

// Sender delivers one notification out-of-band (desktop toast, webhook,
// apprise URL, ...), mirroring the teacher's providers.Provider.Send.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// defaultTimezone is spec.md §4.C15's default; TimezoneEnv overrides it, and
// an invalid override falls back to this silently.
const defaultTimezone = "Asia/Shanghai"

// TimezoneEnv is the environment variable that overrides the default
// notification timestamp timezone.
const TimezoneEnv = "ADS_TELEGRAM_NOTIFY_TIMEZONE"

// maxBackoff caps the exponential retry delay.
const maxBackoff = 30 * time.Minute

// Notifier drains Store's due rows on an interval and hands them to Sender.
type Notifier struct {
	store    Store
	sender   Sender
	log      *logger.Logger
	loc      *time.Location
	interval time.Duration
}

// New builds a Notifier. interval<=0 defaults to 15s.
func New(store Store, sender Sender, log *logger.Logger, interval time.Duration) *Notifier {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Notifier{store: store, sender: sender, log: log, loc: resolveLocation(), interval: interval}
}

func resolveLocation() *time.Location {
	tz := os.Getenv(TimezoneEnv)
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc, err = time.LoadLocation(defaultTimezone)
		if err != nil {
			return time.UTC
		}
	}
	return loc
}

// NotifyTerminal upserts an outbox row for a task that just reached a
// terminal status. The background loop (Run) picks it up for sending.
func (n *Notifier) NotifyTerminal(ctx context.Context, row Notification) error {
	return n.store.Upsert(ctx, row)
}

// Run drains due notifications every interval until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.drainOnce(ctx)
		}
	}
}

// drainOnce sends every row currently due; a send error records backoff and
// moves on rather than blocking the whole batch.
func (n *Notifier) drainOnce(ctx context.Context) {
	due, err := n.store.DueForSend(ctx, time.Now().UTC(), 50)
	if err != nil {
		if n.log != nil {
			n.log.WithError(err).Error("notify: failed to load due notifications")
		}
		return
	}
	for _, row := range due {
		n.sendOne(ctx, row)
	}
}

func (n *Notifier) sendOne(ctx context.Context, row Notification) {
	localized := row
	localized.StartedAt = row.StartedAt.In(n.loc)
	localized.CompletedAt = row.CompletedAt.In(n.loc)

	if err := n.sender.Send(ctx, localized); err != nil {
		retryCount := row.RetryCount + 1
		next := time.Now().UTC().Add(backoff(retryCount))
		if updateErr := n.store.MarkFailed(ctx, row.TaskID, err.Error(), retryCount, next); updateErr != nil && n.log != nil {
			n.log.WithError(updateErr).Error("notify: failed to record send failure")
		}
		return
	}
	if err := n.store.MarkSent(ctx, row.TaskID, time.Now().UTC()); err != nil && n.log != nil {
		n.log.WithError(err).Error("notify: failed to mark notification sent")
	}
}

// backoff grows exponentially from 1s, doubling per attempt and capped at
// maxBackoff.
func backoff(retryCount int) time.Duration {
	d := time.Second
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
