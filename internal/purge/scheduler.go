// Package purge implements C16: per-workspace throttled reclamation of
// archived+completed task rows and their attachment blobs. Grounded on the
// teacher's internal/task/service/auto_archive.go (ticker-driven background
// loop, ctx.Done()-respecting goroutine, log-and-continue error handling),
// generalized from "archive eligible tasks" to "delete long-archived ones
// and unlink their blobs" per spec.md §4.C16.
package purge

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/task"
)

const (
	throttle        = 12 * time.Hour
	cutoffAge       = 7 * 24 * time.Hour
	batchSize       = 100
	unlinkBoundedAt = 8
)

// BlobResolver maps an attachment's storage key to an on-disk path.
type BlobResolver func(storageKey string) string

// Scheduler runs one workspace's purge loop.
type Scheduler struct {
	store    task.Store
	resolve  BlobResolver
	log      *logger.Logger
	lastRun  time.Time
	interval time.Duration // how often the driving loop checks the throttle
}

// New builds a Scheduler bound to store. checkInterval controls how often
// Run wakes up to check whether the 12h throttle has elapsed; it is not the
// purge period itself.
func New(store task.Store, resolve BlobResolver, log *logger.Logger, checkInterval time.Duration) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = 10 * time.Minute
	}
	return &Scheduler{store: store, resolve: resolve, log: log, interval: checkInterval}
}

// Run drives the throttled purge loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeRun(ctx)
		}
	}
}

func (s *Scheduler) maybeRun(ctx context.Context) {
	if !s.lastRun.IsZero() && time.Since(s.lastRun) < throttle {
		return
	}
	s.lastRun = time.Now()
	if err := s.RunOnce(ctx); err != nil && s.log != nil {
		s.log.WithError(err).Error("purge: run failed")
	}
}

// RunOnce reclaims every batch of eligible rows immediately, ignoring the
// throttle; exported so callers (CLI, tests) can force a pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-cutoffAge)
	total := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := s.store.PurgeArchivedCompletedTasksBatch(ctx, cutoff, batchSize)
		if err != nil {
			return err
		}
		if len(result.TaskIDs) == 0 {
			break
		}
		total += len(result.TaskIDs)
		s.unlinkAttachments(ctx, result.Attachments)

		if s.log != nil {
			s.log.Info("purge: batch reclaimed")
		}
		if len(result.TaskIDs) < batchSize {
			break
		}
		// Yield to the event loop between batches (spec.md §4.C16).
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(0):
		}
	}
	_ = total
	return nil
}

// unlinkAttachments removes blob files for a purged batch with bounded
// concurrency, tolerating already-missing files.
func (s *Scheduler) unlinkAttachments(ctx context.Context, attachments []task.Attachment) {
	if s.resolve == nil || len(attachments) == 0 {
		return
	}
	sem := semaphore.NewWeighted(unlinkBoundedAt)
	for _, att := range attachments {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(path string) {
			defer sem.Release(1)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) && s.log != nil {
				s.log.WithError(err).Warn("purge: failed to unlink attachment")
			}
		}(s.resolve(att.StorageKey))
	}
	// Wait for the batch's unlinks to finish before starting the next batch.
	_ = sem.Acquire(ctx, unlinkBoundedAt)
}
