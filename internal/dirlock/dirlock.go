// Package dirlock implements C3: a cross-process exclusive lock acquired by
// atomic directory creation, with an owner metadata file and stale-owner
// recovery. Used by C9 to serialize worktree preparation per project across
// processes. Grounded on the teacher's internal/worktree/manager.go
// repoLockEntry (in-process locking) generalized to the spec's
// inter-process, atomic-mkdir scheme; stdlib os only, no pack file-locking
// library fits a directory-based cross-process lock.
package dirlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrTimeout is returned when the lock could not be acquired before the
// configured timeout elapsed.
var ErrTimeout = errors.New("dirlock: acquire timeout")

// staleGrace is how long a lock directory with no valid owner record (or an
// owner record from another host) is left alone before being forcibly
// removed. A lock whose owner pid is not alive on this host is removed at
// once, without waiting.
const staleGrace = 30 * time.Second

// Owner is the metadata persisted inside the lock directory.
type Owner struct {
	PID          int    `json:"pid"`
	Host         string `json:"host"`
	AcquiredAtMs int64  `json:"acquired_at_ms"`
	ProjectID    string `json:"project_id"`
	RunID        string `json:"run_id"`
}

// Lock represents ownership of path, an exclusive lock directory.
type Lock struct {
	path string
}

// Options configures Acquire.
type Options struct {
	Timeout   time.Duration // default 30 * time.Minute per spec.md §4.C9
	PollMin   time.Duration // default 50ms
	PollMax   time.Duration // default 250ms
	ProjectID string
	RunID     string
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Minute
	}
	if o.PollMin <= 0 {
		o.PollMin = 50 * time.Millisecond
	}
	if o.PollMax <= 0 {
		o.PollMax = 250 * time.Millisecond
	}
}

// Acquire blocks (polling with jittered backoff) until path can be created
// exclusively, ctx is cancelled, or opts.Timeout elapses. It recovers stale
// locks: if the owner pid is not alive on this host, or the directory has no
// valid owner.json and is older than staleGrace, it is removed and retried.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	opts.setDefaults()
	deadline := time.Now().Add(opts.Timeout)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("dirlock: prepare parent: %w", err)
	}

	host, _ := os.Hostname()
	owner := Owner{
		PID:          os.Getpid(),
		Host:         host,
		AcquiredAtMs: time.Now().UnixMilli(),
		ProjectID:    opts.ProjectID,
		RunID:        opts.RunID,
	}

	for {
		if err := os.Mkdir(path, 0o755); err == nil {
			if err := writeOwner(path, owner); err != nil {
				_ = os.RemoveAll(path)
				return nil, fmt.Errorf("dirlock: write owner: %w", err)
			}
			return &Lock{path: path}, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("dirlock: mkdir: %w", err)
		}

		if recoverStale(path) {
			continue // retry immediately, no sleep
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(opts.PollMin, opts.PollMax)):
		}
	}
}

// Release removes the lock directory. Safe to call once per successful
// Acquire.
func (l *Lock) Release() error {
	return os.RemoveAll(l.path)
}

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func writeOwner(lockDir string, owner Owner) error {
	b, err := json.Marshal(owner)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(lockDir, "owner.json"), b, 0o644)
}

func readOwner(lockDir string) (*Owner, error) {
	b, err := os.ReadFile(filepath.Join(lockDir, "owner.json"))
	if err != nil {
		return nil, err
	}
	var o Owner
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// recoverStale removes lockDir and returns true if it is safe to do so: the
// owner record is missing/unreadable and the directory is older than
// staleGrace, or the owner record names a pid that is not alive on this
// host.
func recoverStale(lockDir string) bool {
	info, statErr := os.Stat(lockDir)
	owner, ownerErr := readOwner(lockDir)

	if ownerErr != nil {
		if statErr == nil && time.Since(info.ModTime()) > staleGrace {
			_ = os.RemoveAll(lockDir)
			return true
		}
		return false
	}

	host, _ := os.Hostname()
	if owner.Host != host {
		// Can't check liveness of a pid on another host; fall back to age.
		if statErr == nil && time.Since(info.ModTime()) > staleGrace {
			_ = os.RemoveAll(lockDir)
			return true
		}
		return false
	}

	if !pidAlive(owner.PID) {
		_ = os.RemoveAll(lockDir)
		return true
	}
	return false
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On unix, FindProcess always succeeds; signal 0 probes liveness.
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
