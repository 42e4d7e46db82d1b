// Package command implements C1: spawning a subprocess with cwd/env/signal/
// timeout/output-cap semantics and returning its exit code and captured
// streams. Grounded on the teacher's
// internal/agentctl/server/process/runner.go (ring-buffer output capture,
// process-group isolation, SIGTERM->SIGKILL escalation) generalized from a
// background-process tracker into a single blocking Run call.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentforge/agentforge/internal/tracing"
)

// ErrAllowlisted is returned when a program name is rejected by the
// configured allowlist.
var ErrAllowlisted = errors.New("command: program not in allowlist")

const killGrace = 2 * time.Second

// Request describes one invocation.
type Request struct {
	Cmd            string
	Args           []string
	Cwd            string
	Env            []string // additional KEY=VALUE pairs appended to the parent env
	Timeout        time.Duration
	MaxOutputBytes int64 // per-stream cap; 0 = use DefaultMaxOutputBytes
	Allowlist      []string
}

// Result is what Run returns.
type Result struct {
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Killed    bool
	Truncated bool
	Duration  time.Duration
}

// DefaultMaxOutputBytes bounds captured output per stream when a Request
// does not specify one.
const DefaultMaxOutputBytes = 2 * 1024 * 1024

// capBuffer is a bytes.Buffer that stops accepting writes past a byte cap
// and records whether truncation occurred, mirroring the teacher's
// ringBuffer eviction policy but bounded (not FIFO) since Run returns a
// single snapshot rather than streaming chunks.
type capBuffer struct {
	mu        sync.Mutex
	max       int64
	buf       bytes.Buffer
	truncated bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.max - int64(c.buf.Len())
	if remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *capBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

func allowed(cmd string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, a := range allowlist {
		if a == cmd {
			return true
		}
	}
	return false
}

// Run spawns req.Cmd with req.Args, no shell interpolation. The process runs
// in its own process group so Stop-on-cancel can signal the whole tree.
// ctx cancellation and req.Timeout both translate into SIGTERM followed,
// after killGrace, by SIGKILL.
func Run(ctx context.Context, req Request) (Result, error) {
	if !allowed(req.Cmd, req.Allowlist) {
		return Result{}, fmt.Errorf("%w: %s", ErrAllowlisted, req.Cmd)
	}

	ctx, span := tracing.StartSpan(ctx, "command", "command.run")
	span.SetAttributes(attribute.String("command.cmd", req.Cmd))
	defer span.End()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	maxBytes := req.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}

	cmd := exec.Command(req.Cmd, req.Args...)
	cmd.Dir = req.Cwd
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &capBuffer{max: maxBytes}
	stderr := &capBuffer{max: maxBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("command: start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var killed bool
	select {
	case err := <-done:
		res := Result{
			Stdout:    stdout.Bytes(),
			Stderr:    stderr.Bytes(),
			Truncated: stdout.Truncated() || stderr.Truncated(),
			Duration:  time.Since(start),
		}
		res.ExitCode = exitCodeOf(err)
		return res, nil
	case <-ctx.Done():
		killed = true
		killProcessGroup(cmd)
		select {
		case <-done:
		case <-time.After(killGrace):
			hardKillProcessGroup(cmd)
			<-done
		}
	}

	return Result{
		ExitCode:  -1,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Killed:    killed,
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func hardKillProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
