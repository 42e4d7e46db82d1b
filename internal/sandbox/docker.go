// Package sandbox implements the optional "docker" hard-sandbox backend for
// C9/C10: instead of running a bootstrap iteration's install/lint/test steps
// directly on the worktree via C1, each step runs inside a short-lived
// container. Grounded on the teacher's internal/agent/docker/client.go
// (lazy *client.Client wrapper, bind mounts via api/types/mount, zap
// logging of every lifecycle call).
package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/agentforge/agentforge/internal/config"
	"github.com/agentforge/agentforge/internal/logger"
	"github.com/agentforge/agentforge/internal/verify"
)

// Client wraps the Docker Engine API client for one-shot step execution.
type Client struct {
	cli *client.Client
	log *logger.Logger
	cfg config.DockerConfig
}

// NewClient constructs a Client against cfg.Host (empty uses the
// environment's default, typically the local daemon socket).
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}
	return &Client{cli: cli, log: log, cfg: cfg}, nil
}

// Close releases the underlying Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// RunStep runs one verification step inside a fresh container bind-mounting
// cwd at /workspace, then removes the container. The returned StepResult
// mirrors command.Run's shape so callers can fold it into a verify.Report
// the same way as a directly-executed step.
func (c *Client) RunStep(ctx context.Context, cwd string, step verify.Step, allowNetwork bool) (verify.StepResult, error) {
	result := verify.StepResult{Cmd: step.Cmd, Args: step.Args}

	img := c.cfg.Image
	if img == "" {
		img = "debian:bookworm-slim"
	}

	networkMode := container.NetworkMode("none")
	if allowNetwork {
		networkMode = container.NetworkMode("bridge")
	}

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        append([]string{step.Cmd}, step.Args...),
		WorkingDir: "/workspace",
	}
	hostCfg := &container.HostConfig{
		NetworkMode: networkMode,
		AutoRemove:  false,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: cwd, Target: "/workspace"},
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		if _, pullErr := c.pullThenRetryCreate(ctx, img); pullErr == nil {
			resp, err = c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
		}
		if err != nil {
			return result, fmt.Errorf("sandbox: create container: %w", err)
		}
	}
	defer func() { _ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}) }()

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return result, fmt.Errorf("sandbox: start container: %w", err)
	}

	statusCh, errCh := c.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return result, fmt.Errorf("sandbox: wait container: %w", err)
		}
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		return result, ctx.Err()
	}

	out, err := c.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("sandbox: read logs: %v", err))
		return result, nil
	}
	defer func() { _ = out.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("sandbox: demux logs: %v", err))
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// pullThenRetryCreate pulls img, draining the progress stream, so a missing
// local image doesn't fail the first RunStep call outright.
func (c *Client) pullThenRetryCreate(ctx context.Context, img string) (bool, error) {
	reader, err := c.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = reader.Close() }()
	buf := make([]byte, 32*1024)
	for {
		if _, err := reader.Read(buf); err != nil {
			break
		}
	}
	return true, nil
}
