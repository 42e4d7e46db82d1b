package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// LogSender writes a line to the process log; it's always available and is
// the fallback when no external provider is configured. Grounded on the
// teacher's providers.LocalProvider (always-available local delivery path).
type LogSender struct {
	Write func(line string)
}

func (s LogSender) Send(ctx context.Context, n Notification) error {
	if s.Write == nil {
		return nil
	}
	const notifyTimeLayout = "2006-01-02 15:04:05"
	s.Write(fmt.Sprintf("task %s %s (started %s, completed %s)%s",
		n.TaskID, n.Status, n.StartedAt.Format(notifyTimeLayout), n.CompletedAt.Format(notifyTimeLayout), errSuffix(n.LastError)))
	return nil
}

func errSuffix(lastError string) string {
	if lastError == "" {
		return ""
	}
	return ": " + lastError
}

// AppriseSender shells out to the `apprise` CLI, matching the teacher's
// providers.AppriseProvider (availability probe via exec.LookPath, 10s
// timeout, combined output surfaced on failure).
type AppriseSender struct {
	URLs []string
}

func (s AppriseSender) Available() bool {
	_, err := exec.LookPath("apprise")
	return err == nil
}

func (s AppriseSender) Send(ctx context.Context, n Notification) error {
	if !s.Available() {
		return fmt.Errorf("apprise not installed")
	}
	if len(s.URLs) == 0 {
		return fmt.Errorf("apprise urls not configured")
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	title := fmt.Sprintf("Task %s", n.Status)
	body := fmt.Sprintf("%s finished as %s", n.ProjectName, n.Status)
	if n.LastError != "" {
		body += ": " + n.LastError
	}

	args := append([]string{"-t", title, "-b", body}, s.URLs...)
	cmd := exec.CommandContext(timeoutCtx, "apprise", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("apprise failed: %w (%s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
