package notify

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists the notification outbox in a dedicated sqlite file,
// matching the teacher's internal/notifications/store.SQLiteRepository
// (plain database/sql, single-writer pragmas, idempotent schema creation).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the outbox database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("notify: prepare db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("notify: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notify: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS task_terminal_notifications (
		task_id TEXT PRIMARY KEY,
		workspace_root TEXT NOT NULL,
		status TEXT NOT NULL,
		project_name TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at DATETIME NOT NULL,
		notified_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_task_terminal_notifications_due
		ON task_terminal_notifications(next_retry_at) WHERE notified_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Upsert(ctx context.Context, n Notification) error {
	nextRetryAt := n.NextRetryAt
	if nextRetryAt.IsZero() {
		nextRetryAt = n.CompletedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_terminal_notifications
			(task_id, workspace_root, status, project_name, started_at, completed_at, last_error, retry_count, next_retry_at, notified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, NULL)
		ON CONFLICT(task_id) DO UPDATE SET
			workspace_root = excluded.workspace_root,
			status = excluded.status,
			project_name = excluded.project_name,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			last_error = '',
			retry_count = 0,
			next_retry_at = excluded.next_retry_at,
			notified_at = NULL
	`, n.TaskID, n.WorkspaceRoot, string(n.Status), n.ProjectName, n.StartedAt, n.CompletedAt, n.LastError, nextRetryAt)
	return err
}

func (s *SQLiteStore) DueForSend(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, workspace_root, status, project_name, started_at, completed_at, last_error, retry_count, next_retry_at
		FROM task_terminal_notifications
		WHERE notified_at IS NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var n Notification
		var status string
		if err := rows.Scan(&n.TaskID, &n.WorkspaceRoot, &status, &n.ProjectName, &n.StartedAt, &n.CompletedAt, &n.LastError, &n.RetryCount, &n.NextRetryAt); err != nil {
			return nil, err
		}
		n.Status = Status(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkSent(ctx context.Context, taskID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_terminal_notifications SET notified_at = ? WHERE task_id = ?`, sentAt, taskID)
	return err
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, taskID string, errMsg string, retryCount int, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_terminal_notifications
		SET last_error = ?, retry_count = ?, next_retry_at = ?
		WHERE task_id = ?
	`, errMsg, retryCount, nextRetryAt, taskID)
	return err
}
