package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// sqlStore implements Store against either sqlite or postgres through the
// same sqlx.DB surface (Rebind + ExecContext/QueryRowContext/QueryContext),
// mirroring the teacher's internal/task/repository/sqlite/task_repository.go.
type sqlStore struct {
	db *sqlx.DB
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) CreateTask(ctx context.Context, t *Task, now time.Time, opts *CreateOptions, attachmentIDs []string) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = now
	t.Status = StatusPending
	if opts != nil && opts.Status != "" {
		t.Status = opts.Status
	}
	if t.QueueOrder == 0 {
		t.QueueOrder = now.UnixMilli()
	}

	for _, id := range attachmentIDs {
		existing, err := s.GetAttachment(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing != nil && existing.TaskID != "" && existing.TaskID != t.ID {
			return fmt.Errorf("%w: attachment %s already assigned to task %s", ErrConflict, id, existing.TaskID)
		}
	}

	paramsJSON, err := json.Marshal(t.ModelParams)
	if err != nil {
		paramsJSON = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (
			id, title, prompt, model, model_params, status, priority, queue_order,
			inherit_context, agent_id, retry_count, max_retries, created_at, parent_task_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.Title, t.Prompt, t.Model, string(paramsJSON), t.Status, t.Priority, t.QueueOrder,
		boolToInt(t.InheritContext), t.AgentID, t.RetryCount, t.MaxRetries, t.CreatedAt, t.ParentTaskID)
	if err != nil {
		return err
	}

	for _, id := range attachmentIDs {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE attachments SET task_id = ? WHERE id = ?`), t.ID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectTaskColumns+` WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqlStore) ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error) {
	query := selectTaskColumns
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY priority DESC, queue_order ASC, created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *sqlStore) ReorderPendingTasks(ctx context.Context, ids []string) error {
	pending, err := s.ListTasks(ctx, ListFilter{Status: statusPtr(StatusPending)})
	if err != nil {
		return err
	}
	pendingSet := make(map[string]struct{}, len(pending))
	for _, t := range pending {
		pendingSet[t.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := pendingSet[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotInPending, id)
		}
	}

	for i, id := range ids {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET queue_order = ? WHERE id = ?`), int64(i), id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) MovePendingTask(ctx context.Context, id string, direction string) error {
	pending, err := s.ListTasks(ctx, ListFilter{Status: statusPtr(StatusPending)})
	if err != nil {
		return err
	}
	idx := -1
	for i, t := range pending {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: %s", ErrNotInPending, id)
	}

	var swapIdx int
	switch direction {
	case "up":
		swapIdx = idx - 1
	case "down":
		swapIdx = idx + 1
	default:
		return fmt.Errorf("task: unknown direction %q", direction)
	}
	if swapIdx < 0 || swapIdx >= len(pending) {
		return nil // already at the boundary; no-op
	}

	a, b := pending[idx], pending[swapIdx]
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET queue_order = ? WHERE id = ?`), b.QueueOrder, a.ID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET queue_order = ? WHERE id = ?`), a.QueueOrder, b.ID); err != nil {
		return err
	}
	return nil
}

func (s *sqlStore) DequeueNextQueuedTask(ctx context.Context, now time.Time) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectTaskColumns+` WHERE status = ? ORDER BY priority DESC, queue_order ASC, created_at ASC LIMIT 1`), StatusQueued)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Status = StatusPending
	t.QueueOrder = now.UnixMilli()
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET status = ?, queue_order = ? WHERE id = ?`), t.Status, t.QueueOrder, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *sqlStore) UpdateTask(ctx context.Context, id string, updates TaskUpdate, now time.Time) (*Task, error) {
	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	restricted := updates.Title != nil || updates.Prompt != nil || updates.Model != nil ||
		updates.Priority != nil || updates.InheritContext != nil || updates.MaxRetries != nil
	if restricted && existing.Status != StatusPending {
		return nil, ErrNotPending
	}

	sets := []string{}
	args := []any{}
	apply := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if updates.Title != nil {
		apply("title", *updates.Title)
	}
	if updates.Prompt != nil {
		apply("prompt", *updates.Prompt)
	}
	if updates.Model != nil {
		apply("model", *updates.Model)
	}
	if updates.Priority != nil {
		apply("priority", *updates.Priority)
	}
	if updates.InheritContext != nil {
		apply("inherit_context", boolToInt(*updates.InheritContext))
	}
	if updates.MaxRetries != nil {
		apply("max_retries", *updates.MaxRetries)
	}
	if updates.Status != nil {
		apply("status", *updates.Status)
	}
	if updates.AgentID != nil {
		apply("agent_id", *updates.AgentID)
	}
	if updates.ThreadID != nil {
		apply("thread_id", *updates.ThreadID)
	}
	if updates.Result != nil {
		apply("result", *updates.Result)
	}
	if updates.Error != nil {
		apply("error", *updates.Error)
	}
	if updates.StartedAt != nil {
		apply("started_at", *updates.StartedAt)
	}
	if updates.CompletedAt != nil {
		apply("completed_at", *updates.CompletedAt)
	}
	if updates.ArchivedAt != nil {
		apply("archived_at", *updates.ArchivedAt)
	}
	if updates.RetryCount != nil {
		apply("retry_count", *updates.RetryCount)
	}
	if updates.QueueOrder != nil {
		apply("queue_order", *updates.QueueOrder)
	}

	if len(sets) == 0 {
		return existing, nil
	}

	query := "UPDATE tasks SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *sqlStore) MarkPromptInjected(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE tasks SET prompt_injected_at = ? WHERE id = ? AND prompt_injected_at IS NULL`), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) DeleteTask(ctx context.Context, id string) error {
	for _, table := range []string{"plan_steps", "messages", "attachments", "tasks"} {
		col := "task_id"
		if table == "tasks" {
			col = "id"
		}
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, col)), id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) AddMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (id, task_id, role, type, content, model_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.TaskID, m.Role, m.Type, m.Content, m.ModelUsed, m.CreatedAt)
	return err
}

func (s *sqlStore) GetMessages(ctx context.Context, taskID string) ([]*Message, error) {
	return s.GetConversationMessages(ctx, taskID, 0)
}

func (s *sqlStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `SELECT id, task_id, role, type, content, model_used, created_at FROM messages WHERE task_id = ? ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Type, &m.Content, &m.ModelUsed, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *sqlStore) GetPlan(ctx context.Context, taskID string) ([]*PlanStep, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT task_id, step_number, title, description, state FROM plan_steps
		WHERE task_id = ? ORDER BY step_number ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PlanStep
	for rows.Next() {
		p := &PlanStep{}
		if err := rows.Scan(&p.TaskID, &p.StepNumber, &p.Title, &p.Description, &p.State); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *sqlStore) PutPlan(ctx context.Context, steps []*PlanStep) error {
	for _, step := range steps {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO plan_steps (task_id, step_number, title, description, state)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (task_id, step_number) DO UPDATE SET
				title = excluded.title, description = excluded.description, state = excluded.state
		`), step.TaskID, step.StepNumber, step.Title, step.Description, step.State)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) AddAttachment(ctx context.Context, a *Attachment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO attachments (id, task_id, storage_key, content_type, sha256, width, height, size_bytes, filename)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.TaskID, a.StorageKey, a.ContentType, a.SHA256, a.Width, a.Height, a.SizeBytes, a.Filename)
	return err
}

func (s *sqlStore) GetAttachment(ctx context.Context, id string) (*Attachment, error) {
	a := &Attachment{}
	var taskID sql.NullString
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, task_id, storage_key, content_type, sha256, width, height, size_bytes, filename
		FROM attachments WHERE id = ?
	`), id).Scan(&a.ID, &taskID, &a.StorageKey, &a.ContentType, &a.SHA256, &a.Width, &a.Height, &a.SizeBytes, &a.Filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.TaskID = taskID.String
	return a, nil
}

func (s *sqlStore) PurgeArchivedCompletedTasksBatch(ctx context.Context, cutoff time.Time, limit int) (PurgeResult, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(fmt.Sprintf(`
		SELECT id FROM tasks
		WHERE status = ? AND archived_at IS NOT NULL AND archived_at < ?
		ORDER BY archived_at ASC LIMIT %d
	`, limit)), StatusComplete, cutoff)
	if err != nil {
		return PurgeResult{}, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return PurgeResult{}, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return PurgeResult{}, err
	}

	var attachments []Attachment
	for _, id := range ids {
		arows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT id, storage_key FROM attachments WHERE task_id = ?`), id)
		if err != nil {
			return PurgeResult{}, err
		}
		for arows.Next() {
			var a Attachment
			if err := arows.Scan(&a.ID, &a.StorageKey); err != nil {
				_ = arows.Close()
				return PurgeResult{}, err
			}
			attachments = append(attachments, a)
		}
		_ = arows.Close()
		if err := s.DeleteTask(ctx, id); err != nil {
			return PurgeResult{}, err
		}
	}

	return PurgeResult{TaskIDs: ids, Attachments: attachments}, nil
}

func (s *sqlStore) GetActiveTaskID(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id FROM tasks WHERE status IN (?, ?) ORDER BY started_at ASC LIMIT 1
	`), StatusPlanning, StatusRunning)
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

const selectTaskColumns = `
SELECT id, title, prompt, model, model_params, status, priority, queue_order,
       inherit_context, agent_id, retry_count, max_retries, created_at,
       started_at, completed_at, archived_at, result, error, thread_id,
       parent_task_id, prompt_injected_at
FROM tasks
`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	t := &Task{}
	var paramsJSON string
	var inheritContext int
	var agentID, result, errStr, threadID, parentID sql.NullString
	var startedAt, completedAt, archivedAt, promptInjectedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.Title, &t.Prompt, &t.Model, &paramsJSON, &t.Status, &t.Priority, &t.QueueOrder,
		&inheritContext, &agentID, &t.RetryCount, &t.MaxRetries, &t.CreatedAt,
		&startedAt, &completedAt, &archivedAt, &result, &errStr, &threadID, &parentID, &promptInjectedAt,
	)
	if err != nil {
		return nil, err
	}

	t.InheritContext = inheritContext != 0
	t.AgentID = agentID.String
	t.Result = result.String
	t.Error = errStr.String
	t.ThreadID = threadID.String
	t.ParentTaskID = parentID.String
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if archivedAt.Valid {
		v := archivedAt.Time
		t.ArchivedAt = &v
	}
	if promptInjectedAt.Valid {
		v := promptInjectedAt.Time
		t.PromptInjectedAt = &v
	}
	if paramsJSON != "" && paramsJSON != "{}" {
		if err := json.Unmarshal([]byte(paramsJSON), &t.ModelParams); err != nil {
			return nil, fmt.Errorf("task: decode model_params: %w", err)
		}
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func statusPtr(s Status) *Status { return &s }
