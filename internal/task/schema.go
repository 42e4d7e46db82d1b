package task

// sqliteSchema and postgresSchema are intentionally near-identical: both
// backends are addressed through the same sqlx-level queries (see
// sqlcommon.go), so the DDL only differs in timestamp column types
// (TIMESTAMP vs TIMESTAMPTZ) and in integer width (INTEGER vs BIGINT for
// queue_order and size_bytes).
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	prompt TEXT NOT NULL,
	model TEXT,
	model_params TEXT,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	queue_order INTEGER NOT NULL,
	inherit_context INTEGER NOT NULL DEFAULT 0,
	agent_id TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	archived_at TIMESTAMP,
	result TEXT,
	error TEXT,
	thread_id TEXT,
	parent_task_id TEXT,
	prompt_injected_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_queue_order ON tasks(queue_order);

CREATE TABLE IF NOT EXISTS plan_steps (
	task_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	state TEXT NOT NULL,
	PRIMARY KEY (task_id, step_number)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	role TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	model_used TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	task_id TEXT,
	storage_key TEXT NOT NULL,
	content_type TEXT,
	sha256 TEXT,
	width INTEGER,
	height INTEGER,
	size_bytes INTEGER NOT NULL,
	filename TEXT
);
CREATE INDEX IF NOT EXISTS idx_attachments_task_id ON attachments(task_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	prompt TEXT NOT NULL,
	model TEXT,
	model_params TEXT,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	queue_order BIGINT NOT NULL,
	inherit_context INTEGER NOT NULL DEFAULT 0,
	agent_id TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	archived_at TIMESTAMPTZ,
	result TEXT,
	error TEXT,
	thread_id TEXT,
	parent_task_id TEXT,
	prompt_injected_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_queue_order ON tasks(queue_order);

CREATE TABLE IF NOT EXISTS plan_steps (
	task_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	state TEXT NOT NULL,
	PRIMARY KEY (task_id, step_number)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	role TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	model_used TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	task_id TEXT,
	storage_key TEXT NOT NULL,
	content_type TEXT,
	sha256 TEXT,
	width INTEGER,
	height INTEGER,
	size_bytes BIGINT NOT NULL,
	filename TEXT
);
CREATE INDEX IF NOT EXISTS idx_attachments_task_id ON attachments(task_id);
`
