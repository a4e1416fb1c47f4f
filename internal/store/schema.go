package store

// schemaV1 is the initial on-disk layout. Later versions append migration
// steps in migrate; they never edit this block.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	spec_path TEXT NOT NULL,
	project_path TEXT NOT NULL DEFAULT '',
	batch_id TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'queued',
	retry_count INTEGER NOT NULL DEFAULT 0,
	session_name TEXT NOT NULL DEFAULT '',
	main_pid INTEGER NOT NULL DEFAULT 0,
	timeout_extensions INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	started_at INTEGER,
	heartbeat_at INTEGER,
	completed_at INTEGER,
	updated_at INTEGER NOT NULL
);

-- Idempotent enqueue safety net: one live row per (spec, path).
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_live_spec
	ON projects(spec_path, project_path)
	WHERE status IN ('queued', 'processing');

CREATE INDEX IF NOT EXISTS idx_projects_admission
	ON projects(status, priority DESC, enqueued_at ASC);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_session TEXT NOT NULL,
	project_name TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	sequence_number INTEGER NOT NULL,
	dependency_id INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	fifo_scope TEXT NOT NULL DEFAULT 'agent',
	enqueued_at INTEGER NOT NULL,
	pulled_at INTEGER,
	delivered_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_messages_delivery
	ON messages(agent_session, priority DESC, sequence_number ASC);

CREATE TABLE IF NOT EXISTS sequence_generator (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO sequence_generator (id, value) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	project_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	ready_since INTEGER,
	last_heartbeat INTEGER,
	last_sequence_delivered INTEGER NOT NULL DEFAULT 0,
	restart_count INTEGER NOT NULL DEFAULT 0,
	last_restart INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	context_blob BLOB
);

CREATE TABLE IF NOT EXISTS agent_restarts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	restarted_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_restarts_window
	ON agent_restarts(agent_id, restarted_at DESC);

CREATE TABLE IF NOT EXISTS context_snapshots (
	agent_id TEXT PRIMARY KEY,
	last_briefing INTEGER,
	briefing_content TEXT NOT NULL DEFAULT '',
	activity_summary TEXT NOT NULL DEFAULT '',
	checkpoint_data BLOB,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS checkin_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_session TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	cause TEXT NOT NULL DEFAULT '',
	interval_sec INTEGER NOT NULL,
	backoff_count INTEGER NOT NULL DEFAULT 0,
	next_run_at INTEGER NOT NULL,
	last_run_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_checkin_tasks_due
	ON checkin_tasks(next_run_at ASC);
`
