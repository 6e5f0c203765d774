package store

// Schema statements are split one per table/index for sqlite
// compatibility.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
    agent_id          TEXT PRIMARY KEY,
    agent_name        TEXT NOT NULL UNIQUE,
    project_directory TEXT NOT NULL,
    role              TEXT NOT NULL,
    status            TEXT NOT NULL,
    service_tier      TEXT NOT NULL,
    registered_at     INTEGER NOT NULL,
    last_seen_at      INTEGER NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS capabilities (
    capability_id        TEXT PRIMARY KEY,
    agent_id             TEXT NOT NULL REFERENCES agents(agent_id),
    capability_type      TEXT NOT NULL,
    proficiency_level    INTEGER NOT NULL,
    max_concurrent_tasks INTEGER NOT NULL,
    active               INTEGER NOT NULL DEFAULT 1,
    UNIQUE(agent_id, capability_type)
)`,

	`CREATE TABLE IF NOT EXISTS messages (
    message_id      TEXT PRIMARY KEY,
    from_agent      TEXT NOT NULL,
    to_agent        TEXT NOT NULL,
    message_type    TEXT NOT NULL,
    payload_json    TEXT NOT NULL,
    priority        INTEGER NOT NULL,
    thread_id       TEXT,
    created_at      INTEGER NOT NULL,
    delivered_count INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_to_agent ON messages(to_agent)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`,

	`CREATE TABLE IF NOT EXISTS tasks (
    task_id      TEXT PRIMARY KEY,
    workflow_id  TEXT,
    step_id      TEXT,
    assignee     TEXT NOT NULL,
    task_type    TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    priority     INTEGER NOT NULL,
    deadline     INTEGER,
    status       TEXT NOT NULL,
    progress     INTEGER NOT NULL DEFAULT 0,
    result_json  TEXT,
    retries      INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee, task_type, status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

	`CREATE TABLE IF NOT EXISTS workflows (
    workflow_id     TEXT PRIMARY KEY,
    workflow_name   TEXT NOT NULL,
    initiator_agent TEXT NOT NULL,
    status          TEXT NOT NULL,
    metadata_json   TEXT,
    created_at      INTEGER NOT NULL,
    completed_at    INTEGER
)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,

	`CREATE TABLE IF NOT EXISTS steps (
    step_id             TEXT PRIMARY KEY,
    workflow_id         TEXT NOT NULL REFERENCES workflows(workflow_id),
    ordinal             INTEGER NOT NULL,
    name                TEXT NOT NULL,
    required_capability TEXT NOT NULL,
    assigned_task_id    TEXT,
    status              TEXT NOT NULL,
    depends_on_json     TEXT,
    UNIQUE(workflow_id, name)
)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_workflow ON steps(workflow_id, ordinal)`,

	`CREATE TABLE IF NOT EXISTS events (
    event_id     TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    source_agent TEXT NOT NULL,
    target_agent TEXT NOT NULL,
    payload_json TEXT,
    priority     INTEGER NOT NULL,
    sequence     INTEGER NOT NULL,
    commit_seq   INTEGER NOT NULL,
    message_id   TEXT,
    acked        INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    PRIMARY KEY(target_agent, sequence)
)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_commit ON events(commit_seq)`,

	`CREATE TABLE IF NOT EXISTS cursors (
    agent_id TEXT PRIMARY KEY,
    sequence INTEGER NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS prune_watermarks (
    target_agent       TEXT PRIMARY KEY,
    max_pruned_sequence INTEGER NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS idempotency (
    idem_key     TEXT PRIMARY KEY,
    operation    TEXT NOT NULL,
    payload_hash TEXT NOT NULL,
    result_id    TEXT NOT NULL,
    created_at   INTEGER NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
    audit_id        TEXT PRIMARY KEY,
    actor           TEXT NOT NULL,
    operation       TEXT NOT NULL,
    subject         TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    reason          TEXT,
    authority_level INTEGER NOT NULL,
    at              INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at)`,

	`CREATE TABLE IF NOT EXISTS meta (
    meta_key   TEXT PRIMARY KEY,
    meta_value TEXT NOT NULL
)`,
}
