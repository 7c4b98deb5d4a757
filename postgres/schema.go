package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS privacy_requests (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    identity   JSONB NOT NULL DEFAULT '{}',
    policy     JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS request_tasks (
    id                   TEXT PRIMARY KEY,
    privacy_request_id   TEXT NOT NULL REFERENCES privacy_requests(id) ON DELETE CASCADE,
    action_type          TEXT NOT NULL,
    collection_address   TEXT NOT NULL,
    dataset_name         TEXT NOT NULL DEFAULT '',
    collection_name      TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL,
    upstream_tasks       JSONB NOT NULL DEFAULT '[]',
    downstream_tasks     JSONB NOT NULL DEFAULT '[]',
    all_descendant_tasks JSONB NOT NULL DEFAULT '[]',
    collection           JSONB,
    traversal_details    JSONB NOT NULL DEFAULT '{}',
    access_data          JSONB,
    data_for_erasures    JSONB,
    erasure_input_data   JSONB,
    rows_masked          INTEGER NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (privacy_request_id, action_type, collection_address)
);

CREATE TABLE IF NOT EXISTS manual_tasks (
    id             TEXT PRIMARY KEY,
    key            TEXT NOT NULL,
    connection_key TEXT NOT NULL,
    condition      JSONB,
    UNIQUE (connection_key, key)
);

CREATE TABLE IF NOT EXISTS manual_task_configs (
    id             TEXT PRIMARY KEY,
    manual_task_id TEXT NOT NULL REFERENCES manual_tasks(id) ON DELETE CASCADE,
    config_type    TEXT NOT NULL,
    version        INTEGER NOT NULL DEFAULT 1,
    is_current     BOOLEAN NOT NULL DEFAULT TRUE,
    fields         JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS manual_task_instances (
    id                 TEXT PRIMARY KEY,
    manual_task_id     TEXT NOT NULL REFERENCES manual_tasks(id) ON DELETE CASCADE,
    config_id          TEXT NOT NULL REFERENCES manual_task_configs(id) ON DELETE CASCADE,
    privacy_request_id TEXT NOT NULL REFERENCES privacy_requests(id) ON DELETE CASCADE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (privacy_request_id, config_id)
);

CREATE TABLE IF NOT EXISTS manual_task_submissions (
    instance_id  TEXT NOT NULL REFERENCES manual_task_instances(id) ON DELETE CASCADE,
    field_key    TEXT NOT NULL,
    value        JSONB,
    attachment   JSONB,
    submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (instance_id, field_key)
);

CREATE TABLE IF NOT EXISTS task_queue (
    id                    BIGSERIAL PRIMARY KEY,
    privacy_request_id    TEXT NOT NULL,
    request_task_id       TEXT NOT NULL,
    queue_privacy_request BOOLEAN NOT NULL DEFAULT TRUE,
    enqueued_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_request_tasks_request ON request_tasks(privacy_request_id, action_type);
CREATE INDEX IF NOT EXISTS idx_manual_configs_task   ON manual_task_configs(manual_task_id);
CREATE INDEX IF NOT EXISTS idx_instances_request     ON manual_task_instances(privacy_request_id);
CREATE INDEX IF NOT EXISTS idx_requests_status       ON privacy_requests(status, updated_at);
`

// CreateSchema creates the engine tables if they don't exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops all engine tables.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS task_queue, manual_task_submissions,
		manual_task_instances, manual_task_configs, manual_tasks,
		request_tasks, privacy_requests CASCADE;`)
	return err
}
