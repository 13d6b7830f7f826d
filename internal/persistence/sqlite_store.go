package persistence

import (
	"context"
	"database/sql"
)

// SQLiteGateway is a durable Gateway backed by modernc.org/sqlite. Callers
// own the *sql.DB (typically opened with sql.Open("sqlite", dsn)); NewSQLiteGateway
// only creates the schema if it doesn't already exist.
type SQLiteGateway struct {
	sqlGateway
}

var _ Gateway = (*SQLiteGateway)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	input BLOB,
	output BLOB,
	failed_reason TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_workflow_instances_name_status ON workflow_instances(name, status);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	workflow_instance_id TEXT NOT NULL,
	name TEXT NOT NULL,
	UNIQUE(workflow_instance_id, name)
);

CREATE TABLE IF NOT EXISTS step_instances (
	id TEXT PRIMARY KEY,
	step_id TEXT NOT NULL,
	status TEXT NOT NULL,
	output BLOB,
	retries INTEGER NOT NULL DEFAULT 0,
	failed_reason TEXT,
	started_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_step_instances_step_id ON step_instances(step_id);

CREATE TABLE IF NOT EXISTS sleep_instances (
	id TEXT PRIMARY KEY,
	workflow_instance_id TEXT NOT NULL,
	name TEXT NOT NULL,
	duration_millis INTEGER NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	UNIQUE(workflow_instance_id, name)
);
`

// NewSQLiteGateway creates the durolow schema on db if it does not already
// exist and returns a Gateway backed by it.
func NewSQLiteGateway(ctx context.Context, db *sql.DB) (*SQLiteGateway, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLiteGateway{sqlGateway{db: db, ph: questionPlaceholder}}, nil
}
