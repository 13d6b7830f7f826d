package persistence

import (
	"context"
	"database/sql"
)

// PostgresGateway is a durable Gateway for any database/sql driver
// targeting Postgres (e.g. lib/pq or jackc/pgx's stdlib shim). Callers own
// the *sql.DB and pick the driver; NewPostgresGateway only creates the
// schema if it doesn't already exist.
type PostgresGateway struct {
	sqlGateway
}

var _ Gateway = (*PostgresGateway)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	input BYTEA,
	output BYTEA,
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
	output BYTEA,
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
	duration_millis BIGINT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	UNIQUE(workflow_instance_id, name)
);
`

// NewPostgresGateway creates the durolow schema on db if it does not
// already exist and returns a Gateway backed by it.
func NewPostgresGateway(ctx context.Context, db *sql.DB) (*PostgresGateway, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, err
	}
	return &PostgresGateway{sqlGateway{db: db, ph: dollarPlaceholder}}, nil
}
