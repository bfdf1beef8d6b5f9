package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                      TEXT PRIMARY KEY,
		workdir                 TEXT NOT NULL,
		tags                    TEXT NOT NULL DEFAULT '{}',
		app_id                  TEXT NOT NULL,
		state                   TEXT NOT NULL DEFAULT 'CREATED',
		state_timestamp         TEXT NOT NULL,
		state_data              TEXT NOT NULL DEFAULT '{}',
		session_id              TEXT,
		batch_job_id            TEXT NOT NULL DEFAULT '',
		num_nodes               INTEGER NOT NULL DEFAULT 1,
		ranks_per_node          INTEGER NOT NULL DEFAULT 1,
		threads_per_rank        INTEGER NOT NULL DEFAULT 1,
		threads_per_core        INTEGER NOT NULL DEFAULT 1,
		gpus_per_rank           REAL NOT NULL DEFAULT 0,
		node_packing_count      INTEGER NOT NULL DEFAULT 1,
		wall_time_min           INTEGER NOT NULL DEFAULT 0,
		launch_params           TEXT NOT NULL DEFAULT '{}',
		return_code             INTEGER,
		serialized_return_value TEXT NOT NULL DEFAULT '',
		serialized_exception    TEXT NOT NULL DEFAULT '',
		created_at              TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS job_deps (
		parent_id TEXT NOT NULL,
		child_id  TEXT NOT NULL,
		PRIMARY KEY (parent_id, child_id)
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		site_id      TEXT NOT NULL,
		batch_job_id TEXT NOT NULL DEFAULT '',
		heartbeat    TEXT NOT NULL,
		created_at   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS batch_jobs (
		id              TEXT PRIMARY KEY,
		site_id         TEXT NOT NULL,
		scheduler_id    INTEGER NOT NULL DEFAULT 0,
		project         TEXT NOT NULL,
		queue           TEXT NOT NULL,
		num_nodes       INTEGER NOT NULL,
		wall_time_min   INTEGER NOT NULL,
		job_mode        TEXT NOT NULL DEFAULT 'mpi',
		partitions      TEXT NOT NULL DEFAULT '[]',
		optional_params TEXT NOT NULL DEFAULT '{}',
		filter_tags     TEXT NOT NULL DEFAULT '{}',
		state           TEXT NOT NULL DEFAULT 'pending_submission',
		status_info     TEXT NOT NULL DEFAULT '{}',
		start_time      TEXT,
		end_time        TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS transfer_items (
		id             TEXT PRIMARY KEY,
		job_id         TEXT NOT NULL,
		direction      TEXT NOT NULL,
		location_alias TEXT NOT NULL,
		remote_path    TEXT NOT NULL,
		local_path     TEXT NOT NULL,
		recursive      INTEGER NOT NULL DEFAULT 0,
		state          TEXT NOT NULL DEFAULT 'awaiting_job',
		task_id        TEXT NOT NULL DEFAULT '',
		transfer_info  TEXT NOT NULL DEFAULT '{}'
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_session_id ON jobs(session_id)`,
	// Compound index for the acquire candidate scan (unleased rows by state).
	`CREATE INDEX IF NOT EXISTS idx_jobs_session_state ON jobs(session_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_job_deps_child ON job_deps(child_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_deps_parent ON job_deps(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_heartbeat ON sessions(heartbeat)`,
	`CREATE INDEX IF NOT EXISTS idx_batch_jobs_state ON batch_jobs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_items_job ON transfer_items(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_items_state ON transfer_items(state)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
