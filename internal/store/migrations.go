package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/me/calcjob/pkg/model"
)

// schema contains the DDL for all tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		local_id              TEXT PRIMARY KEY,
		remote_id             TEXT NOT NULL DEFAULT '',
		state                 TEXT NOT NULL DEFAULT 'CREATED',
		computer              TEXT NOT NULL,
		submission_attempts   INTEGER NOT NULL DEFAULT 0,
		retrieval_attempts    INTEGER NOT NULL DEFAULT 0,
		unknown_polls         INTEGER NOT NULL DEFAULT 0,
		not_found_polls       INTEGER NOT NULL DEFAULT 0,
		last_transition_time  TEXT,
		last_attempt_time     TEXT,
		last_poll_time        TEXT,
		last_scheduler_status TEXT NOT NULL DEFAULT '',
		exit_code             INTEGER,
		failure_reason        TEXT NOT NULL DEFAULT '',
		sealed                INTEGER NOT NULL DEFAULT 0,
		retrieved_files       TEXT NOT NULL DEFAULT '[]',
		job                   TEXT NOT NULL DEFAULT '{}',
		created_at            TEXT NOT NULL,
		updated_at            TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_computer ON jobs(computer)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "jobs",
		column:   "failure_kind",
		alterSQL: "ALTER TABLE jobs ADD COLUMN failure_kind TEXT NOT NULL DEFAULT ''",
	},
	{
		table:    "jobs",
		column:   "kill_requested",
		alterSQL: "ALTER TABLE jobs ADD COLUMN kill_requested INTEGER NOT NULL DEFAULT 0",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_jobs_active ON jobs(sealed, created_at)",
	},
	{
		table:    "jobs",
		column:   "last_retrieval_time",
		alterSQL: "ALTER TABLE jobs ADD COLUMN last_retrieval_time TEXT",
	},
}

// migrate executes all schema DDL statements, alter migrations, and the
// rewrite of legacy state names.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return normalizeLegacyStates(ctx, db)
}

// normalizeLegacyStates rewrites rows written with historical state names
// onto the current enum, recording the failure kind the old name implied.
func normalizeLegacyStates(ctx context.Context, db *sql.DB) error {
	for _, legacy := range model.LegacyStateNames() {
		state, err := model.ParseJobState(legacy)
		if err != nil {
			return err
		}
		sealed := 0
		if state.IsTerminal() {
			sealed = 1
		}
		kind := model.LegacyFailureKind(legacy)
		reason := ""
		if kind != "" {
			reason = "migrated from legacy state " + legacy
		}
		_, err = db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, sealed = ?,
			 failure_kind = CASE WHEN failure_kind = '' THEN ? ELSE failure_kind END,
			 failure_reason = CASE WHEN failure_reason = '' THEN ? ELSE failure_reason END
			 WHERE state = ?`,
			string(state), sealed, string(kind), reason, legacy,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	// Query table info to check if column exists.
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil // Column already exists
		}
	}

	// Column doesn't exist, add it.
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
