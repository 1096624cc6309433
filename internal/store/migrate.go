package store

import "database/sql"

const migrationSQL = `
CREATE TABLE IF NOT EXISTS run_records (
    id TEXT PRIMARY KEY,
    bibcode TEXT NOT NULL,
    base_version TEXT NOT NULL,
    target_version TEXT NOT NULL,
    cases_passed INTEGER NOT NULL,
    cases_failed INTEGER NOT NULL,
    pass_percentage REAL,
    package_manager TEXT NOT NULL,
    error_details TEXT,
    modifications TEXT,
    terminal_state TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    duration_ms INTEGER,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    UNIQUE(bibcode, target_version)
);
CREATE INDEX IF NOT EXISTS idx_run_records_bibcode ON run_records(bibcode);
CREATE INDEX IF NOT EXISTS idx_run_records_state ON run_records(terminal_state);
`

// RunMigrations applies the database schema migrations.
func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(migrationSQL)
	return err
}
