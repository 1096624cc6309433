package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// NewRecordID generates a new ULID-based record identifier.
func NewRecordID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// SQLiteStore implements RecordStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL keeps readers (status API, export) off the writer's back.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullPct(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

// Append inserts a terminal record. It is insert-only: a second record for
// the same (bibcode, target_version) pair is a constraint violation, which
// protects the exactly-one-record invariant against driver bugs.
func (s *SQLiteStore) Append(ctx context.Context, row *Row) error {
	if row.ID == "" {
		row.ID = NewRecordID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_records (
			id, bibcode, base_version, target_version, cases_passed,
			cases_failed, pass_percentage, package_manager, error_details,
			modifications, terminal_state, attempts, started_at, finished_at,
			duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID,
		row.Bibcode,
		row.BaseVersion,
		row.TargetVersion,
		row.CasesPassed,
		row.CasesFailed,
		nullPct(row.PassPct),
		row.PackageManager,
		nullString(row.ErrorDetails),
		nullString(row.Modifications),
		row.TerminalState,
		row.Attempts,
		formatTime(row.StartedAt),
		formatTime(row.FinishedAt),
		row.DurationMs,
		formatTime(row.CreatedAt),
	)
	return err
}

// Has reports whether a terminal record already exists for the pair.
func (s *SQLiteStore) Has(ctx context.Context, bibcode, targetVersion string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM run_records WHERE bibcode = ? AND target_version = ?",
		bibcode, targetVersion).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const selectCols = `id, bibcode, base_version, target_version, cases_passed,
	cases_failed, pass_percentage, package_manager, error_details,
	modifications, terminal_state, attempts, started_at, finished_at,
	duration_ms, created_at`

func (s *SQLiteStore) scanRow(row interface{ Scan(...any) error }) (*Row, error) {
	var r Row
	var startedAt, finishedAt, createdAt string
	var pct sql.NullFloat64
	var errorDetails, modifications sql.NullString
	var durationMs sql.NullInt64

	err := row.Scan(
		&r.ID,
		&r.Bibcode,
		&r.BaseVersion,
		&r.TargetVersion,
		&r.CasesPassed,
		&r.CasesFailed,
		&pct,
		&r.PackageManager,
		&errorDetails,
		&modifications,
		&r.TerminalState,
		&r.Attempts,
		&startedAt,
		&finishedAt,
		&durationMs,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if pct.Valid {
		v := pct.Float64
		r.PassPct = &v
	}
	if errorDetails.Valid {
		r.ErrorDetails = errorDetails.String
	}
	if modifications.Valid {
		r.Modifications = modifications.String
	}
	if durationMs.Valid {
		r.DurationMs = durationMs.Int64
	}

	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finishedAt); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &r, nil
}

// List returns records matching the given options, ordered by bibcode then
// target version so CSV exports are stable.
func (s *SQLiteStore) List(ctx context.Context, opts ListOpts) ([]*Row, error) {
	query := "SELECT " + selectCols + " FROM run_records"
	var args []any

	if opts.Bibcode != "" {
		query += " WHERE bibcode = ?"
		args = append(args, opts.Bibcode)
	}
	query += " ORDER BY bibcode, target_version"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetStats returns aggregate counts by terminal state.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	var passed, budget, unrepairable sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS total,
			SUM(CASE WHEN terminal_state = 'DONE_PASS' THEN 1 ELSE 0 END),
			SUM(CASE WHEN terminal_state = 'DONE_FAIL_BUDGET' THEN 1 ELSE 0 END),
			SUM(CASE WHEN terminal_state = 'DONE_FAIL_UNREPAIRABLE' THEN 1 ELSE 0 END)
		FROM run_records`).Scan(&stats.Total, &passed, &budget, &unrepairable)
	if err != nil {
		return nil, err
	}

	if passed.Valid {
		stats.Passed = int(passed.Int64)
	}
	if budget.Valid {
		stats.FailedBudget = int(budget.Int64)
	}
	if unrepairable.Valid {
		stats.Unrepairable = int(unrepairable.Int64)
	}
	return &stats, nil
}
