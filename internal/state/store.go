// Package state persists run history and cross-process snapshot claims in a
// SQLite database.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/tis24dev/jobsave/internal/types"
	"github.com/tis24dev/jobsave/pkg/utils"
)

// Store is a SQLite-backed run history and snapshot claim registry.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// RunRecord is the persisted summary of one job run.
type RunRecord struct {
	ID          int64
	RunID       string
	Job         string
	Set         string
	Status      types.JobStatus
	ArchivePath string
	ExitCode    int
	Attempts    int
	Deleted     int
	Transfers   int
	Warnings    int
	Error       string
	DryRun      bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration returns the wall-clock time of the run.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state database path cannot be empty")
	}
	if err := utils.EnsureDir(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("state directory: %w", err)
	}
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize state schema: %w", err)
	}
	return s, nil
}

func buildDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve state database path: %w", err)
	}
	abs = strings.ReplaceAll(abs, "\\", "/")
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", abs), nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		job TEXT NOT NULL,
		job_set TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		archive_path TEXT NOT NULL DEFAULT '',
		exit_code INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		transfers INTEGER NOT NULL DEFAULT 0,
		warnings INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		dry_run INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job, started_at);

	CREATE TABLE IF NOT EXISTS snapshot_claims (
		snapshot_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		claimed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_claims_session ON snapshot_claims(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Claim assigns snapshotID to sessionID unless another session holds it.
func (s *Store) Claim(ctx context.Context, sessionID, snapshotID string) (bool, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO snapshot_claims (snapshot_id, session_id, claimed_at) VALUES (?, ?, ?)`,
		snapshotID, sessionID, s.now().UnixMilli()); err != nil {
		return false, fmt.Errorf("claim snapshot %s: %w", snapshotID, err)
	}
	var owner string
	if err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM snapshot_claims WHERE snapshot_id = ?`, snapshotID).Scan(&owner); err != nil {
		return false, fmt.Errorf("read snapshot claim %s: %w", snapshotID, err)
	}
	return owner == sessionID, nil
}

// ReleaseClaims drops every claim held by sessionID.
func (s *Store) ReleaseClaims(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshot_claims WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("release claims of session %s: %w", sessionID, err)
	}
	return nil
}

// PruneClaims removes claims older than maxAge, left behind by runs that
// never reached their cleanup.
func (s *Store) PruneClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshot_claims WHERE claimed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshot claims: %w", err)
	}
	return res.RowsAffected()
}

// RecordRun appends rec to the history and returns its row id.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, job, job_set, status, archive_path, exit_code, attempts,
			deleted, transfers, warnings, error, dry_run, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Job, rec.Set, string(rec.Status), rec.ArchivePath, rec.ExitCode, rec.Attempts,
		rec.Deleted, rec.Transfers, rec.Warnings, rec.Error, rec.DryRun,
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("record run of job %s: %w", rec.Job, err)
	}
	return res.LastInsertId()
}

// RecentRuns returns up to limit runs, newest first. An empty job lists every
// job.
func (s *Store) RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, run_id, job, job_set, status, archive_path, exit_code, attempts,
			deleted, transfers, warnings, error, dry_run, started_at, finished_at
		FROM runs`
	args := []any{}
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec             RunRecord
			status          string
			started, finish int64
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Job, &rec.Set, &status, &rec.ArchivePath,
			&rec.ExitCode, &rec.Attempts, &rec.Deleted, &rec.Transfers, &rec.Warnings, &rec.Error,
			&rec.DryRun, &started, &finish); err != nil {
			return nil, fmt.Errorf("scan run history: %w", err)
		}
		rec.Status = types.JobStatus(status)
		rec.StartedAt = time.UnixMilli(started)
		rec.FinishedAt = time.UnixMilli(finish)
		out = append(out, rec)
	}
	return out, rows.Err()
}
