package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// SQLiteStore keeps resolution history in a SQLite database through the
// pure-Go modernc driver.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config locates the database and sizes its connection pool. Zero values
// take defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// NewSQLiteStore returns an unopened store; call Init, then Migrate.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate runs the embedded database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx and its commit/rollback companions expose raw transactions for
// callers that batch their own statements.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// CreateResolution stores a resolution together with its jobs in one
// transaction. Empty IDs are assigned.
func (s *SQLiteStore) CreateResolution(ctx context.Context, resolution *Resolution, jobs []*Job) error {
	if resolution.ID == "" {
		resolution.ID = uuid.NewString()
	}
	if resolution.CreatedAt.IsZero() {
		resolution.CreatedAt = time.Now().UTC()
	}
	if resolution.Status == ResolutionStatusSucceeded {
		resolution.JobCount = len(jobs)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resolutions (id, source, format, fingerprint, status, job_count, error, policy, matrix, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		resolution.ID,
		resolution.Source,
		resolution.Format,
		resolution.Fingerprint,
		resolution.Status,
		resolution.JobCount,
		resolution.Error,
		resolution.Policy,
		resolution.Matrix,
		resolution.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create resolution: %w", err)
	}

	for i, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		job.ResolutionID = resolution.ID
		job.Position = i

		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, resolution_id, position, name, os, distribution, toolchain_version, entry)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			job.ID,
			job.ResolutionID,
			job.Position,
			job.Name,
			job.OperatingSystem,
			job.Distribution,
			job.ToolchainVersion,
			job.Entry,
		)
		if err != nil {
			return fmt.Errorf("failed to create job %s: %w", job.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resolution: %w", err)
	}
	return nil
}

const resolutionColumns = `id, source, format, fingerprint, status, job_count, error, policy, matrix, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanResolution(row scanner) (*Resolution, error) {
	r := &Resolution{}
	err := row.Scan(
		&r.ID,
		&r.Source,
		&r.Format,
		&r.Fingerprint,
		&r.Status,
		&r.JobCount,
		&r.Error,
		&r.Policy,
		&r.Matrix,
		&r.CreatedAt,
	)
	return r, err
}

// GetResolution retrieves a resolution by ID
func (s *SQLiteStore) GetResolution(ctx context.Context, id string) (*Resolution, error) {
	query := `SELECT ` + resolutionColumns + ` FROM resolutions WHERE id = ?`

	r, err := scanResolution(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resolution: %w", err)
	}

	return r, nil
}

// FindResolutionByFingerprint returns the most recent successful resolution
// that produced the given matrix fingerprint.
func (s *SQLiteStore) FindResolutionByFingerprint(ctx context.Context, fingerprint string) (*Resolution, error) {
	query := `
		SELECT ` + resolutionColumns + `
		FROM resolutions
		WHERE fingerprint = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	r, err := scanResolution(s.db.QueryRowContext(ctx, query, fingerprint, ResolutionStatusSucceeded))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resolution with fingerprint %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find resolution: %w", err)
	}

	return r, nil
}

// ListResolutions lists resolutions, newest first, with pagination
func (s *SQLiteStore) ListResolutions(ctx context.Context, limit, offset int) ([]*Resolution, error) {
	query := `
		SELECT ` + resolutionColumns + `
		FROM resolutions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolutions: %w", err)
	}
	defer rows.Close()

	resolutions := []*Resolution{}
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		resolutions = append(resolutions, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resolutions: %w", err)
	}

	return resolutions, nil
}

// DeleteResolution deletes a resolution and, by cascade, its jobs, runs and
// events.
func (s *SQLiteStore) DeleteResolution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resolutions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete resolution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("resolution %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListJobs lists a resolution's jobs in emitted order
func (s *SQLiteStore) ListJobs(ctx context.Context, resolutionID string) ([]*Job, error) {
	query := `
		SELECT id, resolution_id, position, name, os, distribution, toolchain_version, entry
		FROM jobs
		WHERE resolution_id = ?
		ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, resolutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		job := &Job{}
		err := rows.Scan(
			&job.ID,
			&job.ResolutionID,
			&job.Position,
			&job.Name,
			&job.OperatingSystem,
			&job.Distribution,
			&job.ToolchainVersion,
			&job.Entry,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// RecordJobRun stores the result of one job run. Empty IDs are assigned.
func (s *SQLiteStore) RecordJobRun(ctx context.Context, run *JobRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CompletedAt.IsZero() {
		run.CompletedAt = run.StartedAt.Add(run.Duration)
	}

	query := `
		INSERT INTO job_runs (
			id, resolution_id, job_name, runner, status, exit_code,
			logs, error, duration_ms, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.ResolutionID,
		run.JobName,
		run.Runner,
		run.Status,
		run.ExitCode,
		run.Logs,
		run.Error,
		run.Duration.Milliseconds(),
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record job run: %w", err)
	}

	return nil
}

// ListJobRuns lists job runs, newest first, optionally for one resolution
func (s *SQLiteStore) ListJobRuns(ctx context.Context, resolutionID *string, limit, offset int) ([]*JobRun, error) {
	query := `
		SELECT id, resolution_id, job_name, runner, status, exit_code,
		       logs, error, duration_ms, started_at, completed_at
		FROM job_runs
		WHERE (? IS NULL OR resolution_id = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, resolutionID, resolutionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()

	runs := []*JobRun{}
	for rows.Next() {
		run := &JobRun{}
		var durationMS int64
		err := rows.Scan(
			&run.ID,
			&run.ResolutionID,
			&run.JobName,
			&run.Runner,
			&run.Status,
			&run.ExitCode,
			&run.Logs,
			&run.Error,
			&durationMS,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job runs: %w", err)
	}

	return runs, nil
}

// AppendEvent inserts event and sets its ID. A zero Timestamp becomes now.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO events (resolution_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ResolutionID,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id

	return nil
}

// GetEvents retrieves events with optional filtering, oldest first
func (s *SQLiteStore) GetEvents(ctx context.Context, resolutionID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, resolution_id, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR resolution_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp ASC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, resolutionID, resolutionID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.ResolutionID,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
