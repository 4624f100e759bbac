package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    job_key          TEXT NOT NULL UNIQUE,
    state            TEXT NOT NULL,
    gpu_type         TEXT NOT NULL,
    gpu_count        INTEGER NOT NULL,
    region           TEXT NOT NULL,
    interruptible    INTEGER NOT NULL,
    price_per_hour   REAL NOT NULL,
    price_per_second REAL NOT NULL,
    docker_image     TEXT NOT NULL,
    runtime          INTEGER NOT NULL,
    hostname         TEXT NOT NULL DEFAULT '',
    token            TEXT NOT NULL,
    command          TEXT NOT NULL DEFAULT '',
    env              TEXT,
    ports            TEXT,
    auth             INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    completed_at     DATETIME
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createLogLinesIndex = `CREATE INDEX IF NOT EXISTS idx_log_lines_job ON log_lines (job_id, seq)`

const jobColumns = `id, job_key, state, gpu_type, gpu_count, region, interruptible,
	price_per_hour, price_per_second, docker_image, runtime, hostname, token,
	command, env, ports, auth, created_at, started_at, completed_at`

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createLogLinesTable, createLogLinesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, r *Record) error {
	env, err := encodeJSONColumn(r.Env)
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}
	ports, err := encodeJSONColumn(r.Ports)
	if err != nil {
		return fmt.Errorf("encode ports: %w", err)
	}
	j := r.Job
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Key, j.State, j.GPUType, j.GPUCount, j.Region, j.Interruptible,
		j.PricePerHour, j.PricePerSecond, j.Image, j.Runtime, j.Hostname, r.Token,
		r.Command, env, ports, r.Auth, timeOf(j.CreatedAt), nullTime(j.StartedAt), nullTime(j.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Record, error) {
	return s.getJob(ctx, "id", id)
}

// GetJobByKey retrieves a job by its streaming key.
func (s *SQLiteStore) GetJobByKey(ctx context.Context, key string) (*Record, error) {
	return s.getJob(ctx, "job_key", key)
}

func (s *SQLiteStore) getJob(ctx context.Context, column, value string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+column+` = ?`, value)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return r, nil
}

// ListJobs returns a page of jobs ordered by created_at DESC, optionally
// filtered by state, along with the total count of matching jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, state model.State, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := "", []any{}
	if state != "" {
		where, args = " WHERE state = ?", append(args, state)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, &r.Job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJobState moves a job to state. Moving to running records started_at
// and the hostname; terminal states record completed_at. Transitions not in
// the lifecycle table fail with ErrInvalidTransition.
func (s *SQLiteStore) UpdateJobState(ctx context.Context, id string, state model.State, hostname string) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current model.State
	err = tx.QueryRowContext(ctx, "SELECT state FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job state: %w", err)
	}
	if !model.ValidTransition(current, state) {
		return nil, fmt.Errorf("%s → %s: %w", current, state, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	switch {
	case state == model.StateRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET state = ?, hostname = ?, started_at = ? WHERE id = ?",
			state, hostname, now, id)
	case state.IsTerminal():
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET state = ?, completed_at = ? WHERE id = ?",
			state, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE jobs SET state = ? WHERE id = ?", state, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update job state: %w", err)
	}

	r, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &r.Job, nil
}

// UpdateJobRuntime sets a job's runtime budget in seconds.
func (s *SQLiteStore) UpdateJobRuntime(ctx context.Context, id string, runtime int) (*model.Job, error) {
	result, err := s.db.ExecContext(ctx, "UPDATE jobs SET runtime = ? WHERE id = ?", runtime, id)
	if err != nil {
		return nil, fmt.Errorf("update job runtime: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	r, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &r.Job, nil
}

// GetJobStats returns counts by state and GPU type and the mean runtime
// budget.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByState:   map[string]int{},
		CountByGPUType: map[string]int{},
	}
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), AVG(runtime) FROM jobs").Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	stats.AvgRuntimeS = avg.Float64

	for _, q := range []struct {
		column string
		into   map[string]int
	}{
		{"state", stats.CountByState},
		{"gpu_type", stats.CountByGPUType},
	} {
		if err := s.countBy(ctx, q.column, q.into); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM jobs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[k] = n
	}
	return rows.Err()
}

// InsertLogLine appends a log line for a job.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, jobID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (job_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		jobID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns a job's log lines in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, jobID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, job_id, seq, line, created_at FROM log_lines WHERE job_id = ? ORDER BY seq",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                  Record
		env, ports         sql.NullString
		created            time.Time
		started, completed sql.NullTime
	)
	j := &r.Job
	if err := row.Scan(
		&j.ID, &j.Key, &j.State, &j.GPUType, &j.GPUCount, &j.Region, &j.Interruptible,
		&j.PricePerHour, &j.PricePerSecond, &j.Image, &j.Runtime, &j.Hostname, &r.Token,
		&r.Command, &env, &ports, &r.Auth, &created, &started, &completed,
	); err != nil {
		return nil, err
	}
	j.CreatedAt = model.NewTimestamp(created)
	if started.Valid {
		j.StartedAt = model.NewTimestamp(started.Time)
	}
	if completed.Valid {
		j.CompletedAt = model.NewTimestamp(completed.Time)
	}
	if env.Valid {
		if err := json.Unmarshal([]byte(env.String), &r.Env); err != nil {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	if ports.Valid {
		if err := json.Unmarshal([]byte(ports.String), &r.Ports); err != nil {
			return nil, fmt.Errorf("decode ports: %w", err)
		}
	}
	return &r, nil
}

func encodeJSONColumn[M ~map[string]V, V any](m M) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func timeOf(ts *model.Timestamp) time.Time {
	if ts == nil {
		return time.Now().UTC()
	}
	return ts.UTC()
}

func nullTime(ts *model.Timestamp) sql.NullTime {
	if ts == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: ts.UTC(), Valid: true}
}
