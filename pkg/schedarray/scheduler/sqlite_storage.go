// Package scheduler – sqlite_storage.go implements JobStore on a single
// SQLite database file. Every writer (CLI processes, the service, library
// callers) shares the file; WAL plus immediate write transactions make the
// guarded updates behave as compare-and-set across processes.
package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width UTC milliseconds so stored strings sort
// lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000Z"

const jobQueueSchema = `
-- Job queue
CREATE TABLE IF NOT EXISTS job_queue (
    job_id          INTEGER PRIMARY KEY AUTOINCREMENT,
    job_name        TEXT NOT NULL DEFAULT '',
    command         TEXT NOT NULL,
    working_dir     TEXT NOT NULL DEFAULT '',
    cpus            INTEGER NOT NULL DEFAULT 1,
    memory          TEXT NOT NULL DEFAULT '',
    timeout_seconds INTEGER,
    priority        INTEGER NOT NULL DEFAULT 0,
    user            TEXT NOT NULL DEFAULT '',
    state           TEXT NOT NULL DEFAULT 'pending',
    return_code     INTEGER,
    stdout_path     TEXT NOT NULL DEFAULT '',
    stderr_path     TEXT NOT NULL DEFAULT '',
    submit_time     TEXT NOT NULL,
    start_time      TEXT,
    end_time        TEXT,
    worker_id       TEXT,
    pid             INTEGER,
    error_message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_job_queue_state ON job_queue(state);
CREATE INDEX IF NOT EXISTS idx_job_queue_priority ON job_queue(priority DESC, submit_time ASC);
CREATE INDEX IF NOT EXISTS idx_job_queue_user ON job_queue(user);

-- Reserved for a future distributed-worker extension; never written.
CREATE TABLE IF NOT EXISTS worker_nodes (
    worker_id        TEXT PRIMARY KEY,
    hostname         TEXT NOT NULL,
    platform         TEXT NOT NULL DEFAULT '',
    max_cpus         INTEGER,
    available_cpus   INTEGER,
    max_memory       TEXT,
    available_memory TEXT,
    state            TEXT NOT NULL DEFAULT '',
    last_heartbeat   TEXT,
    registered_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worker_nodes_state ON worker_nodes(state);

-- Reserved for per-job accounting; never written.
CREATE TABLE IF NOT EXISTS resource_usage (
    usage_id     TEXT PRIMARY KEY,
    job_id       INTEGER NOT NULL,
    worker_id    TEXT NOT NULL,
    cpu_usage    REAL,
    memory_usage TEXT,
    timestamp    TEXT NOT NULL,
    FOREIGN KEY (job_id) REFERENCES job_queue(job_id)
);
CREATE INDEX IF NOT EXISTS idx_resource_usage_job_id ON resource_usage(job_id);
`

// jobColumns is the column order every SELECT shares with scanJob.
const jobColumns = `job_id, job_name, command, working_dir, cpus, memory,
	timeout_seconds, priority, user, state, return_code, stdout_path,
	stderr_path, submit_time, start_time, end_time, worker_id, pid,
	error_message`

// SQLiteJobStore persists the job queue in one SQLite file.
type SQLiteJobStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteJobStore opens or creates the job database at path and applies
// the schema. The parent directory is created when missing.
func OpenSQLiteJobStore(path string) (*SQLiteJobStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	// _txlock=immediate takes the write lock at BEGIN, which keeps the
	// select-then-update inside Claim race-free across processes.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(jobQueueSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteJobStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *SQLiteJobStore) Path() string { return s.path }

// Close closes the underlying database.
func (s *SQLiteJobStore) Close() error { return s.db.Close() }

// Insert adds a pending job and assigns its monotonic id.
func (s *SQLiteJobStore) Insert(job *Job) (string, error) {
	res, err := s.db.Exec(`
		INSERT INTO job_queue
			(job_name, command, working_dir, cpus, memory, timeout_seconds,
			 priority, user, state, stdout_path, stderr_path, submit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobName,
		job.Command,
		job.WorkingDir,
		job.CPUs,
		job.Memory,
		nullIfZero(job.TimeoutSeconds),
		job.Priority,
		job.User,
		string(StatePending),
		job.StdoutPath,
		job.StderrPath,
		formatTime(job.SubmitTime),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("read inserted id: %w", err)
	}

	job.JobID = strconv.FormatInt(rowID, 10)
	job.State = StatePending
	return job.JobID, nil
}

// Get returns a job by id, or nil when absent.
func (s *SQLiteJobStore) Get(id string) (*Job, error) {
	rowID, ok := parseJobID(id)
	if !ok {
		return nil, nil
	}
	job, err := scanJob(s.db.QueryRow(
		"SELECT "+jobColumns+" FROM job_queue WHERE job_id = ?", rowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Claim leases the best pending job to workerID in one transaction.
func (s *SQLiteJobStore) Claim(workerID string) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var rowID int64
	err = tx.QueryRow(`
		SELECT job_id FROM job_queue
		WHERE state = 'pending'
		ORDER BY priority DESC, submit_time ASC, job_id ASC
		LIMIT 1`).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE job_queue
		SET state = 'running', worker_id = ?, start_time = ?
		WHERE job_id = ? AND state = 'pending'`,
		workerID, formatTime(time.Now()), rowID)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		// Raced by another claimer: the caller polls again.
		return nil, err
	}

	job, err := scanJob(tx.QueryRow(
		"SELECT "+jobColumns+" FROM job_queue WHERE job_id = ?", rowID))
	if err != nil {
		return nil, fmt.Errorf("read claimed job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// RecordSpawn stores the subprocess pid and stream paths on a running job.
func (s *SQLiteJobStore) RecordSpawn(id string, pid int, stdoutPath, stderrPath string) (bool, error) {
	rowID, ok := parseJobID(id)
	if !ok {
		return false, nil
	}
	applied, err := s.execGuarded(`
		UPDATE job_queue
		SET pid = ?, stdout_path = ?, stderr_path = ?
		WHERE job_id = ? AND state = 'running'`,
		pid, stdoutPath, stderrPath, rowID)
	if err != nil {
		return false, fmt.Errorf("record spawn for job %s: %w", id, err)
	}
	return applied, nil
}

// Finish moves a running job to completed, failed or timeout.
func (s *SQLiteJobStore) Finish(id string, state JobState, returnCode int, errorMessage string) (bool, error) {
	switch state {
	case StateCompleted, StateFailed, StateTimeout:
	default:
		return false, fmt.Errorf("finish job %s: %s is not a finish state", id, state)
	}
	rowID, ok := parseJobID(id)
	if !ok {
		return false, nil
	}
	applied, err := s.execGuarded(`
		UPDATE job_queue
		SET state = ?, return_code = ?, error_message = ?, end_time = ?,
		    worker_id = NULL, pid = NULL
		WHERE job_id = ? AND state = 'running'`,
		string(state), returnCode, errorMessage, formatTime(time.Now()), rowID)
	if err != nil {
		return false, fmt.Errorf("finish job %s: %w", id, err)
	}
	return applied, nil
}

// CancelPending moves a pending job straight to cancelled.
func (s *SQLiteJobStore) CancelPending(id string) (bool, error) {
	rowID, ok := parseJobID(id)
	if !ok {
		return false, nil
	}
	applied, err := s.execGuarded(`
		UPDATE job_queue
		SET state = 'cancelled', end_time = ?
		WHERE job_id = ? AND state = 'pending'`,
		formatTime(time.Now()), rowID)
	if err != nil {
		return false, fmt.Errorf("cancel pending job %s: %w", id, err)
	}
	return applied, nil
}

// MarkCancelRunning flips a running job to cancelled without an end_time;
// the owning worker confirms the kill later.
func (s *SQLiteJobStore) MarkCancelRunning(id string) (bool, error) {
	rowID, ok := parseJobID(id)
	if !ok {
		return false, nil
	}
	applied, err := s.execGuarded(`
		UPDATE job_queue
		SET state = 'cancelled', worker_id = NULL, pid = NULL
		WHERE job_id = ? AND state = 'running'`,
		rowID)
	if err != nil {
		return false, fmt.Errorf("mark cancel for job %s: %w", id, err)
	}
	return applied, nil
}

// CancelRunning flips a running job to cancelled with end_time in one step.
func (s *SQLiteJobStore) CancelRunning(id string) (bool, error) {
	rowID, ok := parseJobID(id)
	if !ok {
		return false, nil
	}
	applied, err := s.execGuarded(`
		UPDATE job_queue
		SET state = 'cancelled', end_time = ?, worker_id = NULL, pid = NULL
		WHERE job_id = ? AND state = 'running'`,
		formatTime(time.Now()), rowID)
	if err != nil {
		return false, fmt.Errorf("cancel running job %s: %w", id, err)
	}
	return applied, nil
}

// ConfirmCancel sets end_time on a cancelled job that lacks one.
func (s *SQLiteJobStore) ConfirmCancel(id string) (bool, error) {
	rowID, ok := parseJobID(id)
	if !ok {
		return false, nil
	}
	applied, err := s.execGuarded(`
		UPDATE job_queue
		SET end_time = ?
		WHERE job_id = ? AND state = 'cancelled' AND end_time IS NULL`,
		formatTime(time.Now()), rowID)
	if err != nil {
		return false, fmt.Errorf("confirm cancel for job %s: %w", id, err)
	}
	return applied, nil
}

// FailOrphans sweeps every running row into failed.
func (s *SQLiteJobStore) FailOrphans(message string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE job_queue
		SET state = 'failed', return_code = -1, error_message = ?,
		    end_time = ?, worker_id = NULL, pid = NULL
		WHERE state = 'running'`,
		message, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("fail orphans: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes a job in a terminal state.
func (s *SQLiteJobStore) Delete(id string) (bool, error) {
	rowID, ok := parseJobID(id)
	if !ok {
		return false, nil
	}
	applied, err := s.execGuarded(`
		DELETE FROM job_queue
		WHERE job_id = ? AND state IN ('completed', 'failed', 'cancelled', 'timeout')`,
		rowID)
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	return applied, nil
}

// DeleteOlder bulk-deletes rows in the given states past the cutoff.
func (s *SQLiteJobStore) DeleteOlder(states []JobState, cutoff *time.Time) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}

	marks := make([]string, len(states))
	args := make([]any, 0, len(states)+1)
	for i, st := range states {
		marks[i] = "?"
		args = append(args, string(st))
	}
	query := "DELETE FROM job_queue WHERE state IN (" + strings.Join(marks, ", ") + ")"
	if cutoff != nil {
		query += " AND (end_time IS NULL OR end_time <= ?)"
		args = append(args, formatTime(*cutoff))
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return res.RowsAffected()
}

// List returns jobs matching the filter, newest submit first.
func (s *SQLiteJobStore) List(filter ListFilter) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM job_queue"
	var conds []string
	var args []any
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.User != "" {
		conds = append(conds, "user = ?")
		args = append(args, filter.User)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY submit_time DESC, job_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByState returns a count for every state, including zeroes.
func (s *SQLiteJobStore) CountByState() (map[JobState]int, error) {
	counts := make(map[JobState]int, len(AllStates))
	for _, st := range AllStates {
		counts[st] = 0
	}

	rows, err := s.db.Query("SELECT state, COUNT(*) FROM job_queue GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[JobState(st)] = n
	}
	return counts, rows.Err()
}

// ---------- Internal ----------

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		rowID      int64
		timeoutSec sql.NullInt64
		returnCode sql.NullInt64
		pid        sql.NullInt64
		submitTime string
		startTime  sql.NullString
		endTime    sql.NullString
		workerID   sql.NullString
	)
	if err := row.Scan(
		&rowID, &j.JobName, &j.Command, &j.WorkingDir, &j.CPUs, &j.Memory,
		&timeoutSec, &j.Priority, &j.User, &j.State, &returnCode,
		&j.StdoutPath, &j.StderrPath, &submitTime, &startTime, &endTime,
		&workerID, &pid, &j.ErrorMessage,
	); err != nil {
		return nil, err
	}

	j.JobID = strconv.FormatInt(rowID, 10)
	j.TimeoutSeconds = int(timeoutSec.Int64)
	if returnCode.Valid {
		rc := int(returnCode.Int64)
		j.ReturnCode = &rc
	}
	if pid.Valid {
		p := int(pid.Int64)
		j.PID = &p
	}
	j.WorkerID = workerID.String
	j.SubmitTime, _ = time.Parse(timeLayout, submitTime)
	if startTime.Valid {
		t, _ := time.Parse(timeLayout, startTime.String)
		j.StartTime = &t
	}
	if endTime.Valid {
		t, _ := time.Parse(timeLayout, endTime.String)
		j.EndTime = &t
	}
	return &j, nil
}

// execGuarded runs a write expected to touch at most one row and reports
// whether it did.
func (s *SQLiteJobStore) execGuarded(query string, args ...any) (bool, error) {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// parseJobID converts the opaque id back to its row id. Malformed ids are
// treated as unknown jobs, never as errors.
func parseJobID(id string) (int64, bool) {
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || rowID <= 0 {
		return 0, false
	}
	return rowID, true
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
