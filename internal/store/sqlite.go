package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/calcjob/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

const jobColumns = `local_id, remote_id, state, submission_attempts, retrieval_attempts,
	unknown_polls, not_found_polls, last_transition_time, last_attempt_time, last_poll_time,
	last_scheduler_status, exit_code, failure_kind, failure_reason, sealed,
	retrieved_files, job, created_at, last_retrieval_time`

// CreateJob inserts a new record.
func (s *SQLiteStore) CreateJob(ctx context.Context, rec *model.JobRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", rec.LocalID)

	filesJSON, jobJSON, err := marshalJob(rec)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`, computer, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LocalID, rec.RemoteID, string(rec.State), rec.SubmissionAttempts, rec.RetrievalAttempts,
		rec.UnknownPolls, rec.NotFoundPolls,
		formatTime(rec.LastTransitionTime), formatTime(rec.LastAttemptTime), formatTime(rec.LastPollTime),
		string(rec.LastSchedulerStatus), rec.ExitCode, string(rec.FailureKind), rec.FailureReason, rec.Sealed,
		filesJSON, jobJSON, rec.CreatedAt.UTC().Format(time.RFC3339Nano), formatTime(rec.LastRetrievalTime),
		rec.Job.Computer, now,
	)
	return err
}

// GetJob returns the record or nil when it does not exist.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.JobRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE local_id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateJob overwrites every field of an unsealed row.
func (s *SQLiteStore) UpdateJob(ctx context.Context, rec *model.JobRecord) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", rec.LocalID, "state", rec.State)

	filesJSON, jobJSON, err := marshalJob(rec)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET remote_id=?, state=?, submission_attempts=?, retrieval_attempts=?,
		 unknown_polls=?, not_found_polls=?, last_transition_time=?, last_attempt_time=?,
		 last_poll_time=?, last_scheduler_status=?, exit_code=?, failure_kind=?,
		 failure_reason=?, sealed=?, retrieved_files=?, job=?, last_retrieval_time=?, updated_at=?
		 WHERE local_id=? AND sealed=0`,
		rec.RemoteID, string(rec.State), rec.SubmissionAttempts, rec.RetrievalAttempts,
		rec.UnknownPolls, rec.NotFoundPolls,
		formatTime(rec.LastTransitionTime), formatTime(rec.LastAttemptTime), formatTime(rec.LastPollTime),
		string(rec.LastSchedulerStatus), rec.ExitCode, string(rec.FailureKind),
		rec.FailureReason, rec.Sealed, filesJSON, jobJSON, formatTime(rec.LastRetrievalTime),
		time.Now().UTC().Format(time.RFC3339Nano), rec.LocalID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	var state string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE local_id = ?`, rec.LocalID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", rec.LocalID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return &model.SealedRecordError{ID: rec.LocalID, State: model.JobState(state)}
}

// ListJobs returns a page of records, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.JobRecord, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	// Build WHERE clause dynamically based on filters.
	var whereClauses []string
	var countArgs []any

	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, opts.State)
	}
	if opts.Computer != "" {
		whereClauses = append(whereClauses, "computer = ?")
		countArgs = append(countArgs, opts.Computer)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + jobColumns + ` FROM jobs` + whereSQL +
		` ORDER BY created_at DESC, local_id LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	recs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListActiveJobs returns every unsealed record, oldest first.
func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]*model.JobRecord, error) {
	s.logger.Debug("sql", "op", "list_active", "table", "jobs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE sealed = 0 ORDER BY created_at, local_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// RequestKill flags an unsealed job for cancellation.
func (s *SQLiteStore) RequestKill(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "request_kill", "table", "jobs", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET kill_requested = 1, updated_at = ? WHERE local_id = ? AND sealed = 0`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE local_id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return err
}

// KillRequested reports whether the job is flagged for cancellation.
func (s *SQLiteStore) KillRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT kill_requested FROM jobs WHERE local_id = ?`, id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.JobRecord, error) {
	var rec model.JobRecord
	var state, status, failureKind, filesJSON, jobJSON, createdAt string
	var lastTransition, lastAttempt, lastPoll, lastRetrieval *string
	var exitCode *int

	if err := row.Scan(
		&rec.LocalID, &rec.RemoteID, &state, &rec.SubmissionAttempts, &rec.RetrievalAttempts,
		&rec.UnknownPolls, &rec.NotFoundPolls, &lastTransition, &lastAttempt, &lastPoll,
		&status, &exitCode, &failureKind, &rec.FailureReason, &rec.Sealed,
		&filesJSON, &jobJSON, &createdAt, &lastRetrieval,
	); err != nil {
		return nil, err
	}

	st, err := model.ParseJobState(state)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", rec.LocalID, err)
	}
	rec.State = st
	rec.LastSchedulerStatus = model.NormalizedStatus(status)
	rec.ExitCode = exitCode
	rec.FailureKind = model.FailureKind(failureKind)
	rec.LastTransitionTime = parseTime(lastTransition)
	rec.LastAttemptTime = parseTime(lastAttempt)
	rec.LastPollTime = parseTime(lastPoll)
	rec.LastRetrievalTime = parseTime(lastRetrieval)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if err := json.Unmarshal([]byte(filesJSON), &rec.RetrievedFiles); err != nil {
		return nil, fmt.Errorf("unmarshal retrieved_files: %w", err)
	}
	if err := json.Unmarshal([]byte(jobJSON), &rec.Job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &rec, nil
}

func scanJobs(rows *sql.Rows) ([]*model.JobRecord, error) {
	var recs []*model.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func marshalJob(rec *model.JobRecord) (files, job string, err error) {
	filesJSON, err := json.Marshal(rec.RetrievedFiles)
	if err != nil {
		return "", "", fmt.Errorf("marshal retrieved_files: %w", err)
	}
	if rec.RetrievedFiles == nil {
		filesJSON = []byte("[]")
	}
	jobJSON, err := json.Marshal(rec.Job)
	if err != nil {
		return "", "", fmt.Errorf("marshal job: %w", err)
	}
	return string(filesJSON), string(jobJSON), nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
