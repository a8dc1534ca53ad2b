package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"transcribe-queue/internal/domain"
)

// ErrNotFound is returned when no job exists for the requested ID.
var ErrNotFound = errors.New("job not found")

// ErrRetryNotAllowed is returned when requeue targets a non-failed job.
var ErrRetryNotAllowed = errors.New("retry not allowed: job is not failed")

// ErrClaimRace is returned when a guarded transition finds the job no longer
// in the expected state. With the claim running in a single transaction this
// should be unreachable; the guard refuses the write instead of corrupting.
var ErrClaimRace = errors.New("job claim race detected")

// ErrEmptyOutputs is returned when a completion carries no produced files.
var ErrEmptyOutputs = errors.New("completion requires at least one output")

// EventFunc receives a job snapshot after each persisted transition.
type EventFunc func(kind string, job domain.Job)

// Store is the durable job store backed by a single SQLite database. All
// mutating operations are serialized through it; ClaimNext is the one
// linearizable claim path shared by every worker.
type Store struct {
	db            *sql.DB
	leaseDuration time.Duration
	wake          chan struct{}
	now           func() time.Time
	onEvent       EventFunc
}

// Open opens or creates the job database and prepares the schema.
func Open(path string, leaseDuration time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{
		db:            db,
		leaseDuration: leaseDuration,
		wake:          make(chan struct{}, 1),
		now:           time.Now,
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetEventFunc registers a callback invoked after each state transition.
func (s *Store) SetEventFunc(fn EventFunc) {
	s.onEvent = fn
}

// Wake returns a channel signaled whenever new work may be claimable.
func (s *Store) Wake() <-chan struct{} {
	return s.wake
}

// initSchema creates the jobs table and claim ordering index.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		source_path TEXT NOT NULL,
		priority TEXT NOT NULL CHECK (priority IN ('urgent','high','normal')),
		priority_rank INTEGER NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('waiting','active','completed','failed')),
		attempts INTEGER NOT NULL DEFAULT 0,
		lease_expires_at INTEGER,
		outputs TEXT,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		failed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, priority_rank, created_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create persists a new waiting job and returns it with assigned identity.
func (s *Store) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	if job.ID == "" {
		return domain.Job{}, errors.New("job id is required")
	}
	if job.SourcePath == "" || job.FileName == "" {
		return domain.Job{}, errors.New("job source path and file name are required")
	}
	if job.Priority == "" {
		job.Priority = domain.PriorityNormal
	}

	job.State = domain.JobStateWaiting
	job.Attempts = 0
	job.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, file_name, source_path, priority, priority_rank, state, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		job.ID,
		job.FileName,
		job.SourcePath,
		job.Priority,
		job.Priority.Rank(),
		job.State,
		job.CreatedAt.UnixNano(),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}

	s.signal()
	s.emit("created", job)
	return job, nil
}

// Get returns one job by ID or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobColumns+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrNotFound
		}
		return domain.Job{}, err
	}
	return job, nil
}

// ListByState returns jobs in the given state ordered by creation time.
func (s *Store) ListByState(ctx context.Context, state domain.JobState) ([]domain.Job, error) {
	return s.list(ctx, selectJobColumns+` WHERE state = ? ORDER BY created_at ASC`, state)
}

// List returns all jobs ordered by creation time, newest first.
func (s *Store) List(ctx context.Context) ([]domain.Job, error) {
	return s.list(ctx, selectJobColumns+` ORDER BY created_at DESC`)
}

// HasOpenJobForPath reports whether a non-terminal job already tracks path.
func (s *Store) HasOpenJobForPath(ctx context.Context, path string) (bool, error) {
	args := []any{path}
	placeholders := make([]string, 0, len(domain.JobStates))
	for _, state := range domain.JobStates {
		if domain.IsTerminalState(state) {
			continue
		}
		placeholders = append(placeholders, "?")
		args = append(args, state)
	}

	var count int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM jobs WHERE source_path = ? AND state IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ClaimNext atomically selects the highest-priority, oldest waiting job,
// marks it active with a fresh lease, and increments its attempt count. Two
// concurrent callers never receive the same job. Returns false when no
// waiting job exists.
func (s *Store) ClaimNext(ctx context.Context) (domain.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(
		ctx,
		selectJobColumns+`
		WHERE state = ?
		ORDER BY priority_rank ASC, created_at ASC
		LIMIT 1`,
		domain.JobStateWaiting,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, err
	}

	now := s.now().UTC()
	lease := now.Add(s.leaseDuration)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE jobs
		 SET state = ?, attempts = attempts + 1, lease_expires_at = ?, started_at = ?
		 WHERE id = ? AND state = ?`,
		domain.JobStateActive,
		lease.UnixNano(),
		now.UnixNano(),
		job.ID,
		domain.JobStateWaiting,
	)
	if err != nil {
		return domain.Job{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, false, err
	}
	if affected == 0 {
		return domain.Job{}, false, ErrClaimRace
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}

	job.State = domain.JobStateActive
	job.Attempts++
	job.LeaseExpiresAt = lease
	job.StartedAt = now
	s.emit("claimed", job)
	return job, true, nil
}

// ExtendLease pushes out the lease expiry for an active job. Returns
// ErrClaimRace when the job is no longer active, meaning the lease sweep
// already reclaimed it and another worker may own the next attempt.
func (s *Store) ExtendLease(ctx context.Context, id string) error {
	lease := s.now().UTC().Add(s.leaseDuration)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND state = ?`,
		lease.UnixNano(),
		id,
		domain.JobStateActive,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrClaimRace
	}
	return nil
}

// Complete marks an active job completed with its produced output files.
func (s *Store) Complete(ctx context.Context, id string, outputs map[string]string) error {
	if len(outputs) == 0 {
		return ErrEmptyOutputs
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	now := s.now().UTC()
	err = s.guardedUpdate(
		ctx,
		id,
		domain.JobStateActive,
		domain.JobStateCompleted,
		`UPDATE jobs
		 SET state = ?, outputs = ?, last_error = NULL, lease_expires_at = NULL, completed_at = ?
		 WHERE id = ? AND state = ?`,
		domain.JobStateCompleted,
		string(outputsJSON),
		now.UnixNano(),
		id,
		domain.JobStateActive,
	)
	if err != nil {
		return err
	}
	s.emitByID(ctx, "completed", id)
	return nil
}

// Fail marks an active job failed with a non-empty error message. When the
// caller relocated the source file it passes the new path so the recorded
// location and the state transition change together.
func (s *Store) Fail(ctx context.Context, id, lastError, sourcePath string) error {
	if lastError == "" {
		return errors.New("failure requires an error message")
	}

	now := s.now().UTC()
	var err error
	if sourcePath != "" {
		err = s.guardedUpdate(
			ctx,
			id,
			domain.JobStateActive,
			domain.JobStateFailed,
			`UPDATE jobs
			 SET state = ?, last_error = ?, source_path = ?, outputs = NULL, lease_expires_at = NULL, failed_at = ?
			 WHERE id = ? AND state = ?`,
			domain.JobStateFailed,
			lastError,
			sourcePath,
			now.UnixNano(),
			id,
			domain.JobStateActive,
		)
	} else {
		err = s.guardedUpdate(
			ctx,
			id,
			domain.JobStateActive,
			domain.JobStateFailed,
			`UPDATE jobs
			 SET state = ?, last_error = ?, outputs = NULL, lease_expires_at = NULL, failed_at = ?
			 WHERE id = ? AND state = ?`,
			domain.JobStateFailed,
			lastError,
			now.UnixNano(),
			id,
			domain.JobStateActive,
		)
	}
	if err != nil {
		return err
	}
	s.emitByID(ctx, "failed", id)
	return nil
}

// Requeue returns a failed job to waiting with its attempt count preserved.
// The caller passes the recovered source path after moving the file back
// into the ingest directory.
func (s *Store) Requeue(ctx context.Context, id, sourcePath string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state domain.JobState
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if state != domain.JobStateFailed {
		return ErrRetryNotAllowed
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE jobs
		 SET state = ?, source_path = ?, last_error = NULL, failed_at = NULL, lease_expires_at = NULL
		 WHERE id = ? AND state = ?`,
		domain.JobStateWaiting,
		sourcePath,
		id,
		domain.JobStateFailed,
	)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.signal()
	s.emitByID(ctx, "requeued", id)
	return nil
}

// SweepExpiredLeases resets active jobs with elapsed leases back to waiting,
// preserving their attempt counts, and returns how many were recovered.
func (s *Store) SweepExpiredLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET state = ?, lease_expires_at = NULL
		 WHERE state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		domain.JobStateWaiting,
		domain.JobStateActive,
		s.now().UTC().UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.signal()
	}
	return int(affected), nil
}

// guardedUpdate runs one state-guarded UPDATE and maps a zero row count to
// ErrNotFound or ErrClaimRace depending on whether the job exists. The
// intended transition must be an edge of the job state machine, keeping the
// SQL guards and the domain transition table from diverging.
func (s *Store) guardedUpdate(ctx context.Context, id string, expected, target domain.JobState, query string, args ...any) error {
	if !domain.IsValidTransition(expected, target) {
		return fmt.Errorf("invalid transition %s -> %s for job %s", expected, target, id)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var state domain.JobState
		err := s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrClaimRace, id, state, expected)
	}
	return nil
}

// signal wakes one idle claim loop without blocking.
func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// emit publishes a transition snapshot to the registered callback.
func (s *Store) emit(kind string, job domain.Job) {
	if s.onEvent != nil {
		s.onEvent(kind, job)
	}
}

// emitByID loads the latest snapshot for event publication.
func (s *Store) emitByID(ctx context.Context, kind, id string) {
	if s.onEvent == nil {
		return
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return
	}
	s.onEvent(kind, job)
}

const selectJobColumns = `
	SELECT id, file_name, source_path, priority, state, attempts,
	       lease_expires_at, outputs, last_error,
	       created_at, started_at, completed_at, failed_at
	FROM jobs`

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob decodes one job row into the domain struct.
func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	var lease, started, completed, failed sql.NullInt64
	var outputs, lastError sql.NullString
	var created int64

	err := row.Scan(
		&job.ID,
		&job.FileName,
		&job.SourcePath,
		&job.Priority,
		&job.State,
		&job.Attempts,
		&lease,
		&outputs,
		&lastError,
		&created,
		&started,
		&completed,
		&failed,
	)
	if err != nil {
		return domain.Job{}, err
	}

	job.CreatedAt = time.Unix(0, created).UTC()
	if lease.Valid {
		job.LeaseExpiresAt = time.Unix(0, lease.Int64).UTC()
	}
	if started.Valid {
		job.StartedAt = time.Unix(0, started.Int64).UTC()
	}
	if completed.Valid {
		job.CompletedAt = time.Unix(0, completed.Int64).UTC()
	}
	if failed.Valid {
		job.FailedAt = time.Unix(0, failed.Int64).UTC()
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &job.Outputs); err != nil {
			return domain.Job{}, fmt.Errorf("decode outputs for job %s: %w", job.ID, err)
		}
	}
	job.LastError = lastError.String
	return job, nil
}

// list runs one jobs query and scans all rows.
func (s *Store) list(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
