package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrConflict is returned when a transition is requested from a state the
// job is no longer in (e.g. marking a failed job succeeded).
var ErrConflict = errors.New("conflicting state transition")

// Store is the single source of truth for job lifecycle. Every mutation is
// a conditional single-statement update, atomic per job id, so concurrent
// workers racing on a redelivered descriptor observe exactly one winner.
type Store interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	ListTerminal(ctx context.Context) ([]Job, error)
	// ClaimRunning transitions pending -> running. Returns false when the
	// job was not pending (duplicate delivery).
	ClaimRunning(ctx context.Context, id string) (bool, error)
	// ReclaimStale refreshes a running job whose last update is at or
	// before staleBefore, so a new worker can take over after a crash.
	// Returns false when the job is not running or not stale.
	ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	Succeed(ctx context.Context, id, outputRef string) error
	Fail(ctx context.Context, id, message string) error
}

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenStore opens (and if needed creates) the job table at path.
func OpenStore(path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	// Serialize access through one connection; sqlite handles the rest.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  filename TEXT NOT NULL,
  state TEXT NOT NULL,
  input_ref TEXT NOT NULL,
  output_ref TEXT,
  error_message TEXT,
  attempts INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate job store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, filename, state, input_ref, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Filename,
		string(job.State),
		job.InputRef,
		job.Attempts,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

const selectJob = `SELECT id, filename, state, input_ref, output_ref, error_message, attempts, created_at, updated_at FROM jobs`

func (s *SQLiteStore) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLiteStore) ListTerminal(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		selectJob+` WHERE state IN (?, ?) ORDER BY updated_at DESC`,
		string(StateSucceeded), string(StateFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClaimRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND state = ?`,
		string(StateRunning), time.Now().UTC().UnixMilli(), id, string(StatePending),
	)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ReclaimStale(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ? AND state = ? AND updated_at <= ?`,
		time.Now().UTC().UnixMilli(), id, string(StateRunning), staleBefore.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("reclaim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) Succeed(ctx context.Context, id, outputRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, output_ref = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(StateSucceeded), outputRef, time.Now().UTC().UnixMilli(), id, string(StateRunning),
	)
	return transitionResult(res, err, id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id, message string) error {
	// pending is allowed here so a failed enqueue can park the record
	// instead of leaving it pending forever.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error_message = ?, updated_at = ? WHERE id = ? AND state IN (?, ?)`,
		string(StateFailed), message, time.Now().UTC().UnixMilli(), id,
		string(StatePending), string(StateRunning),
	)
	return transitionResult(res, err, id)
}

func transitionResult(res sql.Result, err error, id string) error {
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrConflict)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (Job, error) {
	var (
		job                  Job
		state                string
		outputRef, errorMsg  sql.NullString
		createdMs, updatedMs int64
	)
	if err := row.Scan(&job.ID, &job.Filename, &state, &job.InputRef, &outputRef, &errorMsg, &job.Attempts, &createdMs, &updatedMs); err != nil {
		return Job{}, err
	}
	job.State = State(state)
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if outputRef.Valid {
		job.OutputRef = outputRef.String
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	return job, nil
}
