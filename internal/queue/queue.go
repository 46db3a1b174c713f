// Package queue is the broker adapter between ingress and the worker pool.
// Descriptors are rows in a sqlite table; a claimed row carries a lease and
// becomes redeliverable once the lease expires, which gives at-least-once
// delivery across worker crashes.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUnavailable means the broker could not be reached. Submissions
	// that hit this mark their job record failed instead of leaving it
	// pending forever.
	ErrUnavailable = errors.New("queue unavailable")
	// ErrEmpty is returned by Dequeue when no descriptor became
	// available within the wait window.
	ErrEmpty = errors.New("queue empty")
)

// Descriptor is the minimal message routed to a worker. The status store,
// not the queue, is the authority on job state.
type Descriptor struct {
	JobID    string
	InputRef string
	// Attempt is the delivery count for this descriptor, starting at 1.
	Attempt int

	// receipt identifies the leased row for Ack/Nack.
	receipt int64
}

type Queue interface {
	Enqueue(ctx context.Context, d Descriptor) error
	// Dequeue blocks up to wait for a descriptor. Returns ErrEmpty on
	// timeout.
	Dequeue(ctx context.Context, wait time.Duration) (Descriptor, error)
	// Ack removes the delivered descriptor for good.
	Ack(ctx context.Context, d Descriptor) error
	// Nack releases the lease so the descriptor is redelivered promptly.
	Nack(ctx context.Context, d Descriptor) error
}

type Options struct {
	// VisibilityTimeout is how long a dequeued descriptor stays invisible
	// before it is redelivered if not acked.
	VisibilityTimeout time.Duration
	// PollInterval bounds how often Dequeue re-checks for work.
	PollInterval time.Duration
	// ConnectAttempts is how many times Open retries reaching the broker
	// before giving up with ErrUnavailable.
	ConnectAttempts int
}

func (o *Options) withDefaults() {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 5
	}
}

type SQLiteQueue struct {
	db   *sql.DB
	opts Options
}

var _ Queue = (*SQLiteQueue)(nil)

// Open connects to the broker database at path, retrying with exponential
// backoff on transient failures.
func Open(path string, opts Options) (*SQLiteQueue, error) {
	opts.withDefaults()

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			slog.Warn("queue connect retry", "attempt", attempt, "backoff", backoff.String(), "error", lastErr)
			time.Sleep(backoff)
			backoff *= 2
		}
		db, err := open(path)
		if err == nil {
			return &SQLiteQueue{db: db, opts: opts}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func open(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS queue_messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  input_ref TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  lease_expires_at INTEGER
);
`); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) Enqueue(ctx context.Context, d Descriptor) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (job_id, input_ref) VALUES (?, ?)`,
		d.JobID, d.InputRef,
	)
	if err != nil {
		return fmt.Errorf("%w: enqueue %s: %v", ErrUnavailable, d.JobID, err)
	}
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, wait time.Duration) (Descriptor, error) {
	deadline := time.Now().Add(wait)
	for {
		d, ok, err := q.claim(ctx)
		if err != nil {
			return Descriptor{}, err
		}
		if ok {
			return d, nil
		}
		if time.Now().After(deadline) {
			return Descriptor{}, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return Descriptor{}, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

// claim leases the oldest visible descriptor in a single statement, which
// sqlite executes atomically; two workers can never lease the same row.
func (q *SQLiteQueue) claim(ctx context.Context) (Descriptor, bool, error) {
	now := time.Now().UTC().UnixMilli()
	leaseUntil := now + q.opts.VisibilityTimeout.Milliseconds()

	row := q.db.QueryRowContext(ctx, `
UPDATE queue_messages
SET lease_expires_at = ?, attempts = attempts + 1
WHERE seq = (
  SELECT seq FROM queue_messages
  WHERE lease_expires_at IS NULL OR lease_expires_at <= ?
  ORDER BY seq LIMIT 1
) AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
RETURNING seq, job_id, input_ref, attempts`,
		leaseUntil, now, now,
	)

	var d Descriptor
	if err := row.Scan(&d.receipt, &d.JobID, &d.InputRef, &d.Attempt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Descriptor{}, false, nil
		}
		return Descriptor{}, false, fmt.Errorf("dequeue: %w", err)
	}
	return d, true, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, d Descriptor) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE seq = ?`, d.receipt)
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.JobID, err)
	}
	return nil
}

func (q *SQLiteQueue) Nack(ctx context.Context, d Descriptor) error {
	_, err := q.db.ExecContext(ctx, `UPDATE queue_messages SET lease_expires_at = NULL WHERE seq = ?`, d.receipt)
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.JobID, err)
	}
	return nil
}
