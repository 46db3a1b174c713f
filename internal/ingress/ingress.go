// Package ingress turns an uploaded file into a pending job: validate,
// persist the input, create the status record, enqueue a descriptor. It
// never waits on processing.
package ingress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paulgrammer/contourline/internal/artifacts"
	"github.com/paulgrammer/contourline/internal/jobs"
	"github.com/paulgrammer/contourline/internal/queue"
)

// ValidationError rejects an upload before any side effect happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

type Ingress struct {
	store    jobs.Store
	queue    queue.Queue
	uploads  artifacts.Dir
	events   *jobs.StatusStreamer
	maxBytes int64
	allowed  map[string]bool
}

func New(store jobs.Store, q queue.Queue, uploads artifacts.Dir, events *jobs.StatusStreamer, maxBytes int64, allowedExts []string) *Ingress {
	allowed := make(map[string]bool, len(allowedExts))
	for _, ext := range allowedExts {
		allowed[strings.ToLower(ext)] = true
	}
	return &Ingress{
		store:    store,
		queue:    q,
		uploads:  uploads,
		events:   events,
		maxBytes: maxBytes,
		allowed:  allowed,
	}
}

// Submit validates and stores the upload, records the job as pending and
// enqueues its descriptor. The returned job is in state pending, or failed
// when the broker was unreachable at enqueue time.
func (in *Ingress) Submit(ctx context.Context, file io.Reader, filename string, size int64) (jobs.Job, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if filename == "" || ext == "" || !in.allowed[ext] {
		return jobs.Job{}, &ValidationError{Reason: fmt.Sprintf("file type %q not allowed", ext)}
	}
	if size > in.maxBytes {
		return jobs.Job{}, &ValidationError{Reason: fmt.Sprintf("file size %d exceeds limit %d", size, in.maxBytes)}
	}

	id := uuid.NewString()

	// The input must be durable before any worker can see the job, and a
	// lying Content-Length must not smuggle in an oversize body.
	inputRef, err := in.uploads.Save(id+ext, &limitedReader{r: file, n: in.maxBytes})
	if err != nil {
		return jobs.Job{}, fmt.Errorf("store upload: %w", err)
	}

	now := time.Now().UTC()
	job := jobs.Job{
		ID:        id,
		Filename:  filename,
		State:     jobs.StatePending,
		InputRef:  inputRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.store.Create(ctx, job); err != nil {
		return jobs.Job{}, fmt.Errorf("create job record: %w", err)
	}
	jobs.SubmittedTotal.Inc()

	if err := in.queue.Enqueue(ctx, queue.Descriptor{JobID: id, InputRef: inputRef}); err != nil {
		// Park the record as failed rather than leaving an orphaned
		// pending job nothing will ever pick up.
		msg := "queue unavailable: " + err.Error()
		if ferr := in.store.Fail(ctx, id, msg); ferr != nil {
			slog.Error("mark job failed after enqueue error", "job_id", id, "error", ferr)
		}
		jobs.FailedTotal.Inc()
		in.events.Publish(jobs.Event{JobID: id, State: jobs.StateFailed, Error: msg, Timestamp: time.Now().UTC()})
		return job, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	slog.Info("job submitted", "job_id", id, "filename", filename, "input_ref", inputRef)
	return job, nil
}

// limitedReader errors out instead of silently truncating like io.LimitReader.
// A body of exactly n bytes passes; the error fires only once byte n+1 arrives.
type limitedReader struct {
	r io.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return 0, &ValidationError{Reason: "file exceeds size limit"}
	}
	if int64(len(p)) > l.n+1 {
		p = p[:l.n+1]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	if l.n < 0 {
		return n, &ValidationError{Reason: "file exceeds size limit"}
	}
	return n, err
}
