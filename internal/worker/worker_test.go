package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulgrammer/contourline/internal/artifacts"
	"github.com/paulgrammer/contourline/internal/imaging"
	"github.com/paulgrammer/contourline/internal/jobs"
	"github.com/paulgrammer/contourline/internal/queue"
)

type stubProcessor struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *stubProcessor) Process(_ context.Context, _, outputPath string) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.fail {
		return &imaging.ProcessingError{Reason: "corrupt input"}
	}
	return os.WriteFile(outputPath, []byte("artifact"), 0o644)
}

func (p *stubProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	store   *jobs.SQLiteStore
	queue   *queue.SQLiteQueue
	uploads artifacts.Dir
	results artifacts.Dir
	pool    *Pool
}

func newFixture(t *testing.T, proc imaging.Processor, staleAfter time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := jobs.OpenStore(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.db"), queue.Options{
		VisibilityTimeout: time.Minute,
		PollInterval:      10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	uploads, err := artifacts.New(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatal(err)
	}
	results, err := artifacts.New(filepath.Join(dir, "results"))
	if err != nil {
		t.Fatal(err)
	}

	pool, err := NewPool(1, store, q, proc, uploads, results, jobs.NewStatusStreamer(), staleAfter, WithDequeueWait(50*time.Millisecond))
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Stop)

	return &fixture{store: store, queue: q, uploads: uploads, results: results, pool: pool}
}

// submit seeds a pending job with a stored input and its queue descriptor,
// the way ingress would.
func (f *fixture) submit(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	inputRef, err := f.uploads.Save(id+".jpg", fileContent())
	if err != nil {
		t.Fatalf("save input: %v", err)
	}
	now := time.Now().UTC()
	job := jobs.Job{ID: id, Filename: "photo.jpg", State: jobs.StatePending, InputRef: inputRef, CreatedAt: now, UpdatedAt: now}
	if err := f.store.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := f.queue.Enqueue(ctx, queue.Descriptor{JobID: id, InputRef: inputRef}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func fileContent() *os.File {
	// Contents don't matter to the stub processor; a pipe keeps the
	// helper simple.
	r, w, _ := os.Pipe()
	w.Write([]byte("input"))
	w.Close()
	return r
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) jobState(t *testing.T, id string) jobs.Job {
	t.Helper()
	job, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func TestPool_ProcessesJobToSuccess(t *testing.T) {
	proc := &stubProcessor{}
	f := newFixture(t, proc, time.Hour)
	f.submit(t, "job-1")

	f.pool.Start()
	waitFor(t, 3*time.Second, "job to succeed", func() bool {
		return f.jobState(t, "job-1").State == jobs.StateSucceeded
	})

	job := f.jobState(t, "job-1")
	if job.OutputRef == "" {
		t.Fatal("succeeded job must carry an output_ref")
	}
	if job.Error != "" {
		t.Fatalf("succeeded job must not carry an error: %q", job.Error)
	}
	if !f.results.Exists(job.OutputRef) {
		t.Fatalf("output_ref %s does not resolve to an artifact", job.OutputRef)
	}

	f.pool.Stop()
	if _, err := f.queue.Dequeue(context.Background(), 50*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("descriptor not acked after success: %v", err)
	}
}

func TestPool_RecordsProcessingFailure(t *testing.T) {
	proc := &stubProcessor{fail: true}
	f := newFixture(t, proc, time.Hour)
	f.submit(t, "job-1")

	f.pool.Start()
	waitFor(t, 3*time.Second, "job to fail", func() bool {
		return f.jobState(t, "job-1").State == jobs.StateFailed
	})

	job := f.jobState(t, "job-1")
	if job.Error == "" {
		t.Fatal("failed job must carry an error message")
	}
	if job.OutputRef != "" {
		t.Fatalf("failed job must not carry an output_ref: %q", job.OutputRef)
	}

	// Permanently bad input must be acked, not recirculated.
	f.pool.Stop()
	if _, err := f.queue.Dequeue(context.Background(), 50*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("descriptor not acked after failure: %v", err)
	}
	if proc.callCount() != 1 {
		t.Fatalf("expected exactly one processing attempt, got %d", proc.callCount())
	}
}

func TestPool_DuplicateDeliveryOfTerminalJobIsAcked(t *testing.T) {
	proc := &stubProcessor{}
	f := newFixture(t, proc, time.Hour)
	ctx := context.Background()

	f.submit(t, "job-1")
	// Finish the job by hand, then let the (now duplicate) descriptor
	// reach the pool.
	if _, err := f.store.ClaimRunning(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Succeed(ctx, "job-1", "contour_job-1.jpg"); err != nil {
		t.Fatal(err)
	}

	f.pool.Start()
	time.Sleep(500 * time.Millisecond)
	f.pool.Stop()

	if _, err := f.queue.Dequeue(ctx, 20*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("duplicate descriptor not acked: %v", err)
	}
	if proc.callCount() != 0 {
		t.Fatalf("terminal job must not be reprocessed, got %d calls", proc.callCount())
	}
	job := f.jobState(t, "job-1")
	if job.State != jobs.StateSucceeded || job.OutputRef != "contour_job-1.jpg" {
		t.Fatalf("terminal record changed by duplicate delivery: %+v", job)
	}
}

func TestPool_ReclaimsStaleRunningJob(t *testing.T) {
	proc := &stubProcessor{}
	f := newFixture(t, proc, 20*time.Millisecond)
	ctx := context.Background()

	f.submit(t, "job-1")
	// Simulate a worker that claimed the job and died: running record,
	// descriptor still on the queue (its lease expired or was never taken).
	if _, err := f.store.ClaimRunning(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond) // let the record go stale

	f.pool.Start()
	waitFor(t, 3*time.Second, "stale job to be reclaimed and finished", func() bool {
		return f.jobState(t, "job-1").State == jobs.StateSucceeded
	})

	job := f.jobState(t, "job-1")
	if job.Attempts != 2 {
		t.Fatalf("expected 2 attempts (original claim + re-claim), got %d", job.Attempts)
	}
	if proc.callCount() != 1 {
		t.Fatalf("expected exactly one processing run, got %d", proc.callCount())
	}
}

func TestPool_LeavesFreshRunningJobAlone(t *testing.T) {
	proc := &stubProcessor{}
	f := newFixture(t, proc, time.Hour)
	ctx := context.Background()

	f.submit(t, "job-1")
	if _, err := f.store.ClaimRunning(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}

	f.pool.Start()
	time.Sleep(300 * time.Millisecond)
	f.pool.Stop()

	if proc.callCount() != 0 {
		t.Fatalf("fresh running job must not be reprocessed, got %d calls", proc.callCount())
	}
	job := f.jobState(t, "job-1")
	if job.State != jobs.StateRunning {
		t.Fatalf("fresh running job changed state: %+v", job)
	}
	if job.Attempts != 1 {
		t.Fatalf("fresh running job re-claimed: %d attempts", job.Attempts)
	}
}
