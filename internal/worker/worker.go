// Package worker runs the processing loop: dequeue a descriptor, claim the
// job, run the processor, record the outcome. Workers share nothing but
// the queue and the status store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paulgrammer/contourline/internal/artifacts"
	"github.com/paulgrammer/contourline/internal/imaging"
	"github.com/paulgrammer/contourline/internal/jobs"
	"github.com/paulgrammer/contourline/internal/queue"
	"github.com/paulgrammer/contourline/internal/webhook"
)

type Pool struct {
	store   jobs.Store
	queue   queue.Queue
	proc    imaging.Processor
	uploads artifacts.Dir
	results artifacts.Dir
	events  *jobs.StatusStreamer

	// staleAfter is how long a running job may sit without an update
	// before another delivery of its descriptor may take it over. It
	// must comfortably exceed the longest expected processing time.
	staleAfter  time.Duration
	dequeueWait time.Duration

	notifier   webhook.Sender
	webhookURL string

	size   int
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

type Option func(*Pool)

// WithWebhook posts terminal transitions to url.
func WithWebhook(sender webhook.Sender, url string) Option {
	return func(p *Pool) {
		p.notifier = sender
		p.webhookURL = url
	}
}

func WithDequeueWait(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.dequeueWait = d
		}
	}
}

func NewPool(size int, store jobs.Store, q queue.Queue, proc imaging.Processor, uploads, results artifacts.Dir, events *jobs.StatusStreamer, staleAfter time.Duration, opts ...Option) (*Pool, error) {
	if size <= 0 {
		return nil, errors.New("pool size must be > 0")
	}
	if staleAfter <= 0 {
		return nil, errors.New("staleness threshold must be > 0")
	}
	p := &Pool{
		store:       store,
		queue:       q,
		proc:        proc,
		uploads:     uploads,
		results:     results,
		events:      events,
		staleAfter:  staleAfter,
		dequeueWait: 5 * time.Second,
		size:        size,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start launches the worker loops. They run until Stop is called.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.loop(ctx, workerID)
		}(i + 1)
	}
}

// Stop signals the loops and waits for in-flight work to finish.
func (p *Pool) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	slog.Info("worker started", "worker_id", workerID)
	for {
		d, err := p.queue.Dequeue(ctx, p.dequeueWait)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("worker stopped", "worker_id", workerID)
				return
			}
			slog.Error("dequeue failed", "worker_id", workerID, "error", err)
			continue
		}
		// Finish the delivery in hand even while shutting down; the
		// descriptor would only be redelivered later otherwise.
		p.handle(context.WithoutCancel(ctx), workerID, d)
		if ctx.Err() != nil {
			slog.Info("worker stopped", "worker_id", workerID)
			return
		}
	}
}

// handle applies the idempotency policy for at-least-once delivery:
//
//   - terminal record: duplicate delivery, ack and move on
//   - pending record: claim it and process
//   - running record, stale: the previous worker is presumed dead,
//     re-claim and process
//   - running record, fresh: leave the lease alone; the descriptor
//     resurfaces after the visibility timeout if the owner never acks
func (p *Pool) handle(ctx context.Context, workerID int, d queue.Descriptor) {
	if d.Attempt > 1 {
		jobs.RedeliveredTotal.Inc()
	}

	job, err := p.store.Get(ctx, d.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		// Descriptors are only enqueued after the record exists, so an
		// unknown id is garbage; drop it.
		slog.Warn("descriptor for unknown job", "worker_id", workerID, "job_id", d.JobID)
		_ = p.queue.Ack(ctx, d)
		return
	}
	if err != nil {
		slog.Error("load job", "worker_id", workerID, "job_id", d.JobID, "error", err)
		_ = p.queue.Nack(ctx, d)
		return
	}

	switch {
	case job.State.Terminal():
		_ = p.queue.Ack(ctx, d)
		return
	case job.State == jobs.StatePending:
		claimed, err := p.store.ClaimRunning(ctx, d.JobID)
		if err != nil {
			slog.Error("claim job", "worker_id", workerID, "job_id", d.JobID, "error", err)
			_ = p.queue.Nack(ctx, d)
			return
		}
		if !claimed {
			// Lost the race to another delivery; it holds the job now.
			return
		}
	case job.State == jobs.StateRunning:
		staleBefore := time.Now().UTC().Add(-p.staleAfter)
		reclaimed, err := p.store.ReclaimStale(ctx, d.JobID, staleBefore)
		if err != nil {
			slog.Error("reclaim job", "worker_id", workerID, "job_id", d.JobID, "error", err)
			_ = p.queue.Nack(ctx, d)
			return
		}
		if !reclaimed {
			// Fresh: another worker is presumably still on it. Keep the
			// lease so redelivery waits out the visibility timeout.
			return
		}
		jobs.ReclaimedTotal.Inc()
		slog.Warn("re-claimed stale running job", "worker_id", workerID, "job_id", d.JobID)
	}

	p.publish(jobs.Event{JobID: d.JobID, State: jobs.StateRunning, Timestamp: time.Now().UTC()})
	jobs.Running.Inc()
	defer jobs.Running.Dec()
	p.process(ctx, workerID, d)
}

func (p *Pool) process(ctx context.Context, workerID int, d queue.Descriptor) {
	start := time.Now()
	outputRef := "contour_" + d.JobID + ".jpg"

	err := p.run(ctx, d.InputRef, outputRef)
	if err != nil {
		p.fail(ctx, d, err.Error())
		slog.Error("job failed", "worker_id", workerID, "job_id", d.JobID, "duration", time.Since(start).String(), "error", err)
		return
	}

	if err := p.store.Succeed(ctx, d.JobID, outputRef); err != nil {
		// Terminal-write failure: another worker may have finished the
		// job after a re-claim, or the store is broken. Either way this
		// attempt is over.
		slog.Error("record success", "worker_id", workerID, "job_id", d.JobID, "error", err)
		_ = p.queue.Ack(ctx, d)
		return
	}
	_ = p.queue.Ack(ctx, d)
	jobs.SucceededTotal.Inc()
	p.publish(jobs.Event{JobID: d.JobID, State: jobs.StateSucceeded, OutputRef: outputRef, Timestamp: time.Now().UTC()})
	p.events.CloseJob(d.JobID)
	slog.Info("job succeeded", "worker_id", workerID, "job_id", d.JobID, "output_ref", outputRef, "duration", time.Since(start).String())
}

func (p *Pool) run(ctx context.Context, inputRef, outputRef string) error {
	inputPath, err := p.uploads.Path(inputRef)
	if err != nil {
		return fmt.Errorf("resolve input: %w", err)
	}
	outputPath, err := p.results.Path(outputRef)
	if err != nil {
		return fmt.Errorf("resolve output: %w", err)
	}
	return p.proc.Process(ctx, inputPath, outputPath)
}

// fail records the terminal failure and always acks: permanently bad input
// must not circulate on the queue forever.
func (p *Pool) fail(ctx context.Context, d queue.Descriptor, message string) {
	if err := p.store.Fail(ctx, d.JobID, message); err != nil {
		slog.Error("record failure", "job_id", d.JobID, "error", err)
	}
	_ = p.queue.Ack(ctx, d)
	jobs.FailedTotal.Inc()
	p.publish(jobs.Event{JobID: d.JobID, State: jobs.StateFailed, Error: message, Timestamp: time.Now().UTC()})
	p.events.CloseJob(d.JobID)
}

func (p *Pool) publish(event jobs.Event) {
	p.events.Publish(event)
	if p.notifier != nil && p.webhookURL != "" && event.State.Terminal() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.notifier.Notify(ctx, p.webhookURL, webhook.Event{
			JobID:     event.JobID,
			State:     string(event.State),
			OutputRef: event.OutputRef,
			Error:     event.Error,
			Timestamp: event.Timestamp,
		}); err != nil {
			slog.Warn("webhook notify failed", "job_id", event.JobID, "error", err)
		}
	}
}
