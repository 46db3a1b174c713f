package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestQueue(t *testing.T, opts Options) *SQLiteQueue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), opts)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q := openTestQueue(t, Options{VisibilityTimeout: time.Minute, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, Descriptor{JobID: "job-1", InputRef: "job-1.jpg"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d.JobID != "job-1" || d.InputRef != "job-1.jpg" {
		t.Fatalf("wrong descriptor: %+v", d)
	}
	if d.Attempt != 1 {
		t.Fatalf("expected first delivery, got attempt %d", d.Attempt)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.Dequeue(ctx, 50*time.Millisecond); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected empty queue after ack, got %v", err)
	}
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := openTestQueue(t, Options{VisibilityTimeout: time.Minute, PollInterval: 10 * time.Millisecond})
	if _, err := q.Dequeue(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestQueue_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	q := openTestQueue(t, Options{VisibilityTimeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, Descriptor{JobID: "job-1", InputRef: "job-1.jpg"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Leased and unacked: invisible until the lease expires.
	if _, err := q.Dequeue(ctx, 30*time.Millisecond); !errors.Is(err, ErrEmpty) {
		t.Fatalf("leased descriptor was redelivered early: %v", err)
	}

	second, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("redelivery after lease expiry: %v", err)
	}
	if second.JobID != first.JobID {
		t.Fatalf("redelivered wrong descriptor: %+v", second)
	}
	if second.Attempt != 2 {
		t.Fatalf("expected attempt 2 on redelivery, got %d", second.Attempt)
	}
}

func TestQueue_NackReleasesImmediately(t *testing.T) {
	q := openTestQueue(t, Options{VisibilityTimeout: time.Minute, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	if err := q.Enqueue(ctx, Descriptor{JobID: "job-1", InputRef: "job-1.jpg"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Nack(ctx, d); err != nil {
		t.Fatalf("nack: %v", err)
	}

	again, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatalf("dequeue after nack: %v", err)
	}
	if again.JobID != "job-1" {
		t.Fatalf("expected nacked descriptor back, got %+v", again)
	}
}

func TestQueue_ConcurrentDequeuersGetDisjointDescriptors(t *testing.T) {
	q := openTestQueue(t, Options{VisibilityTimeout: time.Minute, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		if err := q.Enqueue(ctx, Descriptor{JobID: "job-" + string(rune('a'+i)), InputRef: "x"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, err := q.Dequeue(ctx, 100*time.Millisecond)
				if errors.Is(err, ErrEmpty) {
					return
				}
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				mu.Lock()
				seen[d.JobID]++
				mu.Unlock()
				if err := q.Ack(ctx, d); err != nil {
					t.Errorf("ack: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct jobs, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("job %s delivered %d times within its lease", id, count)
		}
	}
}
