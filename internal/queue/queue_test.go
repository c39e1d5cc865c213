package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/relaygate/internal/storage"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestQueue(t *testing.T) (*Queue, *testClock) {
	t.Helper()

	db, err := storage.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "relaygate.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := New(db)
	q.now = clock.now
	return q, clock
}

func enqueue(t *testing.T, q *Queue, deliveryID string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), EnqueueRequest{
		Provider:   "github",
		DeliveryID: deliveryID,
		EventType:  "push",
		ResourceID: "repo-1",
		Payload:    json.RawMessage(`{"ref":"main"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t)

	id1 := enqueue(t, q, "d-1")
	clock.t = clock.t.Add(time.Millisecond)
	id2 := enqueue(t, q, "d-2")

	r1, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue 1: %v", err)
	}
	if r1 == nil || r1.ID != id1 || r1.Status != StatusRunning || r1.StartedAt == nil {
		t.Fatalf("unexpected run1: %#v", r1)
	}
	if r1.DedupeKey != "github:d-1" || r1.MaxAttempts != defaultMaxAttempts || string(r1.Payload) != `{"ref":"main"}` {
		t.Fatalf("unexpected run1 fields: %#v", r1)
	}

	r2, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue 2: %v", err)
	}
	if r2 == nil || r2.ID != id2 {
		t.Fatalf("unexpected run2: %#v", r2)
	}

	r3, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue 3: %v", err)
	}
	if r3 != nil {
		t.Fatalf("expected empty queue, got %#v", r3)
	}
}

func TestQueueRetryHonorsNextRetryAt(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, "d-1")
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Retry(ctx, id, clock.t.Add(time.Minute), "publish failed"); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	if r, _ := q.Dequeue(ctx); r != nil {
		t.Fatalf("run dequeued before its retry time: %#v", r)
	}

	clock.t = clock.t.Add(2 * time.Minute)
	r, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after retry: %v", err)
	}
	if r == nil || r.ID != id || r.Attempt != 2 || r.LastError == nil || *r.LastError != "publish failed" {
		t.Fatalf("unexpected retried run: %#v", r)
	}
}

func TestQueueCompleteAndDepth(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, "d-1")
	enqueue(t, q, "d-2")

	if n, err := q.Depth(ctx); err != nil || n != 2 {
		t.Fatalf("Depth = %d, %v; want 2", n, err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.Complete(ctx, id, StatusSucceeded, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if n, _ := q.Depth(ctx); n != 1 {
		t.Fatalf("Depth after complete = %d; want 1", n)
	}
	if err := q.Complete(ctx, id, StatusQueued, nil); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if err := q.Complete(ctx, "missing", StatusDead, nil); err != ErrRunNotFound {
		t.Fatalf("Complete missing = %v; want ErrRunNotFound", err)
	}

	clock.t = clock.t.Add(48 * time.Hour)
	n, err := q.PruneCompleted(ctx, clock.t.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneCompleted = %d, %v; want 1", n, err)
	}
	if _, err := q.Get(ctx, id); err != ErrRunNotFound {
		t.Fatalf("Get pruned = %v; want ErrRunNotFound", err)
	}
}

func TestQueueRequeueStale(t *testing.T) {
	t.Parallel()
	q, clock := newTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, "d-1")
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	n, err := q.RequeueStale(ctx, clock.t.Add(-time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("RequeueStale fresh = %d, %v; want 0", n, err)
	}

	clock.t = clock.t.Add(time.Hour)
	n, err = q.RequeueStale(ctx, clock.t.Add(-10*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueStale = %d, %v; want 1", n, err)
	}

	r, err := q.Dequeue(ctx)
	if err != nil || r == nil || r.ID != id || r.Attempt != 1 {
		t.Fatalf("unexpected recovered run: %#v, %v", r, err)
	}
}
