package memqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	ourqueue "go.landform.dev/worker/internal/queue"
)

func open(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	q, err := NewOpener().Open(context.Background(), ourqueue.OpenOptions{
		Name: "work", DefaultVisibility: visibility, Owned: true, AutoCreate: true,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return q.(*Queue)
}

func TestOpenUnownedMissingFails(t *testing.T) {
	_, err := NewOpener().Open(context.Background(), ourqueue.OpenOptions{Name: "absent"})
	if !errors.Is(err, ourqueue.ErrQueueNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestLeaseHidesMessage(t *testing.T) {
	q := open(t, 100*time.Millisecond)
	ctx := context.Background()
	q.Enqueue(ctx, "a")

	msgs, err := q.Dequeue(ctx, 1, time.Second, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("dequeue: %v (%d)", err, len(msgs))
	}

	// Hidden while leased.
	again, _ := q.Dequeue(ctx, 1, 10*time.Millisecond, 0)
	if len(again) != 0 {
		t.Fatal("message visible during its lease")
	}

	// Visible again after the lease lapses, with a bumped receive count.
	time.Sleep(120 * time.Millisecond)
	back, _ := q.Dequeue(ctx, 1, time.Second, 0)
	if len(back) != 1 || back[0].ApproxReceiveCount != 2 {
		t.Fatalf("redelivery = %+v", back)
	}
}

func TestExtendAfterLapseFails(t *testing.T) {
	q := open(t, 30*time.Millisecond)
	ctx := context.Background()
	q.Enqueue(ctx, "a")
	msgs, _ := q.Dequeue(ctx, 1, time.Second, 0)

	time.Sleep(50 * time.Millisecond)
	err := q.ExtendVisibility(ctx, msgs[0], time.Second)
	if !errors.Is(err, ourqueue.ErrReceiptInvalid) {
		t.Fatalf("err = %v, want ErrReceiptInvalid", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	q := open(t, time.Second)
	ctx := context.Background()
	q.Enqueue(ctx, "a")
	msgs, _ := q.Dequeue(ctx, 1, time.Second, 0)

	if err := q.Delete(ctx, msgs[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := q.Delete(ctx, msgs[0]); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestSizeEstimateCountsInvisible(t *testing.T) {
	q := open(t, time.Second)
	ctx := context.Background()
	q.Enqueue(ctx, "a")
	q.Enqueue(ctx, "b")
	q.Dequeue(ctx, 1, time.Second, 0)

	visible, _ := q.SizeEstimate(ctx, false)
	all, _ := q.SizeEstimate(ctx, true)
	if visible != 1 || all != 2 {
		t.Fatalf("visible = %d, all = %d", visible, all)
	}
}
