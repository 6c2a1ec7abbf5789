// Package memqueue implements the Queue Adapter in process memory, emulating
// visibility leases and receipt handles. It backs deterministic tests and
// the embedded broker mode.
package memqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	ourqueue "go.landform.dev/worker/internal/queue"
)

type stored struct {
	id             string
	body           string
	sentAt         time.Time
	firstReceived  time.Time
	receives       int
	invisibleUntil time.Time
	receipt        string
}

// Queue is an in-memory queue.Queue with lease semantics.
type Queue struct {
	opener *Opener
	name   string
	owned  bool

	mu         sync.Mutex
	visibility time.Duration
	msgs       []*stored
	seq        int
	deleted    bool
}

var _ ourqueue.Queue = (*Queue)(nil)

// Opener holds the process-local queue registry so open/auto-create/adopt
// semantics behave like a real broker across multiple Open calls.
type Opener struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

func NewOpener() *Opener {
	return &Opener{queues: map[string]*Queue{}}
}

func (o *Opener) Open(ctx context.Context, opts ourqueue.OpenOptions) (ourqueue.Queue, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if q, ok := o.queues[opts.Name]; ok && !q.deleted {
		return q, nil
	}
	if !opts.Owned || !opts.AutoCreate {
		return nil, fmt.Errorf("%w: %s", ourqueue.ErrQueueNotFound, opts.Name)
	}
	q := &Queue{opener: o, name: opts.Name, owned: opts.Owned, visibility: opts.DefaultVisibility}
	o.queues[opts.Name] = q
	return q, nil
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Enqueue(ctx context.Context, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return fmt.Errorf("%w: %s", ourqueue.ErrQueueNotFound, q.name)
	}
	q.seq++
	q.msgs = append(q.msgs, &stored{
		id:     strconv.Itoa(q.seq),
		body:   payload,
		sentAt: time.Now(),
	})
	return nil
}

// EnqueueAged inserts a message with a back-dated send time and a preset
// receive count, for age-cull and retry-policy tests.
func (q *Queue) EnqueueAged(payload string, sentAt time.Time, receives int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.msgs = append(q.msgs, &stored{
		id:       strconv.Itoa(q.seq),
		body:     payload,
		sentAt:   sentAt,
		receives: receives,
	})
}

func (q *Queue) Dequeue(ctx context.Context, maxCount int, longPoll time.Duration, overrideVisibility time.Duration) ([]*ourqueue.Message, error) {
	deadline := time.Now().Add(longPoll)
	for {
		if msgs := q.receive(maxCount, overrideVisibility); len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *Queue) receive(maxCount int, overrideVisibility time.Duration) []*ourqueue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	vis := q.visibility
	if overrideVisibility > 0 {
		vis = overrideVisibility
	}
	now := time.Now()
	var out []*ourqueue.Message
	for _, s := range q.msgs {
		if len(out) >= maxCount {
			break
		}
		if now.Before(s.invisibleUntil) {
			continue
		}
		s.receives++
		if s.firstReceived.IsZero() {
			s.firstReceived = now
		}
		s.invisibleUntil = now.Add(vis)
		q.seq++
		s.receipt = fmt.Sprintf("%s/%d", s.id, q.seq)
		out = append(out, &ourqueue.Message{
			MessageID:          s.id,
			ReceiptHandle:      s.receipt,
			Body:               s.body,
			SentAtMS:           s.sentAt.UnixMilli(),
			FirstReceivedAtMS:  s.firstReceived.UnixMilli(),
			ApproxReceiveCount: s.receives,
		})
	}
	return out
}

func (q *Queue) ExtendVisibility(ctx context.Context, m *ourqueue.Message, seconds time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.msgs {
		if s.receipt == m.ReceiptHandle {
			if time.Now().After(s.invisibleUntil) {
				return fmt.Errorf("%w: lease lapsed", ourqueue.ErrReceiptInvalid)
			}
			s.invisibleUntil = time.Now().Add(seconds)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown receipt", ourqueue.ErrReceiptInvalid)
}

func (q *Queue) Delete(ctx context.Context, m *ourqueue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.msgs {
		if s.receipt == m.ReceiptHandle {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return nil
		}
	}
	// Unknown receipt: already deleted, idempotent.
	return nil
}

func (q *Queue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = nil
	return nil
}

func (q *Queue) SizeEstimate(ctx context.Context, includeInvisible bool) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if includeInvisible {
		return int64(len(q.msgs)), nil
	}
	now := time.Now()
	var n int64
	for _, s := range q.msgs {
		if !now.Before(s.invisibleUntil) {
			n++
		}
	}
	return n, nil
}

func (q *Queue) DeleteQueue(ctx context.Context) error {
	if !q.owned {
		return fmt.Errorf("memqueue: refusing to delete unowned queue %q", q.name)
	}
	q.mu.Lock()
	q.deleted = true
	q.msgs = nil
	q.mu.Unlock()
	if q.opener != nil {
		q.opener.mu.Lock()
		delete(q.opener.queues, q.name)
		q.opener.mu.Unlock()
	}
	return nil
}

// Bodies returns the queued bodies in order, for test assertions.
func (q *Queue) Bodies() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.msgs))
	for i, s := range q.msgs {
		out[i] = s.body
	}
	return out
}
