package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.landform.dev/worker/internal/codec"
	"go.landform.dev/worker/internal/credentials"
	"go.landform.dev/worker/internal/handler"
	"go.landform.dev/worker/internal/instancecontrol"
	"go.landform.dev/worker/internal/lifecycle"
	"go.landform.dev/worker/internal/queue"
	"go.landform.dev/worker/internal/queue/memqueue"
)

type staticBackend struct{}

func (staticBackend) Fetch(ctx context.Context) (credentials.Bundle, error) {
	return credentials.Bundle{Token: "t"}, nil
}

// scriptedHandler lets each test choose accept/handle behavior and records
// what the loop did with it.
type scriptedHandler struct {
	mu          sync.Mutex
	acceptFn    func(m *queue.Message) (bool, string)
	handleFn    func(ctx context.Context, m *queue.Message) error
	acceptCalls []string
	handled     []string
}

func (h *scriptedHandler) Accept(m *queue.Message) (bool, string) {
	h.mu.Lock()
	h.acceptCalls = append(h.acceptCalls, m.Body)
	h.mu.Unlock()
	if h.acceptFn != nil {
		return h.acceptFn(m)
	}
	return true, ""
}

func (h *scriptedHandler) Handle(ctx context.Context, m *queue.Message) error {
	if h.handleFn != nil {
		if err := h.handleFn(ctx, m); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.handled = append(h.handled, m.Body)
	h.mu.Unlock()
	return nil
}

func (h *scriptedHandler) Describe(m *queue.Message, verbose bool) string { return m.Body }

func (h *scriptedHandler) handledBodies() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.handled...)
}

type env struct {
	loop *Loop
	main *memqueue.Queue
	fail *memqueue.Queue
	h    *scriptedHandler
}

func newEnv(t *testing.T, cfg Config, h *scriptedHandler) *env {
	t.Helper()
	opener := memqueue.NewOpener()
	ctx := context.Background()
	mq, err := opener.Open(ctx, queue.OpenOptions{Name: "work", DefaultVisibility: 30 * time.Second, Owned: true, AutoCreate: true})
	if err != nil {
		t.Fatalf("open main: %v", err)
	}
	fq, err := opener.Open(ctx, queue.OpenOptions{Name: "work-fail", DefaultVisibility: 30 * time.Second, Owned: true, AutoCreate: true})
	if err != nil {
		t.Fatalf("open fail: %v", err)
	}

	if cfg.LongPoll == 0 {
		cfg.LongPoll = 50 * time.Millisecond
	}
	if cfg.Variant == "" {
		cfg.Variant = codec.VariantGeneric
	}

	locks := &credentials.LockSet{}
	creds := credentials.NewManager(locks, staticBackend{}, nil, time.Hour)
	idle := lifecycle.NewController(lifecycle.MethodNone, "", 0, 0, instancecontrol.NewFake(""))

	loop := New(cfg, mq, fq, codec.New(""), h, creds, locks, idle, nil)
	return &env{loop: loop, main: mq.(*memqueue.Queue), fail: fq.(*memqueue.Queue), h: h}
}

func (e *env) iterate(t *testing.T) {
	t.Helper()
	if err := e.loop.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
}

func TestHandledMessageIsDeleted(t *testing.T) {
	h := &scriptedHandler{}
	e := newEnv(t, Config{}, h)
	if err := e.main.Enqueue(context.Background(), `{"url":"s3://bucket/a.tif"}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e.iterate(t)

	if got := e.h.handledBodies(); len(got) != 1 {
		t.Fatalf("handled = %v", got)
	}
	if n, _ := e.main.SizeEstimate(context.Background(), true); n != 0 {
		t.Fatalf("main queue size = %d, want 0", n)
	}
	if n, _ := e.fail.SizeEstimate(context.Background(), true); n != 0 {
		t.Fatalf("fail queue size = %d, want 0", n)
	}
	if e.loop.Slot().Load() != nil {
		t.Fatal("slot not cleared")
	}
}

func TestRejectedMessageDeletedWithoutForward(t *testing.T) {
	h := &scriptedHandler{acceptFn: func(m *queue.Message) (bool, string) { return false, "not mine" }}
	e := newEnv(t, Config{}, h)
	e.main.Enqueue(context.Background(), `{"url":"s3://bucket/a.tif"}`)

	e.iterate(t)

	if got := e.h.handledBodies(); len(got) != 0 {
		t.Fatalf("handled = %v, want none", got)
	}
	if n, _ := e.main.SizeEstimate(context.Background(), true); n != 0 {
		t.Fatalf("main queue size = %d", n)
	}
	if n, _ := e.fail.SizeEstimate(context.Background(), true); n != 0 {
		t.Fatalf("fail queue size = %d, want 0 (rejections never forward)", n)
	}
}

func TestAgeCullSkipsAcceptAndForwards(t *testing.T) {
	h := &scriptedHandler{}
	e := newEnv(t, Config{MaxMessageAge: time.Hour}, h)
	e.main.EnqueueAged(`{"url":"s3://bucket/old.tif"}`, time.Now().Add(-2*time.Hour), 0)

	e.iterate(t)

	if len(e.h.acceptCalls) != 0 {
		t.Fatalf("accept was called for a culled message")
	}
	if n, _ := e.main.SizeEstimate(context.Background(), true); n != 0 {
		t.Fatalf("main queue size = %d", n)
	}
	bodies := e.fail.Bodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "old.tif") {
		t.Fatalf("fail queue = %v", bodies)
	}
}

func TestReceiveCountCull(t *testing.T) {
	h := &scriptedHandler{}
	e := newEnv(t, Config{MaxReceiveCount: 3}, h)
	// The dequeue bumps the count to 4, over the limit.
	e.main.EnqueueAged(`{"url":"s3://bucket/spin.tif"}`, time.Now(), 3)

	e.iterate(t)

	if len(e.h.acceptCalls) != 0 {
		t.Fatal("accept was called for an over-retry message")
	}
	if n, _ := e.fail.SizeEstimate(context.Background(), true); n != 1 {
		t.Fatalf("fail queue size = %d, want 1", n)
	}
}

func TestHandlerFailureForwardsToFailQueue(t *testing.T) {
	h := &scriptedHandler{handleFn: func(ctx context.Context, m *queue.Message) error {
		return errors.New("pipeline exploded")
	}}
	e := newEnv(t, Config{}, h)
	e.main.Enqueue(context.Background(), `{"url":"s3://bucket/a.tif"}`)

	e.iterate(t)

	if n, _ := e.main.SizeEstimate(context.Background(), true); n != 0 {
		t.Fatalf("main queue size = %d", n)
	}
	if n, _ := e.fail.SizeEstimate(context.Background(), true); n != 1 {
		t.Fatalf("fail queue size = %d, want 1", n)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	h := &scriptedHandler{}
	e := newEnv(t, Config{}, h)
	e.main.Enqueue(context.Background(), `not json at all`)

	e.iterate(t)

	if len(e.h.acceptCalls) != 0 {
		t.Fatal("accept called for malformed payload")
	}
	if n, _ := e.main.SizeEstimate(context.Background(), true); n != 0 {
		t.Fatalf("main queue size = %d", n)
	}
	if n, _ := e.fail.SizeEstimate(context.Background(), true); n != 1 {
		t.Fatalf("fail queue size = %d, want 1", n)
	}
}

func TestRecycleMovesFailureToTail(t *testing.T) {
	var failedOnce bool
	h := &scriptedHandler{handleFn: func(ctx context.Context, m *queue.Message) error {
		if strings.Contains(m.Body, "a.tif") && !failedOnce {
			failedOnce = true
			return errors.New("transient pipeline failure")
		}
		return nil
	}}
	e := newEnv(t, Config{DeprioritizeRetries: true}, h)
	ctx := context.Background()
	e.main.Enqueue(ctx, `{"url":"s3://bucket/a.tif"}`)
	e.main.Enqueue(ctx, `{"url":"s3://bucket/b.tif"}`)
	e.main.Enqueue(ctx, `{"url":"s3://bucket/c.tif"}`)

	for i := 0; i < 4; i++ {
		e.iterate(t)
	}

	got := e.h.handledBodies()
	if len(got) != 3 {
		t.Fatalf("handled = %v", got)
	}
	wantOrder := []string{"b.tif", "c.tif", "a.tif"}
	for i, frag := range wantOrder {
		if !strings.Contains(got[i], frag) {
			t.Fatalf("handled order = %v, want fragments %v", got, wantOrder)
		}
	}
	if n, _ := e.fail.SizeEstimate(ctx, true); n != 0 {
		t.Fatalf("fail queue size = %d, want 0 (recycled, not failed)", n)
	}
}

func TestPoisonDrop(t *testing.T) {
	h := &scriptedHandler{handleFn: func(ctx context.Context, m *queue.Message) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	e := newEnv(t, Config{DropPoisonMessages: true}, h)
	e.main.Enqueue(context.Background(), `{"url":"s3://bucket/poison.tif"}`)

	// Stand in for the heartbeat's budget enforcement: kill the in-flight
	// handler as soon as the slot is populated.
	go func() {
		for {
			if f := e.loop.Slot().Load(); f != nil {
				f.Kill()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	e.iterate(t)

	if got := e.h.handledBodies(); len(got) != 0 {
		t.Fatalf("handled = %v, want none", got)
	}
	if n, _ := e.main.SizeEstimate(context.Background(), true); n != 0 {
		t.Fatalf("main queue size = %d", n)
	}
	if n, _ := e.fail.SizeEstimate(context.Background(), true); n != 0 {
		t.Fatalf("fail queue size = %d, want 0 (poison dropped)", n)
	}
	if e.loop.Slot().Load() != nil {
		t.Fatal("slot not cleared after poison drop")
	}
}

func TestHandlerPanicIsClassifiedAsFailure(t *testing.T) {
	h := &scriptedHandler{handleFn: func(ctx context.Context, m *queue.Message) error {
		panic("boom")
	}}
	e := newEnv(t, Config{}, h)
	e.main.Enqueue(context.Background(), `{"url":"s3://bucket/a.tif"}`)

	e.iterate(t)

	if n, _ := e.fail.SizeEstimate(context.Background(), true); n != 1 {
		t.Fatalf("fail queue size = %d, want 1", n)
	}
	if e.loop.Slot().Load() != nil {
		t.Fatal("slot not cleared after panic")
	}
}

var _ handler.Handler = (*scriptedHandler)(nil)
