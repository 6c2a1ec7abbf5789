package lifecycle

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"go.landform.dev/worker/internal/instancecontrol"
)

func newTestController(method Method, adapter *instancecontrol.Fake) *Controller {
	c := NewController(method, "group-1", 50*time.Millisecond, time.Hour, adapter)
	c.eventLimiter = rate.NewLimiter(rate.Inf, 1)
	c.Startup(context.Background())
	return c
}

func commitIdle(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()
	c.NoteEmpty(ctx)
	time.Sleep(60 * time.Millisecond)
	c.NoteEmpty(ctx)
	if !c.IdleCommitted() {
		t.Fatal("expected idle-committed")
	}
}

func TestBusyResetsIdlePending(t *testing.T) {
	c := newTestController(MethodScaleToZero, instancecontrol.NewFake("i-123"))
	ctx := context.Background()

	c.NoteEmpty(ctx)
	c.NoteBusy()
	time.Sleep(60 * time.Millisecond)
	c.NoteEmpty(ctx)
	if c.IdleCommitted() {
		t.Fatal("idle committed despite intervening message")
	}
}

func TestScaleToZeroInitiatedExactlyOnce(t *testing.T) {
	fake := instancecontrol.NewFake("i-123")
	c := newTestController(MethodScaleToZero, fake)
	commitIdle(t, c)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		c.IdleTick(ctx)
	}

	sizes, ok := fake.GroupSizes["group-1"]
	if !ok {
		t.Fatal("set-group-size never called")
	}
	if sizes[1] == nil || *sizes[1] != 0 {
		t.Fatalf("desired size = %v, want 0", sizes[1])
	}
	if fake.GroupSizeCalls != 1 {
		t.Fatalf("set-group-size called %d times, want 1", fake.GroupSizeCalls)
	}
	if !c.Snapshot().ShutdownInitiated {
		t.Fatal("shutdown-initiated not recorded")
	}
}

func TestStopInstanceFailureRetriesNextEvent(t *testing.T) {
	fake := instancecontrol.NewFake("i-123")
	fake.StopErr = context.DeadlineExceeded
	c := newTestController(MethodStopInstance, fake)
	commitIdle(t, c)

	ctx := context.Background()
	c.IdleTick(ctx)
	if c.Snapshot().ShutdownInitiated {
		t.Fatal("initiation recorded despite control-plane failure")
	}

	fake.StopErr = nil
	c.IdleTick(ctx)
	if len(fake.Stopped) != 1 || fake.Stopped[0] != "i-123" {
		t.Fatalf("stopped = %v", fake.Stopped)
	}
	if !c.Snapshot().ShutdownInitiated {
		t.Fatal("initiation not recorded after retry succeeded")
	}
}

func TestLogIdleProtectedHandshake(t *testing.T) {
	fake := instancecontrol.NewFake("i-123")
	c := newTestController(MethodLogIdleProtected, fake)

	// Startup eagerly enables protection.
	if !fake.ScaleInProtection["group-1/i-123"] {
		t.Fatal("scale-in protection not enabled at startup")
	}

	commitIdle(t, c)
	c.IdleTick(context.Background())
	if fake.ScaleInProtection["group-1/i-123"] {
		t.Fatal("scale-in protection not disabled on idle initiation")
	}
}

func TestFailsafeRequestsShutdown(t *testing.T) {
	fake := instancecontrol.NewFake("i-123")
	c := newTestController(MethodLogIdle, fake)
	c.Failsafe = 10 * time.Millisecond
	commitIdle(t, c)

	time.Sleep(20 * time.Millisecond)
	c.IdleTick(context.Background())
	c.IdleTick(context.Background())

	if fake.ShutdownRequested != 1 {
		t.Fatalf("shutdown requested %d times, want exactly 1", fake.ShutdownRequested)
	}
}

func TestNoIdleTrackingWithoutInstanceID(t *testing.T) {
	c := newTestController(MethodScaleToZero, instancecontrol.NewFake(""))
	ctx := context.Background()
	c.NoteEmpty(ctx)
	time.Sleep(60 * time.Millisecond)
	c.NoteEmpty(ctx)
	if c.IdleCommitted() {
		t.Fatal("idle committed without a known instance id")
	}
}
