package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"go.landform.dev/worker/internal/queue"
)

// InFlight is the current-message slot payload: the message being handled
// plus its start time and heartbeat bookkeeping. It is published through an
// atomic pointer so the heartbeat can read it without locks, and is immutable
// except for the atomic fields.
type InFlight struct {
	AttemptID string
	Msg       *queue.Message
	StartedAt time.Time

	lastBeat atomic.Int64 // unix nanos of the last visibility extension; 0 when none
	killed   atomic.Bool

	cancel   context.CancelFunc
	killHook func()
}

// Kill marks the handler as killed, cancels its context and invokes the
// handler's external-work kill hook when one was registered. Best-effort:
// the handler is expected to observe cancellation.
func (f *InFlight) Kill() {
	if f.killed.Swap(true) {
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	if f.killHook != nil {
		f.killHook()
	}
}

// Killed reports whether the wall-clock budget enforcement fired.
func (f *InFlight) Killed() bool { return f.killed.Load() }

// LastHeartbeat returns the time of the last visibility extension, or zero.
func (f *InFlight) LastHeartbeat() time.Time {
	ns := f.lastBeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RecordHeartbeat stamps a successful visibility extension.
func (f *InFlight) RecordHeartbeat(t time.Time) { f.lastBeat.Store(t.UnixNano()) }

// ClearHeartbeat nulls the heartbeat timestamp (set when the budget
// enforcement kills the handler).
func (f *InFlight) ClearHeartbeat() { f.lastBeat.Store(0) }

// Slot is the single-slot atomic reference to the in-flight message.
// Invariant: non-nil only between handler entry and handler exit; the
// service loop writes it, the heartbeat reads it and must re-check under
// L_del before acting.
type Slot struct {
	p atomic.Pointer[InFlight]
}

func (s *Slot) Load() *InFlight { return s.p.Load() }

// Set publishes the in-flight message; only the service loop calls this.
func (s *Slot) Set(f *InFlight) { s.p.Store(f) }

// Clear empties the slot; called under L_del together with the delete.
func (s *Slot) Clear() { s.p.Store(nil) }
