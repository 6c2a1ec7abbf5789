// Package heartbeat extends the in-flight message's visibility lease on a
// sub-timeout cadence and enforces the handler's hard wall-clock budget. It
// observes the single current-message slot and acts on it only under the
// chassis's L_cred -> L_del lock ordering.
package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"go.landform.dev/worker/internal/credentials"
	"go.landform.dev/worker/internal/dispatch"
	"go.landform.dev/worker/internal/metrics"
	"go.landform.dev/worker/internal/queue"
)

// DefaultFraction of the visibility timeout between extensions; extending at
// a third of the lease leaves two retries before the lease lapses.
const DefaultFraction = 1.0 / 3.0

// Heartbeat is the visibility-extension loop.
type Heartbeat struct {
	// Visibility is the queue's configured visibility timeout; each
	// extension renews the lease by this much.
	Visibility time.Duration
	// Fraction of Visibility used as the loop period.
	Fraction float64
	// MaxHandler is the handler's hard wall-clock budget.
	MaxHandler time.Duration
	// QueueFn returns the current main-queue handle; indirect because the
	// credential manager swaps handles on rotation.
	QueueFn func() queue.Queue
	Slot    *dispatch.Slot
	Locks   *credentials.LockSet
}

func New(visibility time.Duration, maxHandler time.Duration, queueFn func() queue.Queue, slot *dispatch.Slot, locks *credentials.LockSet) *Heartbeat {
	if maxHandler <= 0 {
		maxHandler = 600 * time.Second
	}
	return &Heartbeat{
		Visibility: visibility,
		Fraction:   DefaultFraction,
		MaxHandler: maxHandler,
		QueueFn:    queueFn,
		Slot:       slot,
		Locks:      locks,
	}
}

// Period is the target loop period.
func (h *Heartbeat) Period() time.Duration {
	return time.Duration(float64(h.Visibility) * h.Fraction)
}

// Run loops until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	period := h.Period()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// tick runs one heartbeat iteration: budget enforcement first, then a
// lock-ordered re-check of the slot before extending the lease, so an
// extension can never begin after the dispatch loop's delete.
func (h *Heartbeat) tick(ctx context.Context) {
	inflight := h.Slot.Load()
	if inflight == nil {
		return
	}

	elapsed := time.Since(inflight.StartedAt)
	if elapsed > h.MaxHandler {
		log.Warn().Str("attemptId", inflight.AttemptID).Dur("elapsed", elapsed).Dur("budget", h.MaxHandler).
			Msg("heartbeat: handler over wall-clock budget; killing")
		inflight.Kill()
		inflight.ClearHeartbeat()
		return
	}

	h.Locks.LCred.Lock()
	defer h.Locks.LCred.Unlock()
	h.Locks.LDel.Lock()
	defer h.Locks.LDel.Unlock()

	// Re-check under L_del: the dispatch loop clears the slot in the same
	// critical section as its delete.
	current := h.Slot.Load()
	if current == nil || current != inflight {
		return
	}

	prev := current.LastHeartbeat()
	if prev.IsZero() {
		prev = current.StartedAt
	}

	q := h.QueueFn()
	if err := q.ExtendVisibility(ctx, current.Msg, h.Visibility); err != nil {
		if errors.Is(err, queue.ErrReceiptInvalid) {
			metrics.HeartbeatExtensions.WithLabelValues("expired").Inc()
			log.Warn().Str("attemptId", current.AttemptID).Msg("heartbeat: lease already expired")
		} else {
			metrics.HeartbeatExtensions.WithLabelValues("error").Inc()
			log.Error().Err(err).Str("attemptId", current.AttemptID).Msg("heartbeat: extend failed")
		}
		return
	}

	now := time.Now()
	current.RecordHeartbeat(now)
	metrics.HeartbeatExtensions.WithLabelValues("ok").Inc()
	if gap := now.Sub(prev); gap > h.Visibility {
		metrics.HeartbeatPeriodOverruns.Inc()
		log.Error().Dur("gap", gap).Dur("visibility", h.Visibility).Str("attemptId", current.AttemptID).
			Msg("heartbeat: extension gap exceeded the visibility timeout")
	}
}
