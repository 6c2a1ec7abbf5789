// Package dispatch implements the Service Loop: dequeue, classify, invoke
// the handler, and route the message to delete, fail queue or recycle, while
// publishing the current-message slot the heartbeat observes.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"go.landform.dev/worker/internal/codec"
	"go.landform.dev/worker/internal/credentials"
	"go.landform.dev/worker/internal/handler"
	"go.landform.dev/worker/internal/lifecycle"
	"go.landform.dev/worker/internal/metrics"
	"go.landform.dev/worker/internal/queue"
)

// Outcome classifies how a message left the loop.
type Outcome string

const (
	OutcomeHandled  Outcome = "handled"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
	OutcomeDropped  Outcome = "dropped"
	OutcomeRecycled Outcome = "recycled"
	OutcomeTooOld   Outcome = "too_old"
)

// ServiceLoopThrottle is the coarse backoff applied after an error caught at
// the top of a loop iteration.
const ServiceLoopThrottle = 60 * time.Second

// Config carries the Service Loop's policy knobs.
type Config struct {
	Variant         codec.Variant
	LongPoll        time.Duration
	MaxMessageAge   time.Duration
	MaxReceiveCount int

	DropPoisonMessages  bool
	DeprioritizeRetries bool
	SuppressRejections  bool

	// Throttle is the minimum per-iteration duration; the loop sleeps the
	// remainder after a fast iteration.
	Throttle time.Duration
}

// Watcher is the slice of the watchdog the loop needs: stats reset when a new
// message begins.
type Watcher interface {
	ResetForNewMessage()
}

// Loop is the dispatch engine. Construct with New, then Run.
type Loop struct {
	cfg     Config
	main    queue.Queue
	fail    queue.Queue // nil when no fail queue is configured
	codec   *codec.Codec
	handler handler.Handler
	creds   *credentials.Manager
	locks   *credentials.LockSet
	idle    *lifecycle.Controller
	watch   Watcher

	slot       Slot
	lastPollNS atomic.Int64
}

func New(cfg Config, main, fail queue.Queue, c *codec.Codec, h handler.Handler, creds *credentials.Manager, locks *credentials.LockSet, idle *lifecycle.Controller, watch Watcher) *Loop {
	if cfg.LongPoll <= 0 {
		cfg.LongPoll = 20 * time.Second
	}
	return &Loop{
		cfg:     cfg,
		main:    main,
		fail:    fail,
		codec:   c,
		handler: h,
		creds:   creds,
		locks:   locks,
		idle:    idle,
		watch:   watch,
	}
}

// Slot exposes the current-message slot for the heartbeat.
func (l *Loop) Slot() *Slot { return &l.slot }

// SetQueues swaps the queue handles after a credential rotation rebuilt the
// clients. Called from the credential manager's client factory, which holds
// both locks, so no dispatch or heartbeat critical section is in progress.
func (l *Loop) SetQueues(main, fail queue.Queue) {
	l.main = main
	l.fail = fail
}

// LastPollAt reports when the loop last completed a dequeue call, for the
// consumer-stall check on the readiness endpoint.
func (l *Loop) LastPollAt() time.Time {
	ns := l.lastPollNS.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run iterates until ctx is cancelled. Errors inside an iteration are caught
// here and answered with the coarse service-loop throttle.
func (l *Loop) Run(ctx context.Context) {
	l.idle.Startup(ctx)
	for ctx.Err() == nil {
		if err := l.iterate(ctx); err != nil {
			metrics.DispatchLoopErrors.Inc()
			log.Error().Err(err).Dur("throttle", ServiceLoopThrottle).Msg("dispatch: iteration failed; throttling")
			sleepCtx(ctx, ServiceLoopThrottle)
		}
	}
}

func (l *Loop) iterate(ctx context.Context) error {
	start := time.Now()
	if err := l.creds.CheckAndRefresh(ctx, false); err != nil {
		// Never fatal by itself; the next tick retries.
		log.Warn().Err(err).Msg("dispatch: credential check failed")
	}

	if l.idle.IdleCommitted() {
		l.idle.IdleTick(ctx)
		sleepCtx(ctx, time.Second)
		return nil
	}

	msgs, err := l.main.Dequeue(ctx, 1, l.cfg.LongPoll, 0)
	l.lastPollNS.Store(time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}

	if len(msgs) == 0 {
		l.idle.NoteEmpty(ctx)
	} else {
		l.idle.NoteBusy()
		metrics.QueueMessagesDequeued.WithLabelValues(l.main.Name()).Inc()
		l.dispatchOne(ctx, msgs[0])
	}

	if rest := l.cfg.Throttle - time.Since(start); rest > 0 {
		sleepCtx(ctx, rest)
	}
	return nil
}

func (l *Loop) dispatchOne(ctx context.Context, m *queue.Message) {
	now := time.Now()
	age := m.Age(now)
	if (l.cfg.MaxMessageAge > 0 && age > l.cfg.MaxMessageAge) ||
		(l.cfg.MaxReceiveCount > 0 && m.ApproxReceiveCount > l.cfg.MaxReceiveCount) {
		log.Warn().Str("messageId", m.MessageID).Dur("age", age).Int("receiveCount", m.ApproxReceiveCount).
			Msg("dispatch: message too old; culling")
		l.finish(ctx, m, OutcomeTooOld, true)
		return
	}

	parsed, err := l.parse(m)
	if err != nil {
		log.Warn().Err(err).Str("messageId", m.MessageID).Msg("dispatch: malformed payload; dropping")
		l.finish(ctx, m, OutcomeFailed, true)
		return
	}
	m.Variant = queue.ParsedVariant(parsed.Variant)

	if ok, reason := l.handler.Accept(m); !ok {
		ev := log.Info()
		if l.cfg.SuppressRejections {
			ev = log.Debug()
		}
		ev.Str("messageId", m.MessageID).Str("reason", reason).Str("message", l.handler.Describe(m, false)).
			Msg("dispatch: rejected")
		l.finish(ctx, m, OutcomeRejected, false)
		return
	}

	l.invoke(ctx, m, parsed)
}

func (l *Loop) parse(m *queue.Message) (*codec.Parsed, error) {
	if alt, ok := l.handler.(handler.AlternateParser); ok {
		if url, ok := alt.AlternateParse(m.Body); ok && url != "" {
			return &codec.Parsed{Variant: codec.VariantGeneric, URL: url}, nil
		}
	}
	return l.codec.Decode(l.cfg.Variant, m.Body)
}

// invoke runs the handler with the current-message slot populated, then
// classifies the result and routes the message.
func (l *Loop) invoke(ctx context.Context, m *queue.Message, parsed *codec.Parsed) {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inflight := &InFlight{
		AttemptID: uuid.NewString(),
		Msg:       m,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	if k, ok := l.handler.(handler.Killer); ok {
		inflight.killHook = k.KillExternalWork
	}

	if l.watch != nil {
		l.watch.ResetForNewMessage()
	}
	l.slot.Set(inflight)

	log.Info().Str("attemptId", inflight.AttemptID).Str("message", l.handler.Describe(m, false)).
		Msg("dispatch: handling")

	err := l.safeHandle(hctx, m)
	elapsed := time.Since(inflight.StartedAt)
	metrics.DispatchHandlerDuration.WithLabelValues(l.main.Name()).Observe(elapsed.Seconds())

	switch {
	case err == nil:
		log.Info().Str("attemptId", inflight.AttemptID).Dur("elapsed", elapsed).Msg("dispatch: handled")
		l.finish(ctx, m, OutcomeHandled, false)
	case inflight.Killed() && l.cfg.DropPoisonMessages:
		metrics.DispatchHandlersKilled.Inc()
		log.Warn().Str("attemptId", inflight.AttemptID).Dur("elapsed", elapsed).
			Msg("dispatch: handler killed; dropping poison message")
		l.finish(ctx, m, OutcomeDropped, false)
	case l.cfg.DeprioritizeRetries:
		if inflight.Killed() {
			metrics.DispatchHandlersKilled.Inc()
		}
		payload, rerr := l.recycledPayload(m, parsed)
		if rerr != nil {
			log.Error().Err(rerr).Str("attemptId", inflight.AttemptID).
				Msg("dispatch: recycle unavailable; failing message instead")
			l.finish(ctx, m, OutcomeFailed, true)
			break
		}
		sum := blake2b.Sum256([]byte(payload))
		log.Warn().Err(err).Str("attemptId", inflight.AttemptID).
			Hex("payloadHash", sum[:8]).Msg("dispatch: handler failed; recycling to tail")
		l.finish(ctx, m, OutcomeRecycled, false)
		if enqErr := l.main.Enqueue(ctx, payload); enqErr != nil {
			log.Error().Err(enqErr).Str("attemptId", inflight.AttemptID).Msg("dispatch: recycle enqueue failed")
		} else {
			metrics.QueueMessagesEnqueued.WithLabelValues(l.main.Name()).Inc()
		}
	default:
		if inflight.Killed() {
			metrics.DispatchHandlersKilled.Inc()
		}
		log.Warn().Err(err).Str("attemptId", inflight.AttemptID).Dur("elapsed", elapsed).
			Msg("dispatch: handler failed")
		l.finish(ctx, m, OutcomeFailed, true)
	}
}

// safeHandle invokes the handler, converting a panic into an error so it is
// classified like any other handler failure.
func (l *Loop) safeHandle(ctx context.Context, m *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: handler panic: %v", r)
		}
	}()
	return l.handler.Handle(ctx, m)
}

func (l *Loop) recycledPayload(m *queue.Message, parsed *codec.Parsed) (string, error) {
	if r, ok := l.handler.(handler.Recycler); ok {
		if payload, ok := r.RecycledCopy(m); ok {
			return payload, nil
		}
		return "", handler.ErrNoRecycleConstructor
	}
	payload, err := codec.RecycledCopy(parsed)
	if err != nil {
		return "", handler.ErrNoRecycleConstructor
	}
	return payload, nil
}

// finish deletes the message under L_del and clears the current-message
// slot, forwarding the body to the fail queue first when requested. The
// delete and the slot clear share the critical section so the heartbeat can
// never extend a message after its delete (no-extend-after-delete).
func (l *Loop) finish(ctx context.Context, m *queue.Message, outcome Outcome, forwardToFail bool) {
	if forwardToFail && l.fail != nil {
		if err := l.fail.Enqueue(ctx, m.Body); err != nil {
			log.Error().Err(err).Str("messageId", m.MessageID).Msg("dispatch: fail-queue enqueue failed")
		} else {
			metrics.QueueMessagesEnqueued.WithLabelValues(l.fail.Name()).Inc()
		}
	}

	l.locks.LDel.Lock()
	if err := l.main.Delete(ctx, m); err != nil {
		log.Error().Err(err).Str("messageId", m.MessageID).Msg("dispatch: delete failed")
	}
	l.slot.Clear()
	l.locks.LDel.Unlock()

	metrics.DispatchMessagesProcessed.WithLabelValues(l.main.Name(), string(outcome)).Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
