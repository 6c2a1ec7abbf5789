// Package lifecycle owns the worker host's own lifecycle: idle detection and
// the idle-shutdown method table, plus graceful shutdown orchestration of the
// chassis's goroutines (shutdown.go).
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go.landform.dev/worker/internal/instancecontrol"
	"go.landform.dev/worker/internal/metrics"
)

// Method selects what the worker does once idle-committed.
type Method string

const (
	MethodNone                   Method = "None"
	MethodLogIdle                Method = "LogIdle"
	MethodLogIdleProtected       Method = "LogIdleProtected"
	MethodScaleToZero            Method = "ScaleToZero"
	MethodStopInstance           Method = "StopInstance"
	MethodShutdown               Method = "Shutdown"
	MethodStopInstanceOrShutdown Method = "StopInstanceOrShutdown"
)

// IdleMarker is the canonical marker string the autoscaler's log scraper
// matches on. Re-emitted on every idle event while the worker is still
// running, so a failed scale-down keeps being retried.
const IdleMarker = "LANDFORM_WORKER_IDLE"

// IdleState mirrors the idle-tracking entity: pending and committed start
// times, the last idle event, and whether shutdown has been initiated.
type IdleState struct {
	PendingStart      time.Time
	CommittedStart    time.Time
	LastEvent         time.Time
	ShutdownInitiated bool
}

// Controller implements the idle-shutdown state machine. The service loop
// drives it: NoteBusy/NoteEmpty on each dequeue, IdleTick while committed.
type Controller struct {
	Method        Method
	Group         string
	IdleAfter     time.Duration
	Failsafe      time.Duration
	EventThrottle time.Duration
	Instance      instancecontrol.Adapter

	mu            sync.Mutex
	state         IdleState
	instanceID    string
	hasInstanceID bool
	failsafeFired bool
	eventLimiter  *rate.Limiter
}

func NewController(method Method, group string, idleAfter, failsafe time.Duration, adapter instancecontrol.Adapter) *Controller {
	if failsafe <= 0 {
		failsafe = time.Hour
	}
	throttle := 60 * time.Second
	return &Controller{
		Method:        method,
		Group:         group,
		IdleAfter:     idleAfter,
		Failsafe:      failsafe,
		EventThrottle: throttle,
		Instance:      adapter,
		eventLimiter:  rate.NewLimiter(rate.Every(throttle), 1),
	}
}

// Startup resolves the self-instance identity and, for LogIdleProtected,
// enables scale-in protection as an eager handshake with the autoscaling
// group.
func (c *Controller) Startup(ctx context.Context) {
	if c.Instance != nil {
		c.instanceID, c.hasInstanceID = c.Instance.SelfInstanceID(ctx)
	}
	if c.Method == MethodLogIdleProtected && c.hasInstanceID {
		if err := c.Instance.SetScaleInProtection(ctx, c.Group, c.instanceID, true); err != nil {
			log.Warn().Err(err).Msg("lifecycle: eager scale-in protection failed")
		}
	}
}

// Snapshot returns a copy of the idle state for operator status endpoints.
func (c *Controller) Snapshot() IdleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NoteBusy resets the idle-pending timer; a message arrived.
func (c *Controller) NoteBusy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.PendingStart = time.Time{}
}

// NoteEmpty advances the idle-pending timer on an empty dequeue, committing
// the idle state once idle-shutdown-sec has elapsed.
func (c *Controller) NoteEmpty(ctx context.Context) {
	// Idle tracking only runs when idle shutdown is configured and the
	// worker knows its own instance identity.
	if c.Method == MethodNone || c.IdleAfter <= 0 || !c.hasInstanceID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	switch {
	case c.state.PendingStart.IsZero():
		c.state.PendingStart = now
	case now.Sub(c.state.PendingStart) > c.IdleAfter && c.state.CommittedStart.IsZero():
		c.state.CommittedStart = now
		log.Info().Dur("idleFor", now.Sub(c.state.PendingStart)).Str("method", string(c.Method)).
			Msg("lifecycle: idle committed")
	}
}

// IdleCommitted reports whether the worker has committed to being idle.
func (c *Controller) IdleCommitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.state.CommittedStart.IsZero()
}

// IdleTick runs once per service-loop tick while idle-committed: emit the
// throttled idle marker, initiate the configured shutdown method once, and
// fire the failsafe OS shutdown when the worker has lingered too long.
func (c *Controller) IdleTick(ctx context.Context) {
	c.mu.Lock()
	committed := c.state.CommittedStart
	initiated := c.state.ShutdownInitiated
	c.mu.Unlock()
	if committed.IsZero() {
		return
	}

	if time.Since(committed) > c.Failsafe {
		c.mu.Lock()
		fired := c.failsafeFired
		c.failsafeFired = true
		c.mu.Unlock()
		if !fired {
			log.Error().Dur("idleFor", time.Since(committed)).Msg("lifecycle: idle failsafe; requesting OS shutdown")
			if err := c.Instance.RequestShutdown(ctx); err != nil {
				log.Error().Err(err).Msg("lifecycle: failsafe shutdown failed")
			}
		}
		return
	}

	if !c.eventLimiter.Allow() {
		return
	}
	log.Info().Str("method", string(c.Method)).Msg(IdleMarker)
	metrics.LifecycleIdleEvents.Inc()
	c.mu.Lock()
	c.state.LastEvent = time.Now()
	c.mu.Unlock()

	if initiated {
		return
	}
	if c.initiate(ctx) {
		c.mu.Lock()
		c.state.ShutdownInitiated = true
		c.mu.Unlock()
		metrics.LifecycleShutdownInitiated.Set(1)
	}
}

// initiate applies the method policy table. A false return means the
// control-plane call failed and the next idle event retries.
func (c *Controller) initiate(ctx context.Context) bool {
	switch c.Method {
	case MethodNone:
		return true
	case MethodLogIdle:
		// The marker emitted by IdleTick is the whole action.
		return true
	case MethodLogIdleProtected:
		if err := c.Instance.SetScaleInProtection(ctx, c.Group, c.instanceID, false); err != nil {
			log.Error().Err(err).Msg("lifecycle: disable scale-in protection failed; will retry")
			return false
		}
		return true
	case MethodScaleToZero:
		zero := int32(0)
		if err := c.Instance.SetGroupSize(ctx, c.Group, nil, &zero, nil); err != nil {
			log.Error().Err(err).Str("group", c.Group).Msg("lifecycle: scale-to-zero failed; will retry")
			return false
		}
		return true
	case MethodStopInstance:
		if err := c.Instance.Stop(ctx, c.instanceID); err != nil {
			log.Error().Err(err).Msg("lifecycle: stop instance failed; will retry")
			return false
		}
		return true
	case MethodShutdown:
		if err := c.Instance.RequestShutdown(ctx); err != nil {
			log.Error().Err(err).Msg("lifecycle: OS shutdown failed; will retry")
			return false
		}
		return true
	case MethodStopInstanceOrShutdown:
		if err := c.Instance.Stop(ctx, c.instanceID); err == nil {
			return true
		}
		if err := c.Instance.RequestShutdown(ctx); err != nil {
			log.Error().Err(err).Msg("lifecycle: stop and OS shutdown both failed; will retry")
			return false
		}
		return true
	default:
		log.Error().Str("method", string(c.Method)).Msg("lifecycle: unknown idle-shutdown method")
		return true
	}
}
