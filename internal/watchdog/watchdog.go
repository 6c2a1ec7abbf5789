// Package watchdog samples free system memory on a fixed period, escalating
// through warn, cleanup and abort thresholds, and supervises auxiliary host
// processes, restarting them after repeated absence.
package watchdog

import (
	"context"
	"os/exec"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"go.landform.dev/worker/internal/metrics"
)

// Thresholds in bytes; Abort <= Cleanup <= Warn must hold.
type Thresholds struct {
	Warn    uint64
	Cleanup uint64
	Abort   uint64
}

// Valid reports whether the threshold ordering holds.
func (t Thresholds) Valid() bool {
	return t.Abort <= t.Cleanup && t.Cleanup <= t.Warn
}

// ResolveThreshold converts a configured value into absolute bytes. Values
// >= 1 are gigabytes. Fractional values are a fraction of total memory on
// hosts smaller than the reference size, and absolute fractional GiB on
// hosts at or above it.
func ResolveThreshold(configured float64, totalMemory uint64, referenceMemory uint64) uint64 {
	const gib = 1 << 30
	if configured >= 1 {
		return uint64(configured * gib)
	}
	if totalMemory >= referenceMemory {
		return uint64(configured * gib)
	}
	return uint64(configured * float64(totalMemory))
}

// AuxProcess is one configured auxiliary process to supervise.
type AuxProcess struct {
	Name           string
	RestartCommand string
	// MaxMisses is how many consecutive absent samples trigger a restart
	// (default 12).
	MaxMisses int

	misses     int
	wasRunning bool
}

// Stats is the sampled watchdog state exposed to operator tooling.
type Stats struct {
	MinFreeMemory          uint64
	MinFreeMemoryTimestamp time.Time
	WarnCount              int
	CollectCount           int
	AbortCount             int
}

// Watchdog runs the periodic memory and process sampling loop.
type Watchdog struct {
	Period          time.Duration
	Thresholds      Thresholds
	AbortCounterMax int
	AuxProcesses    []*AuxProcess
	// OnAbort is called when the abort counter reaches zero; in production
	// this exits the process with the distinguished watchdog exit code.
	OnAbort func()

	mu           sync.RWMutex
	stats        Stats
	abortCounter int
}

func New(period time.Duration, thresholds Thresholds, abortCounterMax int, aux []*AuxProcess, onAbort func()) *Watchdog {
	if abortCounterMax <= 0 {
		abortCounterMax = 2
	}
	return &Watchdog{
		Period:          period,
		Thresholds:      thresholds,
		AbortCounterMax: abortCounterMax,
		AuxProcesses:    aux,
		OnAbort:         onAbort,
		abortCounter:    abortCounterMax,
	}
}

// Snapshot returns a read-only copy of the current stats for operator
// status commands.
func (w *Watchdog) Snapshot() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// ResetForNewMessage clears the min-free-memory sample; called when a new
// message begins so the minimum is per-message.
func (w *Watchdog) ResetForNewMessage() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.MinFreeMemory = 0
	w.stats.MinFreeMemoryTimestamp = time.Time{}
}

// Run blocks, sampling every Period until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sample(ctx)
		}
	}
}

func (w *Watchdog) sample(ctx context.Context) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.Error().Err(err).Msg("watchdog: memory sample failed")
		return
	}
	free := vm.Available
	metrics.WatchdogFreeMemory.Set(float64(free))

	w.mu.Lock()
	if w.stats.MinFreeMemory == 0 || free < w.stats.MinFreeMemory {
		w.stats.MinFreeMemory = free
		w.stats.MinFreeMemoryTimestamp = time.Now()
	}
	w.mu.Unlock()

	switch {
	case free < w.Thresholds.Abort:
		w.abortCounter--
		w.mu.Lock()
		w.stats.AbortCount++
		w.mu.Unlock()
		metrics.WatchdogThresholdBreaches.WithLabelValues("abort").Inc()
		log.Warn().Uint64("freeBytes", free).Int("abortCounter", w.abortCounter).Msg("watchdog: below abort threshold")
		if w.abortCounter <= 0 {
			log.Error().Msg("watchdog: abort threshold breached repeatedly; exiting")
			if w.OnAbort != nil {
				w.OnAbort()
			}
			return
		}
		w.clearCachesAndHintGC()
	case free < w.Thresholds.Cleanup:
		w.clearCachesAndHintGC()
		w.mu.Lock()
		w.stats.CollectCount++
		w.mu.Unlock()
		metrics.WatchdogThresholdBreaches.WithLabelValues("cleanup").Inc()
		w.abortCounter = w.AbortCounterMax
	case free < w.Thresholds.Warn:
		w.mu.Lock()
		w.stats.WarnCount++
		w.mu.Unlock()
		metrics.WatchdogThresholdBreaches.WithLabelValues("warn").Inc()
		log.Warn().Uint64("freeBytes", free).Msg("watchdog: below warn threshold")
		w.abortCounter = w.AbortCounterMax
	default:
		w.abortCounter = w.AbortCounterMax
	}

	w.checkAuxProcesses(ctx)
}

func (w *Watchdog) clearCachesAndHintGC() {
	debug.FreeOSMemory()
	runtime.GC()
}

func (w *Watchdog) checkAuxProcesses(ctx context.Context) {
	for _, aux := range w.AuxProcesses {
		running := isProcessRunning(ctx, aux.Name)
		if !running && aux.wasRunning {
			aux.misses++
			max := aux.MaxMisses
			if max <= 0 {
				max = 12
			}
			if aux.misses >= max {
				log.Warn().Str("process", aux.Name).Msg("watchdog: auxiliary process missing; restarting")
				metrics.WatchdogProcessRestarts.WithLabelValues(aux.Name).Inc()
				if aux.RestartCommand != "" {
					cmd := exec.CommandContext(ctx, "sh", "-c", aux.RestartCommand)
					if err := cmd.Start(); err != nil {
						log.Error().Err(err).Str("process", aux.Name).Msg("watchdog: restart command failed")
					}
				}
				aux.misses = 0
			}
		} else if running {
			aux.misses = 0
		}
		aux.wasRunning = running
	}
}

func isProcessRunning(ctx context.Context, name string) bool {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		log.Error().Err(err).Msg("watchdog: list processes failed")
		return false
	}
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err == nil && n == name {
			return true
		}
	}
	return false
}
