// Package api serves the worker's admin surface: liveness, readiness,
// Prometheus metrics and a JSON status snapshot.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"go.landform.dev/worker/internal/dispatch"
	"go.landform.dev/worker/internal/lifecycle"
	"go.landform.dev/worker/internal/watchdog"
)

// Server wires the admin routes over read-only snapshots of the chassis's
// shared state.
type Server struct {
	Addr string
	Idle *lifecycle.Controller
	Dog  *watchdog.Watchdog
	Loop *dispatch.Loop
	// StallAfter marks the consumer unready when the dispatch loop has not
	// completed a poll for this long. Zero disables the check.
	StallAfter time.Duration

	srv *http.Server
}

type statusResponse struct {
	Idle          lifecycle.IdleState `json:"idle"`
	Watchdog      watchdog.Stats      `json:"watchdog"`
	InFlight      bool                `json:"inFlight"`
	InFlightAgeMS int64               `json:"inFlightAgeMs,omitempty"`
	LastPollAt    time.Time           `json:"lastPollAt"`
}

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.Idle != nil && s.Idle.IdleCommitted() {
			http.Error(w, "idle-committed; shutting down", http.StatusServiceUnavailable)
			return
		}
		if s.StallAfter > 0 && s.Loop != nil {
			if last := s.Loop.LastPollAt(); !last.IsZero() && time.Since(last) > s.StallAfter {
				http.Error(w, "consumer stalled", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{}
		if s.Idle != nil {
			resp.Idle = s.Idle.Snapshot()
		}
		if s.Dog != nil {
			resp.Watchdog = s.Dog.Snapshot()
		}
		if s.Loop != nil {
			resp.LastPollAt = s.Loop.LastPollAt()
			if f := s.Loop.Slot().Load(); f != nil {
				resp.InFlight = true
				resp.InFlightAgeMS = time.Since(f.StartedAt).Milliseconds()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return r
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	s.srv = &http.Server{Addr: s.Addr, Handler: s.Router()}
	go func() {
		log.Info().Str("addr", s.Addr).Msg("api: admin surface listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: server failed")
		}
	}()
}

// Shutdown drains the server; registered as the HTTP-phase shutdown hook.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
