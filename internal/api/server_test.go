package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.landform.dev/worker/internal/instancecontrol"
	"go.landform.dev/worker/internal/lifecycle"
)

func TestHealthzAlwaysOK(t *testing.T) {
	s := &Server{}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}
}

func TestReadyzUnavailableWhenIdleCommitted(t *testing.T) {
	idle := lifecycle.NewController(lifecycle.MethodLogIdle, "", 10*time.Millisecond, time.Hour, instancecontrol.NewFake("i-1"))
	idle.Startup(context.Background())
	idle.NoteEmpty(context.Background())
	time.Sleep(20 * time.Millisecond)
	idle.NoteEmpty(context.Background())
	if !idle.IdleCommitted() {
		t.Fatal("controller did not commit idle")
	}

	s := &Server{Idle: idle}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rr.Code)
	}
}

func TestStatusReturnsSnapshot(t *testing.T) {
	idle := lifecycle.NewController(lifecycle.MethodNone, "", 0, 0, instancecontrol.NewFake(""))
	s := &Server{Idle: idle}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if resp.InFlight {
		t.Fatal("reported in-flight with no loop wired")
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	s := &Server{}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rr.Code)
	}
}
