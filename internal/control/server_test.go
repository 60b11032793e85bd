package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orbiterhq/orbiter/internal/channels"
	"github.com/orbiterhq/orbiter/internal/config"
	"github.com/orbiterhq/orbiter/internal/cron"
	"github.com/orbiterhq/orbiter/internal/sessions"
	"github.com/orbiterhq/orbiter/internal/store/file"
)

func newTestServer(t *testing.T, cfg config.GatewayConfig) *Server {
	t.Helper()
	cronStore, err := file.NewCronStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCronStore: %v", err)
	}
	engine := cron.New(cronStore, cron.Hooks{}, cron.DefaultRetryConfig())
	return New(cfg, channels.NewManager(0), engine, sessions.NewRegistry())
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := newTestServer(t, config.GatewayConfig{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	s.buildMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleStatus_NoTokenRequiredByDefault(t *testing.T) {
	s := newTestServer(t, config.GatewayConfig{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)

	s.buildMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Channels == nil {
		t.Error("expected non-nil channels map")
	}
}

func TestHandleStatus_RejectsMissingToken(t *testing.T) {
	s := newTestServer(t, config.GatewayConfig{Token: "secret"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)

	s.buildMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleStatus_AcceptsCorrectToken(t *testing.T) {
	s := newTestServer(t, config.GatewayConfig{Token: "secret"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")

	s.buildMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSnapshot_ReflectsCronJobCounts(t *testing.T) {
	s := newTestServer(t, config.GatewayConfig{})
	if err := s.engine.Add(&cron.Job{ID: "a", Name: "a", Enabled: true, ScheduleKind: cron.ScheduleEvery, Every: time.Minute}); err != nil {
		t.Fatalf("Add(a): %v", err)
	}
	if err := s.engine.Add(&cron.Job{ID: "b", Name: "b", Enabled: false, ScheduleKind: cron.ScheduleEvery, Every: time.Minute}); err != nil {
		t.Fatalf("Add(b): %v", err)
	}

	snap := s.snapshot()
	if snap.CronJobs != 2 {
		t.Errorf("CronJobs = %d, want 2", snap.CronJobs)
	}
	if snap.CronEnabled != 1 {
		t.Errorf("CronEnabled = %d, want 1", snap.CronEnabled)
	}
}
