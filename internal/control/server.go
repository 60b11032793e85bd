// Package control is a small observability surface: a health check, a
// point-in-time JSON status snapshot, and a WebSocket feed that pushes the
// same snapshot on an interval. It carries none of the RPC method routing
// or managed-mode CRUD surface of goclaw's gateway server — this engine's
// channel adapters call the Dispatcher directly instead of going through a
// control-plane connection, so there is nothing left here to route beyond
// read-only status.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/orbiterhq/orbiter/internal/channels"
	"github.com/orbiterhq/orbiter/internal/config"
	"github.com/orbiterhq/orbiter/internal/cron"
	"github.com/orbiterhq/orbiter/internal/sessions"
)

// Snapshot is the status payload served by /status and pushed over /status/ws.
type Snapshot struct {
	Time         time.Time       `json:"time"`
	Channels     map[string]bool `json:"channels"`
	CronJobs     int             `json:"cron_jobs"`
	CronEnabled  int             `json:"cron_jobs_enabled"`
	SessionCount int             `json:"session_count"`
}

// Server is the control-plane HTTP+WS listener.
type Server struct {
	cfg      config.GatewayConfig
	manager  *channels.Manager
	engine   *cron.Engine
	sessions *sessions.Registry

	pushInterval time.Duration

	mu         sync.Mutex
	httpServer *http.Server
}

// New builds a control server over the engine's already-running components.
// It does not start listening until Start is called.
func New(cfg config.GatewayConfig, manager *channels.Manager, engine *cron.Engine, registry *sessions.Registry) *Server {
	return &Server{
		cfg:          cfg,
		manager:      manager,
		engine:       engine,
		sessions:     registry,
		pushInterval: 5 * time.Second,
	}
}

func (s *Server) snapshot() Snapshot {
	jobs := s.engine.List()
	enabled := 0
	for _, j := range jobs {
		if j.Enabled {
			enabled++
		}
	}
	return Snapshot{
		Time:         time.Now(),
		Channels:     s.manager.GetStatus(),
		CronJobs:     len(jobs),
		CronEnabled:  enabled,
		SessionCount: len(s.sessions.List()),
	}
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/ws", s.handleStatusWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.checkToken(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) checkToken(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got := r.Header.Get("Authorization")
	if got == "Bearer "+s.cfg.Token {
		return true
	}
	w.WriteHeader(http.StatusUnauthorized)
	return false
}

// handleStatusWS upgrades to a WebSocket and pushes a status snapshot every
// pushInterval until the client disconnects or the request context ends.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkToken(w, r) {
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		slog.Error("control.ws_accept_failed", "error", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		if err := wsjson.Write(ctx, c, s.snapshot()); err != nil {
			c.Close(websocket.StatusInternalError, "write failed")
			return
		}
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.mu.Lock()
	s.httpServer = &http.Server{Addr: addr, Handler: s.buildMux()}
	s.mu.Unlock()

	slog.Info("control server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		srv.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}
