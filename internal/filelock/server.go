package filelock

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/autobuildhq/autobuild/internal/errors"
	"github.com/autobuildhq/autobuild/internal/event"
	"github.com/autobuildhq/autobuild/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the lease registry as a local HTTP JSON service so agent
// processes and operator tooling outside the orchestrator can coordinate
// through the same table.
type Server struct {
	registry *Registry
	bus      *event.Bus
	logger   *logging.Logger
	mux      *http.ServeMux
	server   *http.Server

	mu        sync.Mutex
	boundAddr string
}

// NewServer creates a lock service bound to addr (host:port; port 0 picks
// an ephemeral port). The bus feeds the /v1/events stream and may be nil
// to disable it. A nil logger discards logs.
func NewServer(addr string, registry *Registry, bus *event.Bus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		registry: registry,
		bus:      bus,
		logger:   logger,
	}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/acquire", s.handleAcquire)
	s.mux.HandleFunc("POST /v1/release", s.handleRelease)
	s.mux.HandleFunc("POST /v1/renew", s.handleRenew)
	s.mux.HandleFunc("GET /v1/locks", s.handleLocks)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// ListenAndServe runs the service until the context is cancelled, then
// shuts down gracefully. It returns nil on clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("lock service listen on %s: %w", s.server.Addr, err)
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info("lock service listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("lock service shutdown: %w", err)
		}
		<-errCh
		s.logger.Info("lock service stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("lock service: %w", err)
	}
}

// Addr returns the bound listen address, or "" before ListenAndServe has
// bound the socket. Callers using port 0 read the assigned port from here.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type acquireRequest struct {
	WorkerID string   `json:"worker_id"`
	Paths    []string `json:"paths"`
}

type acquireResponse struct {
	Granted bool `json:"granted"`
}

type releaseRequest struct {
	WorkerID string `json:"worker_id"`
}

type releaseResponse struct {
	Released int `json:"released"`
}

type renewResponse struct {
	Renewed int `json:"renewed"`
}

type locksResponse struct {
	Locks []Lease `json:"locks"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	granted := s.registry.Acquire(req.WorkerID, req.Paths)
	s.logger.Debug("acquire handled",
		"worker", req.WorkerID, "paths", len(req.Paths), "granted", granted)
	writeJSON(w, http.StatusOK, acquireResponse{Granted: granted})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	released := s.registry.Release(req.WorkerID)
	writeJSON(w, http.StatusOK, releaseResponse{Released: released})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	renewed := s.registry.Renew(req.WorkerID)
	writeJSON(w, http.StatusOK, renewResponse{Renewed: renewed})
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, locksResponse{Locks: s.registry.Leases()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response. Encode errors are unrecoverable once
// the status line is out, so they are dropped.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// readJSON decodes a JSON request body into v.
func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("empty request body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
