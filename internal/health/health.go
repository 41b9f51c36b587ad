// Package health serves the agent's local status endpoint: liveness,
// readiness, and Prometheus metrics.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status represents the agent's readiness.
type Status string

const (
	// StatusReady indicates the agent is consuming tasks.
	StatusReady Status = "ready"
	// StatusDraining indicates the agent is shutting down.
	StatusDraining Status = "draining"
)

// Response is the body of the readiness endpoint.
type Response struct {
	Status Status `json:"status"`
	Uptime string `json:"uptime"`
}

// Server exposes /healthz, /readyz and /metrics on a local address.
type Server struct {
	httpServer *http.Server
	startTime  time.Time
	draining   atomic.Bool
	logger     *slog.Logger
}

// NewServer creates a status server listening on addr.
func NewServer(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		startTime: time.Now(),
		logger:    logger.With("component", "health"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()
}

// HTTPServer exposes the underlying server for shutdown wiring.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// SetDraining flips the readiness endpoint to draining.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Status: StatusReady,
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	code := http.StatusOK
	if s.draining.Load() {
		resp.Status = StatusDraining
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
