// Package server exposes health, metrics and manual poll endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"nextcloud-notifier/poll"
	"time"
)

// Poller is the scheduler as seen by the HTTP surface.
type Poller interface {
	State() poll.State
	Trigger()
}

// Metrics exposes and records HTTP metrics.
type Metrics interface {
	Handler() http.Handler
	InstrumentHandler(next http.Handler) http.Handler
}

// Server handles HTTP requests.
type Server struct {
	poller  Poller
	metrics Metrics
	limiter *clientLimiter
	logger  *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Poller  Poller
	Metrics Metrics // Optional
	Logger  *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		poller:  cfg.Poller,
		metrics: cfg.Metrics,
		limiter: newClientLimiter(),
		logger:  cfg.Logger,
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	if s.metrics == nil {
		return mux
	}
	mux.Handle("/metrics", s.metrics.Handler())
	return s.metrics.InstrumentHandler(mux)
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.poller.State()
	resp := healthResponse{Status: "healthy", State: state.String()}
	code := http.StatusOK
	if state == poll.StateStopped {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	s.logger.Info("Poll endpoint triggered", "ip", ip)
	s.poller.Trigger()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte(`{"status":"triggered"}`)); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
