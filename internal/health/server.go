// Package health provides the HTTP health and metrics endpoints for
// long-running probe sessions.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider reports the probe engine's current state.
type StatsProvider interface {
	// Stats returns a snapshot of the engine state.
	Stats() Stats
}

// Stats is the health snapshot served at /healthz.
type Stats struct {
	Destinations      int  `json:"destinations"`
	DispatcherRunning bool `json:"dispatcher_running"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":9110").
	Address string

	// ReadTimeout and WriteTimeout bound HTTP exchanges.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9110",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for the health and metrics endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	server   *http.Server
	listener net.Listener
}

// NewServer creates a health server with the given stats provider.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins listening. It returns once the listener is bound; serving
// continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.server.Serve(ln)
	return nil
}

// Address returns the bound listen address, useful when the configured
// port is 0.
func (s *Server) Address() string {
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleReadyz reports readiness. The probe engine has no warm-up phase,
// so the server is ready as soon as it answers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ready": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := Stats{}
	if s.provider != nil {
		stats = s.provider.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
