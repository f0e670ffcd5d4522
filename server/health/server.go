// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxmesh/endpoint"
	"github.com/absmach/fluxmesh/fabric"
	"github.com/absmach/fluxmesh/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Fabric is the view of the orchestrator the health server reports on.
type Fabric interface {
	GetStats() fabric.Stats
}

// Endpoint is the view of a hosted endpoint the health server reports on.
type Endpoint interface {
	Stats() endpoint.Stats
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config    Config
	fabric    Fabric
	endpoints []Endpoint
	logger    *slog.Logger
	server    *http.Server
	listener  net.Listener
}

// New creates a new health check server. fabric may be nil for a process
// that only hosts endpoints.
func New(cfg Config, f Fabric, endpoints []Endpoint, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		fabric:    f,
		endpoints: endpoints,
		logger:    logger,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(f, endpoints))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/topology/status", s.handleTopologyStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe. An orchestrator is ready while
// its active endpoint is healthy; an endpoint-only process is ready once
// it hosts an endpoint.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.fabric == nil {
		if len(s.endpoints) == 0 {
			writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
				Status:  "not_ready",
				Details: "nothing to serve",
			})
			return
		}
		writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
		return
	}

	st := s.fabric.GetStats()
	if st.ActiveEndpoint == "" {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "fabric not connected",
		})
		return
	}
	if !st.ActiveHealthy {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "active endpoint " + st.ActiveEndpoint + " unhealthy",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// TopologyStatusResponse reports failover state and hosted endpoints.
type TopologyStatusResponse struct {
	ActiveEndpoint string            `json:"active_endpoint,omitempty"`
	ActiveHealthy  bool              `json:"active_healthy"`
	Members        []topology.Health `json:"members,omitempty"`
	Queued         int               `json:"queued"`
	Pending        int               `json:"pending_responses"`
	Hosted         []endpoint.Stats  `json:"hosted,omitempty"`
}

// handleTopologyStatus returns endpoint membership and health information.
func (s *Server) handleTopologyStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var resp TopologyStatusResponse
	if s.fabric != nil {
		st := s.fabric.GetStats()
		resp.ActiveEndpoint = st.ActiveEndpoint
		resp.ActiveHealthy = st.ActiveHealthy
		resp.Members = st.Endpoints
		resp.Queued = st.Queued
		resp.Pending = st.PendingResponses
	}
	for _, e := range s.endpoints {
		resp.Hosted = append(resp.Hosted, e.Stats())
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
