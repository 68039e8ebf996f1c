// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// StateRunning is the loop state in which the sniffer counts as ready.
const StateRunning = "running"

// StateFunc reports the capture loop state by name.
type StateFunc func() string

// Server exposes the capture loop over HTTP. Readiness follows the loop
// state: the daemon is ready only while the loop is running, so it
// turns unready on its own once a shutdown starts draining.
type Server struct {
	addr    string
	version string
	stats   *Stats
	state   atomic.Pointer[StateFunc]
	srv     *http.Server
	logger  *zap.Logger
}

func NewServer(addr, version string, stats *Stats, logger *zap.Logger) *Server {
	return &Server{
		addr:    addr,
		version: version,
		stats:   stats,
		logger:  logger,
	}
}

// Attach connects the server to a capture loop. Until then the loop is
// reported as absent and the server is not ready.
func (s *Server) Attach(fn StateFunc) {
	s.state.Store(&fn)
}

func (s *Server) loopState() string {
	fn := s.state.Load()
	if fn == nil {
		return "absent"
	}
	return (*fn)()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", zap.Error(err))
		}
	}()
	s.logger.Info("health server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down, waiting up to five seconds for requests
// in flight.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

type statusResponse struct {
	Status      string `json:"status"`
	State       string `json:"state"`
	Version     string `json:"version,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
	NodesActive int64  `json:"nodes_active"`
}

func (s *Server) status() statusResponse {
	return statusResponse{
		State:       s.loopState(),
		NodesActive: s.stats.NodesActive.Load(),
	}
}

// handleHealth answers 200 for as long as the process serves HTTP; the
// body carries the loop state for operators.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := s.status()
	resp.Status = "healthy"
	resp.Version = s.version
	resp.Uptime = s.stats.Uptime().Truncate(time.Second).String()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	resp := s.status()
	if resp.State != StateRunning {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status = "ready"
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(s.stats.PrometheusMetrics()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
