// Package diag serves the loopback diagnostics endpoint: a liveness probe
// and Prometheus metrics. It carries no control authority; everything that
// mutates engine state goes through the control socket.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tad-europe/rvguard/internal/driver"
	"github.com/tad-europe/rvguard/internal/version"
)

// Server is the diagnostics HTTP server.
type Server struct {
	log    *logrus.Logger
	engine *driver.Engine
	srv    *http.Server
}

// New builds the server for addr; addr should stay on loopback.
func New(log *logrus.Logger, engine *driver.Engine, addr string) *Server {
	s := &Server{log: log, engine: engine}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ProtectedPID   uint32 `json:"protected_pid"`
	HeartbeatAlive bool   `json:"heartbeat_alive"`
	InputLocked    bool   `json:"input_locked"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		Version:        version.Version,
		ProtectedPID:   s.engine.ServicePID(),
		HeartbeatAlive: s.engine.Watchdog().Alive(),
		InputLocked:    s.engine.InputLocked(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithError(err).Error("Failed to write health response")
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.log.WithField("addr", s.srv.Addr).Info("Diagnostics server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
