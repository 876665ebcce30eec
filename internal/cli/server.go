package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/openstack-archive/stx-utils/internal/observers/base"
	storageio "github.com/openstack-archive/stx-utils/internal/observers/storage-io"
)

// observerView is what the status server reads from the running observer
type observerView interface {
	Health() base.HealthStatus
	Monitor() *storageio.Monitor
}

// statusServer serves metrics, health and the monitor state over HTTP
type statusServer struct {
	router   *mux.Router
	observer observerView
	exporter *storageio.PrometheusExporter
	logger   *zap.Logger
	server   *http.Server
}

func newStatusServer(addr string, observer observerView, exporter *storageio.PrometheusExporter, logger *zap.Logger) *statusServer {
	s := &statusServer{
		router:   mux.NewRouter(),
		observer: observer,
		exporter: exporter,
		logger:   logger.Named("server"),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *statusServer) setupRoutes() {
	if s.exporter != nil {
		s.router.Handle("/metrics", s.exporter.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/thresholds", s.handleThresholds).Methods("PUT")
}

// ServeHTTP implements http.Handler
func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens in the background; listener failures are logged
func (s *statusServer) Start() {
	go func() {
		s.logger.Info("Status server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server
func (s *statusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /healthz
func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.observer.Health()
	status := http.StatusOK
	if health.State == base.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, health)
}

// handleStatus handles GET /status
func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	monitor := s.observer.Monitor()
	if monitor == nil {
		s.respondError(w, http.StatusServiceUnavailable, "monitor not started")
		return
	}
	s.respondJSON(w, http.StatusOK, monitor.Report())
}

// handleThresholds handles PUT /thresholds. Zero fields keep their value.
func (s *statusServer) handleThresholds(w http.ResponseWriter, r *http.Request) {
	monitor := s.observer.Monitor()
	if monitor == nil {
		s.respondError(w, http.StatusServiceUnavailable, "monitor not started")
		return
	}

	var t storageio.Thresholds
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&t); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid thresholds: %v", err))
		return
	}
	if t.SpikeCap < 0 || t.SustainedAwait < 0 {
		s.respondError(w, http.StatusBadRequest, "thresholds cannot be negative")
		return
	}

	monitor.SetThresholds(t)
	s.respondJSON(w, http.StatusOK, monitor.Report().Thresholds)
}

func (s *statusServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *statusServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
