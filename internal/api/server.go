// Package api implements the UI-facing HTTP API: broker config CRUD,
// position queries, the live event feed, and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshtrail/meshtrail/internal/buildinfo"
	"github.com/meshtrail/meshtrail/internal/events"
	"github.com/meshtrail/meshtrail/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ConnectionReporter exposes the supervisor's view of the active
// connection set for /health.
type ConnectionReporter interface {
	ActiveCount() int
	Status() map[string]string
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	store       *store.Store
	connections ConnectionReporter
	bus         *events.Bus
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates an API server over the given store. connections and
// bus may be nil (e.g. in tests exercising only the CRUD surface).
func NewServer(address string, port int, st *store.Store, connections ConnectionReporter, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address:     address,
		port:        port,
		store:       st,
		connections: connections,
		bus:         bus,
		logger:      logger,
	}
}

// Handler builds the route table. Exposed separately from Start so tests
// can drive it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Broker config management
	mux.HandleFunc("POST /api/brokers", s.handleBrokerCreate)
	mux.HandleFunc("GET /api/brokers", s.handleBrokerList)
	mux.HandleFunc("GET /api/brokers/{id}", s.handleBrokerGet)
	mux.HandleFunc("PATCH /api/brokers/{id}", s.handleBrokerUpdate)
	mux.HandleFunc("DELETE /api/brokers/{id}", s.handleBrokerDelete)

	// Position queries
	mux.HandleFunc("GET /api/positions/latest", s.handlePositionLatest)
	mux.HandleFunc("GET /api/positions/history", s.handlePositionHistory)
	mux.HandleFunc("GET /api/brokers/{id}/positions", s.handleBrokerPositions)

	// Live event feed
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Onboarding
	mux.HandleFunc("GET /api/onboarding/qr", s.handleOnboardingQR)

	// Operational endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // long for the WebSocket feed
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Meshtrail",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.connections != nil {
		resp["active_connections"] = s.connections.ActiveCount()
		resp["brokers"] = s.connections.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// errorResponse writes a JSON error envelope with the given status.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// storeError maps store sentinel errors onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalid):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("store operation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}
