// Package api provides the admin HTTP endpoints for health, cache and
// interception control
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pirlsquiz/cachekit/internal/cache"
	"github.com/pirlsquiz/cachekit/internal/intercept"
	"github.com/pirlsquiz/cachekit/internal/metrics"
	"github.com/pirlsquiz/cachekit/pkg/errors"
	"github.com/pirlsquiz/cachekit/pkg/health"
)

const entriesPath = "/cache/entries/"

// Server provides the admin HTTP API
type Server struct {
	httpServer *http.Server
	config     ServerConfig

	cache   *cache.Manager
	worker  *intercept.Worker
	health  *health.Tracker
	metrics *metrics.Collector
	logger  *slog.Logger
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8081")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// MaxBodyBytes bounds the size of a stored cache value
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableMetrics serves the Prometheus registry on /metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`

	// Version is reported by /info
	Version string `yaml:"-" json:"-"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "localhost:8081",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		MaxBodyBytes:  32 << 20,
		EnableCORS:    true,
		EnableMetrics: true,
		Version:       "dev",
	}
}

// Backends are the components the API exposes. Any of them may be nil;
// the matching endpoints then answer 503.
type Backends struct {
	Cache   *cache.Manager
	Worker  *intercept.Worker
	Health  *health.Tracker
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, backends Backends) *Server {
	logger := backends.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  config,
		cache:   backends.Cache,
		worker:  backends.Worker,
		health:  backends.Health,
		metrics: backends.Metrics,
		logger:  logger.With("component", "api"),
	}

	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           s.Handler(),
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return s
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/components", s.handleHealthComponents)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)

	// Cache manager endpoints
	mux.HandleFunc("/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/cache/sweep", s.handleCacheSweep)
	mux.HandleFunc(entriesPath, s.handleCacheEntry)

	// Interception layer endpoints
	mux.HandleFunc("/sw/control", s.handleControl)
	mux.HandleFunc("/sw/partitions", s.handlePartitions)

	if s.config.EnableMetrics {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	mux.HandleFunc("/info", s.handleInfo)

	handler := s.loggingMiddleware(mux)
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	return handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overall := s.health.GetOverallHealth()
	response := map[string]interface{}{
		"status":     overall.String(),
		"timestamp":  time.Now(),
		"components": len(s.health.ComponentNames()),
	}

	statusCode := http.StatusOK
	switch overall {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	if s.health == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}

	s.respondJSON(w, http.StatusOK, s.health.GetAllComponents())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// handleReadiness reports ready once the worker has activated and no
// component other than the large tier is unavailable. The cache manager
// keeps serving from the small tier alone.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	ready := true
	response := map[string]interface{}{"timestamp": time.Now()}

	if s.health != nil {
		response["status"] = s.health.GetOverallHealth().String()
		for _, name := range s.health.ComponentNames() {
			if name != health.ComponentLargeTier && s.health.GetState(name) == health.StateUnavailable {
				ready = false
			}
		}
	}
	if s.worker != nil {
		state := s.worker.State()
		response["worker_state"] = state
		ready = ready && state == intercept.StateActivated
	}
	response["ready"] = ready

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, response)
}

// Cache endpoint handlers

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	if s.cache == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache manager not configured")
		return
	}

	s.respondJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Server) handleCacheSweep(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	if s.cache == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache manager not configured")
		return
	}

	result := s.cache.ClearExpired(r.Context())
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"removed":   result,
		"timestamp": time.Now(),
	})
}

// handleCacheEntry serves GET, PUT and DELETE on /cache/entries/{key}.
// ?large=true selects the large tier.
func (s *Server) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet, http.MethodPut, http.MethodDelete) {
		return
	}
	if s.cache == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Cache manager not configured")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, entriesPath)
	if key == "" {
		s.respondError(w, http.StatusBadRequest, "Key required")
		return
	}

	var opts []cache.AccessOption
	if large, _ := strconv.ParseBool(r.URL.Query().Get("large")); large {
		opts = append(opts, cache.PreferLargeTier())
	}

	switch r.Method {
	case http.MethodGet:
		value, ok := s.cache.Get(r.Context(), key, opts...)
		if !ok {
			s.respondError(w, http.StatusNotFound, "Entry not found: "+key)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(value); err != nil {
			s.logger.Debug("Failed to write entry", "key", key, "error", err)
		}

	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
		if err != nil {
			s.respondError(w, http.StatusRequestEntityTooLarge, "Value too large")
			return
		}
		if !json.Valid(body) {
			s.respondError(w, http.StatusBadRequest, "Value must be valid JSON")
			return
		}
		s.cache.Set(r.Context(), key, json.RawMessage(body), opts...)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		s.cache.Delete(r.Context(), key)
		w.WriteHeader(http.StatusNoContent)
	}
}

// Interception endpoint handlers

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	if s.worker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Interception not configured")
		return
	}

	var msg intercept.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&msg); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid control message")
		return
	}

	reply := make(chan intercept.Reply, 1)
	if err := s.worker.HandleMessage(r.Context(), msg, reply); err != nil {
		s.respondCacheError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, <-reply)
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	if s.worker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Interception not configured")
		return
	}

	partitions := s.worker.Partitions()
	if partitions == nil {
		partitions = []intercept.PartitionInfo{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"version":    s.worker.Version(),
		"state":      s.worker.State(),
		"partitions": partitions,
	})
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	endpoints := []string{
		"/health",
		"/health/components",
		"/health/live",
		"/health/ready",
		"/cache/stats",
		"/cache/sweep",
		"/cache/entries/{key}",
		"/sw/control",
		"/sw/partitions",
		"/info",
	}
	if s.config.EnableMetrics {
		endpoints = append(endpoints, "/metrics")
	}

	info := map[string]interface{}{
		"service":   "cachekit admin API",
		"version":   s.config.Version,
		"timestamp": time.Now(),
		"endpoints": endpoints,
	}
	if s.cache != nil {
		info["cache_version"] = s.cache.Version()
	}
	if s.worker != nil {
		info["intercept_version"] = s.worker.Version()
	}

	s.respondJSON(w, http.StatusOK, info)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("API request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondCacheError maps a CacheError to its HTTP status and body.
func (s *Server) respondCacheError(w http.ResponseWriter, err error) {
	var cacheErr *errors.CacheError
	if stderrors.As(err, &cacheErr) && cacheErr.HTTPStatus != 0 {
		s.respondJSON(w, cacheErr.HTTPStatus, map[string]interface{}{
			"error":     cacheErr.Message,
			"code":      cacheErr.Code,
			"details":   cacheErr.Details,
			"timestamp": cacheErr.Timestamp,
		})
		return
	}
	s.respondError(w, http.StatusInternalServerError, err.Error())
}
