// Package api is the HTTP surface: request intake, the read-only DNS status
// endpoint, and health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"mailproof/pkg/check"
	"mailproof/pkg/config"
	"mailproof/pkg/logging"
	"mailproof/pkg/mailer"
	"mailproof/pkg/ratelimit"
	"mailproof/pkg/scheduler"
	"mailproof/pkg/store"
	"mailproof/pkg/telemetry"
)

// Server represents the API server
type Server struct {
	handler    http.Handler
	httpServer *http.Server
	logger     *logging.Logger

	// Dependencies
	store     store.Store
	engine    *check.Engine
	scheduler *scheduler.Scheduler
	mailer    mailer.Mailer
	limiter   *ratelimit.Limiter
	metrics   *telemetry.Metrics

	jobsCfg     *config.JobsConfig
	checkDNSCfg *config.CheckDNSConfig

	debounce *debounceMap

	// Metadata
	version   string
	startTime time.Time
}

// Config holds API server configuration
type Config struct {
	ListenAddress string
	Store         store.Store
	Engine        *check.Engine
	Scheduler     *scheduler.Scheduler
	Mailer        mailer.Mailer
	Limiter       *ratelimit.Limiter
	Metrics       *telemetry.Metrics
	Jobs          *config.JobsConfig
	CheckDNS      *config.CheckDNSConfig
	Logger        *logging.Logger
	Version       string
}

// New creates a new API server
func New(cfg *Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault()
	}

	s := &Server{
		store:       cfg.Store,
		engine:      cfg.Engine,
		scheduler:   cfg.Scheduler,
		mailer:      cfg.Mailer,
		limiter:     cfg.Limiter,
		metrics:     cfg.Metrics,
		jobsCfg:     cfg.Jobs,
		checkDNSCfg: cfg.CheckDNS,
		debounce:    newDebounceMap(cfg.CheckDNS.MinInterval),
		logger:      cfg.Logger,
		version:     cfg.Version,
		startTime:   time.Now(),
	}

	// Setup routes
	mux := http.NewServeMux()

	mux.HandleFunc("POST /request/email", s.handleRequestEmail)
	mux.HandleFunc("POST /request/ui", s.handleRequestUI)
	mux.HandleFunc("GET /api/checkdns/{target}", s.handleCheckDNS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// Apply middleware, innermost first
	handler := s.contentTypeMiddleware(mux)
	handler = s.rateLimitMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.requestIDMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the API server
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code string) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: code})
}

// writeErrorMessage writes an error response with a human-readable message
func (s *Server) writeErrorMessage(w http.ResponseWriter, statusCode int, code, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: code, Message: message})
}

// contextWithMailTimeout returns a detached context for fire-and-forget
// notifications, so they survive the originating request.
func contextWithMailTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// clientIP extracts the remote address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getUptime returns the server uptime as a string
func (s *Server) getUptime() string {
	uptime := time.Since(s.startTime)

	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
