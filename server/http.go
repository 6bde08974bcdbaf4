// Package server provides the HTTP surface of the offline worker: a proxy
// for the origin plus control endpoints under /_worker.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/offline-cache/expiry"
	"github.com/wolfeidau/offline-cache/fetch"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/queue"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/worker"
)

const (
	// ControlPrefix is the path prefix of the control endpoints. Requests
	// outside it are proxied.
	ControlPrefix = "/_worker"

	// CacheHeader reports how a proxied response was produced.
	CacheHeader = "X-Offline-Cache"

	defaultMaxCaptureBody = 1 << 20 // 1 MiB
)

// Worker is what the server needs from the offline worker.
type Worker interface {
	Fetch(ctx context.Context, req *http.Request) (*fetch.Result, error)
	Sync(ctx context.Context, tag string) (*queue.ReplayResult, error)
	Capture(ctx context.Context, rawURL string, body []byte, header http.Header) (*queue.Submission, error)
	Pending(ctx context.Context) ([]*queue.Submission, error)
	Dead(ctx context.Context) ([]*queue.Submission, error)
	Remove(ctx context.Context, id string) error
	Registration(ctx context.Context) (*lifecycle.Registration, error)
	Stats(ctx context.Context) (*worker.Stats, error)
	Expire(ctx context.Context) *expiry.ExpireResult
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken protects the control endpoints when set. Health and
	// metrics stay open.
	AuthToken string

	// CaptureFailedPosts queues a proxied POST that fails with a network
	// error and answers 202 Accepted.
	CaptureFailedPosts bool

	// MaxCaptureBody bounds request bodies read for capture.
	// Default is 1 MiB.
	MaxCaptureBody int64

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the offline worker.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	worker     Worker
	handler    http.Handler
}

// New creates a new server in front of w.
func New(cfg Config, w Worker) (*Server, error) {
	if w == nil {
		return nil, fmt.Errorf("server requires a worker")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxCaptureBody <= 0 {
		cfg.MaxCaptureBody = defaultMaxCaptureBody
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
		worker: w,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	control := http.NewServeMux()

	// Health check
	control.HandleFunc("GET "+ControlPrefix+"/health", s.handleHealth)

	// Worker stats
	control.HandleFunc("GET "+ControlPrefix+"/stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	control.Handle("GET "+ControlPrefix+"/metrics", telemetry.PrometheusHandler())

	// Sync signal and the submission queue
	control.HandleFunc("POST "+ControlPrefix+"/sync", s.handleSync)
	control.HandleFunc("POST "+ControlPrefix+"/queue", s.handleCapture)
	control.HandleFunc("GET "+ControlPrefix+"/queue", s.handleQueue)
	control.HandleFunc("DELETE "+ControlPrefix+"/queue/{id}", s.handleRemove)

	control.HandleFunc("GET "+ControlPrefix+"/registration", s.handleRegistration)
	control.HandleFunc("POST "+ControlPrefix+"/expire", s.handleExpire)

	mux.Handle(ControlPrefix+"/", s.authMiddleware(control))

	// Everything else belongs to the origin.
	mux.HandleFunc("/", s.handleProxy)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, strategy, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Route = deriveRoute(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", tags.Route,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Strategy != "" {
			attrs = append(attrs, "strategy", tags.Strategy)
		}
		if tags.Version != "" {
			attrs = append(attrs, "version", tags.Version)
		}
		if tags.CacheResult != telemetry.CacheNA {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		if tags.Route == "control" {
			s.logger.Debug("http request", attrs...)
		} else {
			s.logger.Info("http request", attrs...)
		}

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting server", "address", l.Addr().String())
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// deriveRoute classifies a request path for logs and metrics.
func deriveRoute(path string) string {
	if path == ControlPrefix || strings.HasPrefix(path, ControlPrefix+"/") {
		return "control"
	}
	return "proxy"
}
