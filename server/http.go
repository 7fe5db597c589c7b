// Package server provides the HTTP server for the content loader.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	contentloader "github.com/wolfeidau/content-loader"
	"github.com/wolfeidau/content-loader/loader"
	"github.com/wolfeidau/content-loader/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Loader serves content requests. Required.
	Loader *loader.Loader

	// AuthToken, when set, is required as a Bearer token on the /cache
	// administration routes. Content, health and metrics stay public.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the content loader.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	loader     *loader.Loader
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Loader == nil {
		return nil, errors.New("loader is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		loader: cfg.Loader,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: loader.DefaultTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /content/{key...}", s.handleContent)

	mux.HandleFunc("DELETE /cache", s.handleClear)
	mux.HandleFunc("GET /cache/{key...}", s.handleProbe)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleContent loads a resource through the cache and writes it out.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "content")

	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing resource key")
		return
	}
	if r.URL.RawQuery != "" {
		// Only the mode parameter is ours; anything else belongs to the upstream resource.
		q := r.URL.Query()
		q.Del("mode")
		if rest := q.Encode(); rest != "" {
			key += "?" + rest
		}
	}

	mode := loader.ModeForKey(key)
	if m := r.URL.Query().Get("mode"); m != "" {
		parsed, err := loader.ParseMode(m)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = parsed
	}
	telemetry.SetResource(r, key, mode.String())

	value, result := s.loader.LoadResult(r.Context(), key, mode)
	telemetry.SetCacheResult(r, result)
	if value == nil {
		writeError(w, http.StatusBadGateway, "resource unavailable")
		return
	}

	body, contentType, err := encodeValue(value, mode)
	if err != nil {
		s.logger.Error("encoding resource failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "encoding resource failed")
		return
	}

	etag := contentloader.Sum(body).ETag()
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Cache", strings.ToUpper(string(result)))

	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(body)
}

// handleClear empties both cache tiers.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear")
	s.loader.Cache().ClearAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type probeResponse struct {
	Key      string `json:"key"`
	Cached   bool   `json:"cached"`
	StoredAt int64  `json:"storedAt,omitempty"`
	AgeMS    int64  `json:"ageMs,omitempty"`
}

// handleProbe reports whether a key is cached without fetching it.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "probe")

	key := r.PathValue("key")
	resp := probeResponse{Key: key}

	if e, ok := s.loader.Cache().Lookup(r.Context(), key); ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		resp.Cached = true
		resp.StoredAt = e.StoredAt
		resp.AgeMS = e.Age(time.Now()).Milliseconds()
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// encodeValue renders a loaded value: raw text as-is, everything else as JSON.
func encodeValue(value any, mode loader.Mode) ([]byte, string, error) {
	if s, ok := value.(string); ok && mode == loader.ModeRaw {
		return []byte(s), "text/plain; charset=utf-8", nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// etagMatches implements the weak comparison used for If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Resource != "" {
			attrs = append(attrs, "resource", tags.Resource, "mode", tags.Mode)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"address", s.config.Address,
		"cache_version", s.loader.Cache().Version(),
		"cache_ttl", s.loader.Cache().TTL(),
	)
	return s.httpServer.ListenAndServe()
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
