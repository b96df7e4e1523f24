// Package server provides an HTTP JSON API over a Difform knowledge graph.
//
// Endpoints:
//
//	GET  /health      liveness
//	GET  /stats       graph and server counters
//	GET  /graph       snapshot of the whole graph
//	POST /models      import a model (difform.ModelEvent)
//	POST /inference   log an inference batch (difform.InferenceEvent)
//	POST /events      component envelope {"type": "model"|"audio", "args": {...}}
//	GET  /verify      cross-check graph and audio files
//	GET  /audit       audit trail (?model=&batch=&type=&failed=&since=&until=&limit=&offset=)
//	GET  /audit/report  audit trail summary
//	GET  /audio/...   stored audio, confined to the audio directory
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/orneryd/difform/pkg/artifact"
	"github.com/orneryd/difform/pkg/audit"
	"github.com/orneryd/difform/pkg/difform"
	"github.com/orneryd/difform/pkg/storage"
	"github.com/orneryd/difform/pkg/tensor"
)

// Errors for HTTP operations.
var (
	ErrServerClosed = errors.New("server closed")
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
)

// Config holds HTTP server configuration.
type Config struct {
	// Address to bind to (default: "127.0.0.1")
	Address string
	// Port to listen on (default: 7860, 0 picks a free port)
	Port int
	// ReadTimeout for requests
	ReadTimeout time.Duration
	// WriteTimeout for responses
	WriteTimeout time.Duration
	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
	// MaxRequestSize in bytes. Inference bodies carry whole audio batches.
	MaxRequestSize int64
	// EnableCORS for cross-origin requests
	EnableCORS bool
	// CORSOrigins allowed (default: "*")
	CORSOrigins []string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:        "127.0.0.1",
		Port:           7860,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   120 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxRequestSize: 256 * 1024 * 1024, // 256MB
		EnableCORS:     true,
		CORSOrigins:    []string{"*"},
	}
}

// Server is the HTTP API server.
type Server struct {
	config *Config
	dkg    *difform.DKG
	log    *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	handler    http.Handler

	closed  atomic.Bool
	started time.Time

	// Metrics
	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// New creates a new HTTP server. A nil logger means slog.Default().
func New(dkg *difform.DKG, config *Config, logger *slog.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if dkg == nil {
		return nil, fmt.Errorf("knowledge graph required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  config,
		dkg:     dkg,
		log:     logger.With("component", "http"),
		started: time.Now(),
	}
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err)
		}
	}()

	s.log.Info("http server listening", "addr", listener.Addr().String())
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns server statistics.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}

// ServerStats holds server metrics.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// =============================================================================
// Router Setup
// =============================================================================

func (s *Server) buildRouter() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	mux.HandleFunc("/graph", s.handleGraph)
	mux.HandleFunc("/models", s.handleModels)
	mux.HandleFunc("/inference", s.handleInference)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/verify", s.handleVerify)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/audit/report", s.handleAuditReport)

	mux.HandleFunc("/audio/", s.handleAudio)

	handler := s.corsMiddleware(mux)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = s.metricsMiddleware(handler)

	return handler
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.EnableCORS {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}

			allowed := false
			for _, o := range s.config.CORSOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Health checks are noise.
		if r.URL.Path != "/health" {
			s.log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration", time.Since(start),
			)
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				s.log.Error("panic in handler", "panic", err, "path", r.URL.Path, "stack", string(buf[:n]))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requestCount.Add(1)
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	graph, err := s.dkg.Stats()
	if err != nil {
		s.writeDKGError(w, err)
		return
	}
	stats := s.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"graph": graph,
		"server": map[string]interface{}{
			"uptime_seconds": stats.Uptime.Seconds(),
			"requests":       stats.RequestCount,
			"errors":         stats.ErrorCount,
			"active":         stats.ActiveRequests,
		},
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	snap, err := s.dkg.Snapshot()
	if err != nil {
		s.writeDKGError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var ev difform.ModelEvent
	if err := s.readJSON(r, &ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid model event: "+err.Error())
		return
	}
	if err := s.dkg.ImportModel(r.Context(), ev); err != nil {
		s.writeDKGError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"model_name": ev.Name})
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var ev difform.InferenceEvent
	if err := s.readJSON(r, &ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid inference event: "+err.Error())
		return
	}
	res, err := s.dkg.LogInference(r.Context(), ev)
	if err != nil {
		s.writeDKGError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

// eventEnvelope is the shape the front-end component posts.
type eventEnvelope struct {
	Type string          `json:"type"`
	Args json.RawMessage `json:"args"`
}

// handleEvents applies one component event and answers with the full graph,
// plus the first logged sample for "audio" events. An envelope without a
// type only returns the graph.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var env eventEnvelope
	if err := s.readJSON(r, &env); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event envelope: "+err.Error())
		return
	}

	out := map[string]interface{}{}
	switch env.Type {
	case "":
	case "model":
		var ev difform.ModelEvent
		if err := decodeArgs(env.Args, &ev); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid model args: "+err.Error())
			return
		}
		if err := s.dkg.ImportModel(r.Context(), ev); err != nil {
			s.writeDKGError(w, err)
			return
		}
	case "audio":
		var ev difform.InferenceEvent
		if err := decodeArgs(env.Args, &ev); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid audio args: "+err.Error())
			return
		}
		res, err := s.dkg.LogInference(r.Context(), ev)
		if err != nil {
			s.writeDKGError(w, err)
			return
		}
		if len(res.Paths) > 0 {
			out["audio"] = s.audioRef(res.Paths[0])
		}
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", env.Type))
		return
	}

	snap, err := s.dkg.Snapshot()
	if err != nil {
		s.writeDKGError(w, err)
		return
	}
	out["graph_data"] = snap
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) audioRef(p string) map[string]interface{} {
	ref := map[string]interface{}{
		"path":      p,
		"orig_name": filepath.Base(p),
	}
	if rel := s.dkg.Store().Rel(p); rel != "" {
		ref["url"] = "/audio/" + rel
	}
	return ref
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	report, err := s.dkg.Verify(r.Context())
	if err != nil {
		s.writeDKGError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     report.OK(),
		"report": report,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	q, err := parseAuditQuery(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.dkg.AuditTrail(q)
	if err != nil {
		s.writeDKGError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	report, err := s.dkg.AuditReport()
	if err != nil {
		s.writeDKGError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// parseAuditQuery reads audit filters from the URL query.
func parseAuditQuery(r *http.Request) (audit.Query, error) {
	v := r.URL.Query()
	q := audit.Query{
		Model: v.Get("model"),
		Batch: v.Get("batch"),
	}
	for _, t := range v["type"] {
		q.EventTypes = append(q.EventTypes, audit.EventType(strings.ToUpper(t)))
	}
	if f := v.Get("failed"); f != "" {
		failed, err := strconv.ParseBool(f)
		if err != nil {
			return q, fmt.Errorf("failed: %w", err)
		}
		success := !failed
		q.Success = &success
	}
	var err error
	if q.StartTime, err = parseTimeParam(v.Get("since")); err != nil {
		return q, fmt.Errorf("since: %w", err)
	}
	if q.EndTime, err = parseTimeParam(v.Get("until")); err != nil {
		return q, fmt.Errorf("until: %w", err)
	}
	if q.Limit, err = parseIntParam(v.Get("limit")); err != nil {
		return q, fmt.Errorf("limit: %w", err)
	}
	if q.Offset, err = parseIntParam(v.Get("offset")); err != nil {
		return q, fmt.Errorf("offset: %w", err)
	}
	return q, nil
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseIntParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %d", n)
	}
	return n, nil
}

// handleAudio serves /audio/<mode>/<model>/<file>.wav from the audio
// directory. Anything resolving outside it is 404.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	full, err := s.resolveAudio(strings.TrimPrefix(r.URL.Path, "/audio/"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "audio not found")
		return
	}

	f, err := os.Open(full)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "audio not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.writeError(w, http.StatusNotFound, "audio not found")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) resolveAudio(rel string) (string, error) {
	if rel == "" || strings.Contains(rel, "\\") || strings.ContainsRune(rel, 0) {
		return "", ErrNotFound
	}
	clean := path.Clean("/" + rel)[1:]
	if clean == "" || clean != rel || path.Ext(clean) != "."+artifact.Ext {
		return "", ErrNotFound
	}
	for _, part := range strings.Split(clean, "/") {
		if part == ".." || strings.HasPrefix(part, ".") {
			return "", ErrNotFound
		}
	}

	dir := s.dkg.Store().AudioDir()
	full := filepath.Join(dir, filepath.FromSlash(clean))
	within, err := filepath.Rel(dir, full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", ErrNotFound
	}
	return full, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// statusFor maps knowledge graph errors to HTTP status codes.
func statusFor(err error) int {
	var shapeErr *tensor.ShapeError
	switch {
	case errors.Is(err, difform.ErrInvalidEvent),
		errors.Is(err, difform.ErrReservedKey),
		errors.Is(err, tensor.ErrShapeMismatch),
		errors.Is(err, tensor.ErrEmpty),
		errors.As(err, &shapeErr):
		return http.StatusBadRequest
	case errors.Is(err, difform.ErrUnknownModel):
		return http.StatusUnprocessableEntity
	case errors.Is(err, difform.ErrBatchExists):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, difform.ErrAuditDisabled):
		return http.StatusNotFound
	case errors.Is(err, difform.ErrClosed),
		errors.Is(err, storage.ErrStorageClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDKGError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", "error", err)
	}
	s.writeError(w, status, err.Error())
}

// JSON helpers

// readJSON decodes numbers as json.Number so integer metadata stays integral.
func (s *Server) readJSON(r *http.Request, v interface{}) error {
	body := io.LimitReader(r.Body, s.config.MaxRequestSize)
	dec := json.NewDecoder(body)
	dec.UseNumber()
	return dec.Decode(v)
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: args missing", ErrBadRequest)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.errorCount.Add(1)

	s.writeJSON(w, status, map[string]interface{}{
		"error":   true,
		"message": message,
		"code":    status,
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
