// Package httpapi serves the thread and run surface over HTTP: JSON for
// thread and sandbox administration, SSE for run event streams. The
// server is handler-only; the caller owns the http.Server and its
// lifecycle.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/sandbox"
)

// maxRequestBodyBytes bounds API request bodies. Messages ride in JSON;
// anything bigger than this is a client bug.
const maxRequestBodyBytes = 1 << 20

// SandboxService is the slice of the sandbox manager the API exposes.
type SandboxService interface {
	TypeStatuses(ctx context.Context) []sandbox.TypeStatus
	CreateSession(ctx context.Context, threadID, providerName, cwd string) error
	SessionStatus(ctx context.Context, threadID string) (sandbox.Status, error)
	TerminalStatus(ctx context.Context, threadID string) (tern.TerminalRecord, error)
	LeaseStatus(ctx context.Context, threadID string) (tern.LeaseRecord, error)
	PauseSession(ctx context.Context, threadID string) error
	ResumeSession(ctx context.Context, threadID string) error
	DestroySession(ctx context.Context, threadID string) error
}

var _ SandboxService = (*sandbox.Manager)(nil)

// RuntimeSource provides monitor snapshots for the runtime endpoint.
type RuntimeSource interface {
	Snapshot() tern.StatusSnapshot
}

// Server routes API requests onto an engine, a store, and optionally a
// sandbox manager and runtime monitor.
type Server struct {
	engine    *tern.Engine
	store     tern.Store
	sandbox   SandboxService
	runtime   RuntimeSource
	metrics   http.Handler
	queueMode tern.QueueMode
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithSandbox wires the sandbox manager behind the sandbox endpoints.
func WithSandbox(svc SandboxService) Option { return func(s *Server) { s.sandbox = svc } }

// WithRuntime wires the monitor snapshot source behind the runtime
// endpoint.
func WithRuntime(rt RuntimeSource) Option { return func(s *Server) { s.runtime = rt } }

// WithMetrics mounts h at GET /metrics, typically a Prometheus handler.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithDefaultQueueMode sets the routing mode stamped onto threads created
// through the API. Invalid modes keep the package default.
func WithDefaultQueueMode(mode tern.QueueMode) Option {
	return func(s *Server) {
		if tern.ValidQueueMode(mode) {
			s.queueMode = mode
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer builds an API server over engine. The store comes from the
// engine; endpoints that need one fail soft when it is absent.
func NewServer(engine *tern.Engine, opts ...Option) *Server {
	s := &Server{engine: engine, store: engine.Store(), queueMode: tern.DefaultQueueMode}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = tern.NopLogger()
	}
	return s
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/threads", s.handleListThreads)
	mux.HandleFunc("POST /api/threads", s.handleCreateThread)
	mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	mux.HandleFunc("DELETE /api/threads/{id}", s.handleDeleteThread)
	mux.HandleFunc("POST /api/threads/{id}/runs", s.handleStartRun)
	mux.HandleFunc("POST /api/threads/{id}/runs/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /api/threads/{id}/runs/stream", s.handleReplayStream)
	mux.HandleFunc("POST /api/threads/{id}/steer", s.handleSteer)
	mux.HandleFunc("POST /api/threads/{id}/queue-mode", s.handleQueueMode)
	mux.HandleFunc("GET /api/threads/{id}/sandbox/pause", s.handleSandboxPause)
	mux.HandleFunc("POST /api/threads/{id}/sandbox/pause", s.handleSandboxPause)
	mux.HandleFunc("GET /api/threads/{id}/sandbox/resume", s.handleSandboxResume)
	mux.HandleFunc("POST /api/threads/{id}/sandbox/resume", s.handleSandboxResume)
	mux.HandleFunc("DELETE /api/threads/{id}/sandbox", s.handleSandboxDestroy)
	mux.HandleFunc("GET /api/threads/{id}/session", s.handleSessionStatus)
	mux.HandleFunc("GET /api/threads/{id}/terminal", s.handleTerminalStatus)
	mux.HandleFunc("GET /api/threads/{id}/lease", s.handleLeaseStatus)
	mux.HandleFunc("GET /api/threads/{id}/runtime", s.handleRuntime)
	mux.HandleFunc("GET /api/sandbox/types", s.handleSandboxTypes)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusWriter records the status code and byte count for the request
// log. Flush passes through so SSE streaming keeps working under it.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// logRequests emits one line per completed request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// requireStore guards endpoints that need the durable layer.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no store configured"})
		return false
	}
	return true
}

// requireSandbox guards the sandbox endpoints.
func (s *Server) requireSandbox(w http.ResponseWriter) bool {
	if s.sandbox == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "sandbox support is not configured"})
		return false
	}
	return true
}

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps err onto an HTTP status via its kind. Missing rows are
// 404s and a busy thread is a conflict regardless of kind.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""
	switch {
	case errors.Is(err, tern.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tern.ErrRunActive):
		status = http.StatusConflict
		kind = tern.KindOf(err).String()
	default:
		k := tern.KindOf(err)
		kind = k.String()
		switch k {
		case tern.KindInvalidInput:
			status = http.StatusBadRequest
		case tern.KindPolicyDenied:
			status = http.StatusForbidden
		case tern.KindTransient:
			status = http.StatusServiceUnavailable
		case tern.KindProviderFatal:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// decodeBody reads and unmarshals the request body. An empty body leaves
// v at its zero value; handlers validate required fields themselves.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}
