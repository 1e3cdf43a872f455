package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/sandbox/httpbox"
	"github.com/ternhq/tern/sandbox/localbox"
)

const (
	maxRequestBodyBytes = 32 << 20
	defaultExecTimeout  = 30 * time.Second
)

// record tracks one instance this daemon created.
type record struct {
	created  time.Time
	lastUsed time.Time
}

// server exposes a localbox provider over the sandboxd wire protocol
// and evicts instances nobody has touched within the TTL.
type server struct {
	box        *localbox.Provider
	logger     *slog.Logger
	ttl        time.Duration
	maxTimeout time.Duration
	sem        chan struct{}

	mu        sync.Mutex
	instances map[string]*record

	stopCh chan struct{}
	doneCh chan struct{}
}

func newServer(box *localbox.Provider, logger *slog.Logger, ttl, maxTimeout time.Duration, maxConcurrent int) *server {
	return &server{
		box:        box,
		logger:     logger,
		ttl:        ttl,
		maxTimeout: maxTimeout,
		sem:        make(chan struct{}, maxConcurrent),
		instances:  make(map[string]*record),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/instances", s.handleCreate)
	mux.HandleFunc("GET /v1/instances/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/instances/{id}", s.handleDestroy)
	mux.HandleFunc("POST /v1/instances/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /v1/instances/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/instances/{id}/exec", s.handleExec)
	mux.HandleFunc("GET /v1/instances/{id}/file", s.handleReadFile)
	mux.HandleFunc("PUT /v1/instances/{id}/file", s.handleWriteFile)
	mux.HandleFunc("GET /v1/instances/{id}/dir", s.handleListDir)
	mux.HandleFunc("GET /v1/instances/{id}/metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// start launches the TTL eviction loop.
func (s *server) start(interval time.Duration) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.evictExpired()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// close stops eviction and destroys every instance. State is in-memory
// only, so anything left behind would be orphaned on disk.
func (s *server) close() {
	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.instances = make(map[string]*record)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := s.box.Destroy(ctx, id); err != nil {
			s.logger.Warn("destroy on shutdown failed", "instance_id", id, "error", err)
		}
	}
}

// evictExpired destroys instances idle past the TTL. IDs leave the map
// under lock; provider calls happen outside it.
func (s *server) evictExpired() {
	s.mu.Lock()
	var stale []string
	for id, rec := range s.instances {
		if time.Since(rec.lastUsed) > s.ttl {
			stale = append(stale, id)
			delete(s.instances, id)
		}
	}
	s.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range stale {
		if err := s.box.Destroy(ctx, id); err != nil {
			s.logger.Warn("evict failed", "instance_id", id, "error", err)
			continue
		}
		s.logger.Info("instance evicted", "instance_id", id, "ttl", s.ttl)
	}
}

// touch refreshes the instance's idle clock and reports whether the
// daemon knows it.
func (s *server) touch(id string) (record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.instances[id]
	if !ok {
		return record{}, false
	}
	rec.lastUsed = time.Now()
	return *rec, true
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req httpbox.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	inst, err := s.box.CreateInstance(r.Context(), tern.InstanceConfig{
		Image:   req.Image,
		WorkDir: req.WorkDir,
		Env:     req.Env,
		Labels:  req.Labels,
	})
	if err != nil {
		s.writeProviderError(w, err)
		return
	}

	now := time.Now()
	s.mu.Lock()
	s.instances[inst.ID] = &record{created: now, lastUsed: now}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, httpbox.InstanceInfo{
		ID:        inst.ID,
		State:     string(inst.State),
		Endpoint:  inst.Endpoint,
		Labels:    inst.Labels,
		CreatedAt: inst.CreatedAt,
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.touch(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance: "+id, "")
		return
	}
	state, err := s.box.Status(r.Context(), id)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpbox.InstanceInfo{
		ID:        id,
		State:     string(state),
		CreatedAt: rec.created.Unix(),
	})
}

func (s *server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.instances[id]
	delete(s.instances, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance: "+id, "")
		return
	}
	if err := s.box.Destroy(r.Context(), id); err != nil {
		s.writeProviderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.touch(id); !ok {
		writeError(w, http.StatusNotFound, "unknown instance: "+id, "")
		return
	}
	if err := s.box.Pause(r.Context(), id); err != nil {
		s.writeProviderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.touch(id); !ok {
		writeError(w, http.StatusNotFound, "unknown instance: "+id, "")
		return
	}
	if err := s.box.Resume(r.Context(), id); err != nil {
		s.writeProviderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.touch(id); !ok {
		writeError(w, http.StatusNotFound, "unknown instance: "+id, "")
		return
	}
	var req httpbox.ExecRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required", "")
		return
	}

	timeout := time.Duration(req.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	if timeout > s.maxTimeout {
		timeout = s.maxTimeout
	}

	// Fail fast under load; the client sees this as transient.
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		writeError(w, http.StatusServiceUnavailable, "execution capacity reached", string(tern.ProviderErrTransient))
		return
	}

	res, err := s.box.Exec(r.Context(), id, tern.ExecRequest{
		Command: req.Command,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Timeout: timeout,
	})
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpbox.ExecResponse{
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (s *server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.touch(id); !ok {
		writeError(w, http.StatusNotFound, "unknown instance: "+id, "")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required", "")
		return
	}
	data, err := s.box.ReadFile(r.Context(), id, path)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpbox.FileResponse{
		Path: path,
		Data: base64.StdEncoding.EncodeToString(data),
	})
}

func (s *server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.touch(id); !ok {
		writeError(w, http.StatusNotFound, "unknown instance: "+id, "")
		return
	}
	var req httpbox.FileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required", "")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "data is not valid base64: "+err.Error(), "")
		return
	}
	if err := s.box.WriteFile(r.Context(), id, req.Path, data); err != nil {
		s.writeProviderError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListDir(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.touch(id); !ok {
		writeError(w, http.StatusNotFound, "unknown instance: "+id, "")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	entries, err := s.box.ListDir(r.Context(), id, path)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	resp := httpbox.DirResponse{Entries: make([]httpbox.DirEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, httpbox.DirEntry{
			Name:    e.Name,
			Path:    e.Path,
			IsDir:   e.IsDir,
			Size:    e.Size,
			ModTime: e.ModTime,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.touch(id); !ok {
		writeError(w, http.StatusNotFound, "unknown instance: "+id, "")
		return
	}
	m, err := s.box.Metrics(r.Context(), id)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, httpbox.MetricsResponse{
		CPUPercent:    m.CPUPercent,
		MemoryBytes:   m.MemoryBytes,
		DiskBytes:     m.DiskBytes,
		UptimeSeconds: m.UptimeSeconds,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeProviderError maps a provider error kind onto an HTTP status and
// echoes the kind so the client preserves the classification.
func (s *server) writeProviderError(w http.ResponseWriter, err error) {
	var perr *tern.ProviderError
	if errors.As(err, &perr) {
		writeError(w, statusForKind(perr.Kind), perr.Error(), string(perr.Kind))
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error(), "")
}

func statusForKind(kind tern.ProviderErrorKind) int {
	switch kind {
	case tern.ProviderErrTransient:
		return http.StatusServiceUnavailable
	case tern.ProviderErrAuth:
		return http.StatusUnauthorized
	case tern.ProviderErrQuota:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "")
		return false
	}
	return true
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

func writeError(w http.ResponseWriter, code int, msg, kind string) {
	writeJSON(w, code, httpbox.ErrorResponse{Error: msg, Kind: kind})
}
