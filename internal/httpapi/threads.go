package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ternhq/tern"
)

// defaultThreadListLimit bounds GET /api/threads when the client does
// not pass one.
const defaultThreadListLimit = 100

// sandboxInfo is the compact session digest attached to thread views.
type sandboxInfo struct {
	Provider string `json:"provider"`
	Status   string `json:"status"`
}

// threadSummary is one row of the thread list.
type threadSummary struct {
	ThreadID    string       `json:"thread_id"`
	Preview     string       `json:"preview"`
	UpdatedAt   int64        `json:"updated_at"`
	SandboxInfo *sandboxInfo `json:"sandbox_info,omitempty"`
}

type threadListResponse struct {
	Threads []threadSummary `json:"threads"`
}

// threadDetail is the full thread view: the row, its conversation, and
// the session digest.
type threadDetail struct {
	ThreadID    string             `json:"thread_id"`
	Preview     string             `json:"preview,omitempty"`
	QueueMode   tern.QueueMode     `json:"queue_mode"`
	CreatedAt   int64              `json:"created_at"`
	UpdatedAt   int64              `json:"updated_at"`
	Messages    []tern.ChatMessage `json:"messages"`
	SandboxInfo *sandboxInfo       `json:"sandbox_info,omitempty"`
}

type createThreadRequest struct {
	Sandbox string `json:"sandbox,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
}

type createThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := defaultThreadListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	threads, err := s.store.ListThreads(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]threadSummary, 0, len(threads))
	for _, t := range threads {
		out = append(out, threadSummary{
			ThreadID:    t.ID,
			Preview:     t.Title,
			UpdatedAt:   t.UpdatedAt,
			SandboxInfo: s.sandboxInfoFor(r.Context(), t.ID),
		})
	}
	writeJSON(w, http.StatusOK, threadListResponse{Threads: out})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req createThreadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Sandbox != "" && s.sandbox == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sandbox support is not configured"})
		return
	}

	now := tern.NowUnix()
	t := tern.Thread{ID: tern.NewID(), QueueMode: s.queueMode, CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateThread(r.Context(), t); err != nil {
		s.writeError(w, err)
		return
	}
	if s.sandbox != nil && (req.Sandbox != "" || req.Cwd != "") {
		if err := s.sandbox.CreateSession(r.Context(), t.ID, req.Sandbox, req.Cwd); err != nil {
			// A bad sandbox choice must not leave an orphaned thread row.
			if derr := s.store.DeleteThread(r.Context(), t.ID); derr != nil {
				s.logger.Warn("thread rollback failed", "thread_id", t.ID, "error", derr)
			}
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, createThreadResponse{ThreadID: t.ID})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := r.PathValue("id")
	t, err := s.store.GetThread(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.store.Messages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []tern.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, threadDetail{
		ThreadID:    t.ID,
		Preview:     t.Title,
		QueueMode:   t.QueueMode,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		Messages:    msgs,
		SandboxInfo: s.sandboxInfoFor(r.Context(), id),
	})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.GetThread(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if _, ok := s.engine.ActiveRun(id); ok {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "thread has an active run; cancel it first"})
		return
	}
	if s.sandbox != nil {
		if err := s.sandbox.DestroySession(r.Context(), id); err != nil && !errors.Is(err, tern.ErrNotFound) {
			s.logger.Warn("destroy session on thread delete failed", "thread_id", id, "error", err)
		}
	}
	if err := s.store.DeleteThread(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sandboxInfoFor summarizes the thread's session, nil when it has none.
func (s *Server) sandboxInfoFor(ctx context.Context, threadID string) *sandboxInfo {
	if s.sandbox == nil {
		return nil
	}
	st, err := s.sandbox.SessionStatus(ctx, threadID)
	if err != nil {
		return nil
	}
	return &sandboxInfo{Provider: st.Lease.ProviderName, Status: st.Session.Status}
}

// --- Sandbox administration ---

type sandboxTypesResponse struct {
	Types []sandboxTypeStatus `json:"types"`
}

// sandboxTypeStatus mirrors sandbox.TypeStatus on the wire.
type sandboxTypeStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleSandboxTypes(w http.ResponseWriter, r *http.Request) {
	if !s.requireSandbox(w) {
		return
	}
	statuses := s.sandbox.TypeStatuses(r.Context())
	out := make([]sandboxTypeStatus, 0, len(statuses))
	for _, ts := range statuses {
		out = append(out, sandboxTypeStatus{Name: ts.Name, Available: ts.Available, Reason: ts.Reason})
	}
	writeJSON(w, http.StatusOK, sandboxTypesResponse{Types: out})
}

func (s *Server) handleSandboxPause(w http.ResponseWriter, r *http.Request) {
	if !s.requireSandbox(w) {
		return
	}
	if err := s.sandbox.PauseSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSandboxResume(w http.ResponseWriter, r *http.Request) {
	if !s.requireSandbox(w) {
		return
	}
	if err := s.sandbox.ResumeSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSandboxDestroy(w http.ResponseWriter, r *http.Request) {
	if !s.requireSandbox(w) {
		return
	}
	if err := s.sandbox.DestroySession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireSandbox(w) {
		return
	}
	st, err := s.sandbox.SessionStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTerminalStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireSandbox(w) {
		return
	}
	trec, err := s.sandbox.TerminalStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trec)
}

func (s *Server) handleLeaseStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireSandbox(w) {
		return
	}
	lrec, err := s.sandbox.LeaseStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lrec)
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "runtime monitor is not configured"})
		return
	}
	if s.store != nil {
		if _, err := s.store.GetThread(r.Context(), r.PathValue("id")); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.runtime.Snapshot())
}
