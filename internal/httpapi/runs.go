package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ternhq/tern"
)

type messageRequest struct {
	Message string `json:"message"`
}

type steerResponse struct {
	Seq int64 `json:"seq"`
}

type queueModeRequest struct {
	Mode string `json:"mode"`
}

// handleStartRun submits the message and streams the thread's run as
// SSE. With a run already active the message is queued per the thread's
// mode and the response attaches to the active run's stream instead.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}
	run, started, err := s.engine.Submit(r.Context(), id, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !started {
		s.logger.Debug("message queued onto active run", "thread_id", id, "run_id", run.ID())
	}
	s.streamRun(w, r, run, 0)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.store != nil {
		if _, err := s.store.GetThread(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
	}
	// Cancelling an idle thread is a no-op, not an error.
	s.engine.Cancel(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleReplayStream re-serves a run's events with Seq > after. Without
// an explicit run_id it targets the thread's latest run; runs evicted
// from memory replay from the durable trace.
func (s *Server) handleReplayStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "after must be a non-negative integer"})
			return
		}
		after = n
	}

	if runID := r.URL.Query().Get("run_id"); runID != "" {
		if run, ok := s.engine.RunByID(runID); ok && run.ThreadID() == id {
			s.streamRun(w, r, run, after)
			return
		}
		s.replayStored(w, r, runID, after)
		return
	}

	run, ok := s.engine.LatestRun(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no runs on this thread"})
		return
	}
	s.streamRun(w, r, run, after)
}

func (s *Server) handleSteer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}
	seq, err := s.engine.Queues().EnqueueTo(id, tern.QueueSteer, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, steerResponse{Seq: seq})
}

func (s *Server) handleQueueMode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req queueModeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SetQueueMode(r.Context(), id, tern.QueueMode(req.Mode)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- SSE plumbing ---

// sseStart switches the response to an event stream. Returns nil with
// the error already written when the writer cannot stream.
func sseStart(w http.ResponseWriter) http.Flusher {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "response writer does not support streaming"})
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher
}

// streamRun writes the run's events with Seq > afterSeq as SSE frames
// until the stream ends or the client goes away. The terminal frame is
// the run's own done, error, or cancelled event.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, run *tern.Run, afterSeq int64) {
	flusher := sseStart(w)
	if flusher == nil {
		return
	}
	for ev := range run.Subscribe(r.Context(), afterSeq) {
		if err := writeEvent(w, string(ev.Type), ev); err != nil {
			return
		}
		flusher.Flush()
	}
}

// replayStored serves a cold run from the durable trace. The records
// carry the marshalled events verbatim, so frames reproduce exactly.
func (s *Server) replayStored(w http.ResponseWriter, r *http.Request, runID string, after int64) {
	if !s.requireStore(w) {
		return
	}
	records, err := s.store.RunEvents(r.Context(), runID, after)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(records) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown run: " + runID})
		return
	}
	flusher := sseStart(w)
	if flusher == nil {
		return
	}
	for _, rec := range records {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.EventType, rec.DataJSON); err != nil {
			return
		}
	}
	flusher.Flush()
}

// writeEvent frames one SSE event: "event: <type>\ndata: <json>\n\n".
// Marshalled JSON never contains raw newlines, so one data line holds it.
func writeEvent(w io.Writer, eventType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
