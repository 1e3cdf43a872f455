// Package memstore implements tern.Store in process memory. Nothing
// survives a restart; it backs ephemeral runs and tests where a SQLite
// file would be noise. The semantics mirror the sqlite store, including
// the one-live-session-per-thread rule and the terminal version check.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ternhq/tern"
)

// Store implements tern.Store with plain maps under one mutex.
type Store struct {
	mu        sync.Mutex
	threads   map[string]tern.Thread
	messages  map[string][]tern.ChatMessage
	sessions  map[string]tern.ChatSessionRecord
	terminals map[string]tern.TerminalRecord
	leases    map[string]tern.LeaseRecord
	summaries map[string][]tern.SummaryRecord
	events    map[string][]tern.RunEventRecord
}

var _ tern.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		threads:   make(map[string]tern.Thread),
		messages:  make(map[string][]tern.ChatMessage),
		sessions:  make(map[string]tern.ChatSessionRecord),
		terminals: make(map[string]tern.TerminalRecord),
		leases:    make(map[string]tern.LeaseRecord),
		summaries: make(map[string][]tern.SummaryRecord),
		events:    make(map[string][]tern.RunEventRecord),
	}
}

// Init implements tern.Store. Nothing to prepare.
func (s *Store) Init(context.Context) error { return nil }

// Close implements tern.Store.
func (s *Store) Close() error { return nil }

// --- Threads ---

func (s *Store) CreateThread(_ context.Context, t tern.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return fmt.Errorf("thread %s already exists", t.ID)
	}
	if t.QueueMode == "" {
		t.QueueMode = tern.DefaultQueueMode
	}
	s.threads[t.ID] = t
	return nil
}

func (s *Store) GetThread(_ context.Context, id string) (tern.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return tern.Thread{}, tern.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListThreads(_ context.Context, limit int) ([]tern.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]tern.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateThread(_ context.Context, t tern.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; !ok {
		return tern.ErrNotFound
	}
	s.threads[t.ID] = t
	return nil
}

func (s *Store) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return tern.ErrNotFound
	}
	delete(s.threads, id)
	delete(s.messages, id)
	delete(s.summaries, id)
	for sid, rec := range s.sessions {
		if rec.ThreadID == id {
			delete(s.sessions, sid)
		}
	}
	for tid, rec := range s.terminals {
		if rec.ThreadID == id {
			delete(s.leases, rec.LeaseID)
			delete(s.terminals, tid)
		}
	}
	return nil
}

// --- Conversation messages ---

func (s *Store) AppendMessage(_ context.Context, threadID string, msg tern.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = append(s.messages[threadID], msg)
	return nil
}

func (s *Store) Messages(_ context.Context, threadID string) ([]tern.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tern.ChatMessage(nil), s.messages[threadID]...), nil
}

func (s *Store) ReplaceMessages(_ context.Context, threadID string, msgs []tern.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[threadID] = append([]tern.ChatMessage(nil), msgs...)
	return nil
}

// --- Chat sessions ---

func (s *Store) CreateSessionBundle(_ context.Context, b tern.SessionBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.sessions {
		if rec.ThreadID == b.Session.ThreadID && (rec.Status == "active" || rec.Status == "paused") {
			return fmt.Errorf("thread %s already has a live session", b.Session.ThreadID)
		}
	}
	if _, ok := s.leases[b.Lease.LeaseID]; !ok {
		s.leases[b.Lease.LeaseID] = b.Lease
	}
	if _, ok := s.terminals[b.Terminal.TerminalID]; !ok {
		s.terminals[b.Terminal.TerminalID] = b.Terminal
	}
	s.sessions[b.Session.SessionID] = b.Session
	return nil
}

func (s *Store) GetSessionByThread(_ context.Context, threadID string) (tern.ChatSessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.sessions {
		if rec.ThreadID == threadID && (rec.Status == "active" || rec.Status == "paused") {
			return rec, nil
		}
	}
	return tern.ChatSessionRecord{}, tern.ErrNotFound
}

func (s *Store) ListSessionsByStatus(_ context.Context, statuses ...string) ([]tern.ChatSessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []tern.ChatSessionRecord
	for _, rec := range s.sessions {
		if want[rec.Status] {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt < out[j].LastActiveAt })
	return out, nil
}

func (s *Store) UpdateSessionStatus(_ context.Context, sessionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return tern.ErrNotFound
	}
	rec.Status = status
	s.sessions[sessionID] = rec
	return nil
}

func (s *Store) TouchSession(_ context.Context, sessionID string, lastActiveAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return tern.ErrNotFound
	}
	rec.LastActiveAt = lastActiveAt
	s.sessions[sessionID] = rec
	return nil
}

// --- Abstract terminals ---

func (s *Store) GetTerminal(_ context.Context, terminalID string) (tern.TerminalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.terminals[terminalID]
	if !ok {
		return tern.TerminalRecord{}, tern.ErrNotFound
	}
	return rec, nil
}

func (s *Store) GetTerminalByThread(_ context.Context, threadID string) (tern.TerminalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.terminals {
		if rec.ThreadID == threadID {
			return rec, nil
		}
	}
	return tern.TerminalRecord{}, tern.ErrNotFound
}

func (s *Store) UpdateTerminalState(_ context.Context, terminalID string, stateJSON json.RawMessage, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.terminals[terminalID]
	if !ok {
		return tern.ErrNotFound
	}
	if rec.Version != expectVersion {
		return tern.ErrVersionConflict
	}
	rec.StateJSON = append(json.RawMessage(nil), stateJSON...)
	rec.Version++
	s.terminals[terminalID] = rec
	return nil
}

func (s *Store) SetTerminalLease(_ context.Context, terminalID, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.terminals[terminalID]
	if !ok {
		return tern.ErrNotFound
	}
	rec.LeaseID = leaseID
	s.terminals[terminalID] = rec
	return nil
}

// --- Sandbox leases ---

func (s *Store) PutLease(_ context.Context, l tern.LeaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[l.LeaseID] = l
	return nil
}

func (s *Store) GetLease(_ context.Context, leaseID string) (tern.LeaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.leases[leaseID]
	if !ok {
		return tern.LeaseRecord{}, tern.ErrNotFound
	}
	return rec, nil
}

func (s *Store) DeleteLease(_ context.Context, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, leaseID)
	return nil
}

// --- Compaction summaries ---

func (s *Store) AppendSummary(_ context.Context, threadID, content string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := int64(len(s.summaries[threadID]) + 1)
	s.summaries[threadID] = append(s.summaries[threadID], tern.SummaryRecord{
		ThreadID:   threadID,
		Slot:       slot,
		Content:    content,
		TokenCount: (len(content) + tern.CharsPerToken - 1) / tern.CharsPerToken,
		CreatedAt:  tern.NowUnix(),
	})
	return slot, nil
}

func (s *Store) LoadSummaries(_ context.Context, threadID string) ([]tern.SummaryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tern.SummaryRecord(nil), s.summaries[threadID]...), nil
}

// --- Run event trace ---

func (s *Store) AppendRunEvent(_ context.Context, ev tern.RunEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *Store) RunEvents(_ context.Context, runID string, afterSeq int64) ([]tern.RunEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tern.RunEventRecord
	for _, ev := range s.events[runID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
