package tern

import (
	"context"
	"sync"
)

// mockProvider returns scripted responses in order. Safe for concurrent
// use; requests are captured for assertions.
type mockProvider struct {
	name      string
	responses []ModelResponse // popped in order
	err       error           // returned on every call when set

	mu   sync.Mutex
	idx  int
	reqs []ModelRequest
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	if m.err != nil {
		return ModelResponse{}, m.err
	}
	return m.next(req), nil
}

func (m *mockProvider) ChatStream(ctx context.Context, req ModelRequest, ch chan<- string) (ModelResponse, error) {
	defer close(ch)
	if m.err != nil {
		return ModelResponse{}, m.err
	}
	resp := m.next(req)
	if resp.Content != "" {
		select {
		case ch <- resp.Content:
		case <-ctx.Done():
			return ModelResponse{}, ctx.Err()
		}
	}
	return resp, nil
}

func (m *mockProvider) next(req ModelRequest) ModelResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	if m.idx >= len(m.responses) {
		return ModelResponse{Content: "exhausted", StopReason: "end_turn"}
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp
}

// requests returns a copy of all captured requests.
func (m *mockProvider) requests() []ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ModelRequest(nil), m.reqs...)
}

func respText(s string) ModelResponse {
	return ModelResponse{Content: s, StopReason: "end_turn"}
}

func respToolCalls(content string, calls ...ToolCall) ModelResponse {
	return ModelResponse{Content: content, ToolCalls: calls, StopReason: "tool_use"}
}

// fakeSummaryStore is an in-memory SummaryStore.
type fakeSummaryStore struct {
	mu        sync.Mutex
	rows      map[string][]SummaryRecord
	appendErr error
}

func newFakeSummaryStore() *fakeSummaryStore {
	return &fakeSummaryStore{rows: make(map[string][]SummaryRecord)}
}

func (s *fakeSummaryStore) AppendSummary(_ context.Context, threadID, content string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	slot := int64(len(s.rows[threadID]) + 1)
	s.rows[threadID] = append(s.rows[threadID], SummaryRecord{
		ThreadID:   threadID,
		Slot:       slot,
		Content:    content,
		TokenCount: (len(content) + CharsPerToken - 1) / CharsPerToken,
		CreatedAt:  NowUnix(),
	})
	return slot, nil
}

func (s *fakeSummaryStore) LoadSummaries(_ context.Context, threadID string) ([]SummaryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SummaryRecord(nil), s.rows[threadID]...), nil
}

func (s *fakeSummaryStore) count(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[threadID])
}

// fakeCheckpointer serves a fixed message list.
type fakeCheckpointer struct {
	msgs []ChatMessage
	err  error
}

func (c *fakeCheckpointer) Messages(_ context.Context, _ string) ([]ChatMessage, error) {
	if c.err != nil {
		return nil, c.err
	}
	return append([]ChatMessage(nil), c.msgs...), nil
}
