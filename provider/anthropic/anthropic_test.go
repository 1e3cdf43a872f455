package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ternhq/tern"
)

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/messages" {
			t.Errorf("expected path /v1/messages, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("unexpected api key header: %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("unexpected version header: %s", r.Header.Get("anthropic-version"))
		}

		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "claude-sonnet-4-0" {
			t.Errorf("expected model claude-sonnet-4-0, got %s", req.Model)
		}
		if req.MaxTokens != 8192 {
			t.Errorf("expected max_tokens 8192, got %d", req.MaxTokens)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse{
			ID:    "msg_1",
			Model: "claude-sonnet-4-0",
			Role:  "assistant",
			Content: []contentBlock{
				{Type: "text", Text: "Hello!"},
			},
			StopReason: "end_turn",
			Usage:      wireUsage{InputTokens: 10, OutputTokens: 4},
		})
	}))
	defer srv.Close()

	p := New("test-key", "claude-sonnet-4-0", WithBaseURL(srv.URL))

	resp, err := p.Chat(context.Background(), tern.ModelRequest{
		Messages: []tern.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if resp.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("expected stop reason 'end_turn', got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 4 {
		t.Errorf("expected 4 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestChat_ToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
			t.Errorf("unexpected tools: %+v", req.Tools)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse{
			ID:    "msg_2",
			Model: "claude-sonnet-4-0",
			Role:  "assistant",
			Content: []contentBlock{
				{Type: "text", Text: "Checking."},
				{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"London"}`)},
			},
			StopReason: "tool_use",
			Usage:      wireUsage{InputTokens: 30, OutputTokens: 20},
		})
	}))
	defer srv.Close()

	p := New("test-key", "claude-sonnet-4-0", WithBaseURL(srv.URL))

	resp, err := p.Chat(context.Background(), tern.ModelRequest{
		Messages: []tern.ChatMessage{{Role: "user", Content: "Weather in London?"}},
		Tools: []tern.ToolDefinition{{
			Name:        "get_weather",
			Description: "Get weather",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if resp.Content != "Checking." {
		t.Errorf("expected content 'Checking.', got %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "get_weather" {
		t.Errorf("expected tool 'get_weather', got %q", resp.ToolCalls[0].Name)
	}

	var args map[string]any
	if err := json.Unmarshal(resp.ToolCalls[0].Args, &args); err != nil {
		t.Fatalf("failed to parse args: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("expected city 'London', got %v", args["city"])
	}
}

func TestChat_CacheUsageBuckets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse{
			ID:         "msg_3",
			Model:      "claude-sonnet-4-0",
			Role:       "assistant",
			Content:    []contentBlock{{Type: "text", Text: "ok"}},
			StopReason: "end_turn",
			Usage: wireUsage{
				InputTokens:              15,
				OutputTokens:             3,
				CacheReadInputTokens:     5000,
				CacheCreationInputTokens: 120,
			},
		})
	}))
	defer srv.Close()

	p := New("test-key", "claude-sonnet-4-0", WithBaseURL(srv.URL))

	resp, err := p.Chat(context.Background(), tern.ModelRequest{
		Messages: []tern.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if resp.Usage.InputTokens != 15 {
		t.Errorf("expected 15 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.CacheReadTokens != 5000 {
		t.Errorf("expected 5000 cache read tokens, got %d", resp.Usage.CacheReadTokens)
	}
	if resp.Usage.CacheCreationTokens != 120 {
		t.Errorf("expected 120 cache creation tokens, got %d", resp.Usage.CacheCreationTokens)
	}
	if resp.Usage.InputIncludesCache {
		t.Error("InputIncludesCache must stay false for this API")
	}
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		chunks := []string{
			`data: {"type":"message_start","message":{"id":"msg_4","model":"claude-sonnet-4-0","usage":{"input_tokens":8,"output_tokens":1}}}`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, chunk := range chunks {
			w.Write([]byte(chunk + "\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := New("test-key", "claude-sonnet-4-0", WithBaseURL(srv.URL))

	ch := make(chan string, 10)
	resp, err := p.ChatStream(context.Background(), tern.ModelRequest{
		Messages: []tern.ChatMessage{{Role: "user", Content: "Hi"}},
	}, ch)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}

	var deltas []string
	for d := range ch {
		deltas = append(deltas, d)
	}

	if resp.Content != "Hello world" {
		t.Errorf("expected content 'Hello world', got %q", resp.Content)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 deltas, got %d", len(deltas))
	}
	if resp.Usage.InputTokens != 8 {
		t.Errorf("expected 8 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 2 {
		t.Errorf("expected 2 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestChatStream_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	p := New("test-key", "claude-sonnet-4-0", WithBaseURL(srv.URL))

	ch := make(chan string, 10)
	_, err := p.ChatStream(context.Background(), tern.ModelRequest{
		Messages: []tern.ChatMessage{{Role: "user", Content: "Hi"}},
	}, ch)

	if err == nil {
		t.Fatal("expected error for 429 response")
	}

	var httpErr *tern.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *tern.ErrHTTP, got %T", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", httpErr.Status)
	}
	if httpErr.RetryAfter != 30*time.Second {
		t.Errorf("expected RetryAfter 30s, got %v", httpErr.RetryAfter)
	}
	if tern.KindOf(err) != tern.KindTransient {
		t.Errorf("expected transient kind for 429, got %v", tern.KindOf(err))
	}

	// Channel must be closed even on error.
	if _, open := <-ch; open {
		t.Error("expected channel to be closed on error")
	}
}

func TestName(t *testing.T) {
	p := New("key", "claude-sonnet-4-0")
	if p.Name() != "anthropic" {
		t.Errorf("expected name 'anthropic', got %q", p.Name())
	}
}

func TestRequestModelOverridesDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "claude-haiku-4-0" {
			t.Errorf("expected model claude-haiku-4-0, got %s", req.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageResponse{
			ID:         "msg_5",
			Model:      "claude-haiku-4-0",
			Role:       "assistant",
			Content:    []contentBlock{{Type: "text", Text: "ok"}},
			StopReason: "end_turn",
		})
	}))
	defer srv.Close()

	p := New("test-key", "claude-sonnet-4-0", WithBaseURL(srv.URL))

	resp, err := p.Chat(context.Background(), tern.ModelRequest{
		Model:    "claude-haiku-4-0",
		Messages: []tern.ChatMessage{{Role: "user", Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Model != "claude-haiku-4-0" {
		t.Errorf("expected response model claude-haiku-4-0, got %q", resp.Model)
	}
}
