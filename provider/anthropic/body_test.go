package anthropic

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ternhq/tern"
)

func TestBuildBody_SystemExtracted(t *testing.T) {
	req := tern.ModelRequest{
		Messages: []tern.ChatMessage{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "Hello"},
		},
	}

	body := buildBody(req, "claude-sonnet-4-0", 8192)

	if len(body.System) != 1 {
		t.Fatalf("expected 1 system block, got %d", len(body.System))
	}
	if body.System[0].Type != "text" || body.System[0].Text != "You are terse." {
		t.Errorf("unexpected system block: %+v", body.System[0])
	}

	// System messages never appear in the messages array.
	if len(body.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(body.Messages))
	}
	if body.Messages[0].Role != "user" {
		t.Errorf("expected role 'user', got %q", body.Messages[0].Role)
	}
}

func TestBuildBody_ToolResultBecomesUserTurn(t *testing.T) {
	req := tern.ModelRequest{
		Messages: []tern.ChatMessage{
			{
				Role: "assistant",
				ToolCalls: []tern.ToolCall{
					{ID: "toolu_1", Name: "get_weather", Args: json.RawMessage(`{"city":"London"}`)},
				},
			},
			{Role: "tool", Content: "12C, overcast", ToolCallID: "toolu_1"},
		},
	}

	body := buildBody(req, "claude-sonnet-4-0", 8192)

	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}

	assistant := body.Messages[0]
	if assistant.Role != "assistant" {
		t.Errorf("expected role 'assistant', got %q", assistant.Role)
	}
	if len(assistant.Content) != 1 || assistant.Content[0].Type != "tool_use" {
		t.Fatalf("expected one tool_use block, got %+v", assistant.Content)
	}
	if assistant.Content[0].ID != "toolu_1" || assistant.Content[0].Name != "get_weather" {
		t.Errorf("unexpected tool_use block: %+v", assistant.Content[0])
	}

	result := body.Messages[1]
	if result.Role != "user" {
		t.Errorf("expected role 'user' for tool result, got %q", result.Role)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "tool_result" {
		t.Fatalf("expected one tool_result block, got %+v", result.Content)
	}
	if result.Content[0].ToolUseID != "toolu_1" {
		t.Errorf("expected tool_use_id 'toolu_1', got %q", result.Content[0].ToolUseID)
	}
	if result.Content[0].Content != "12C, overcast" {
		t.Errorf("unexpected tool result content: %q", result.Content[0].Content)
	}
}

func TestBuildBody_ParallelToolResultsMerge(t *testing.T) {
	req := tern.ModelRequest{
		Messages: []tern.ChatMessage{
			{
				Role: "assistant",
				ToolCalls: []tern.ToolCall{
					{ID: "toolu_1", Name: "search", Args: json.RawMessage(`{"q":"a"}`)},
					{ID: "toolu_2", Name: "search", Args: json.RawMessage(`{"q":"b"}`)},
				},
			},
			{Role: "tool", Content: "result a", ToolCallID: "toolu_1"},
			{Role: "tool", Content: "result b", ToolCallID: "toolu_2"},
		},
	}

	body := buildBody(req, "claude-sonnet-4-0", 8192)

	// Roles must alternate: both results collapse into one user turn.
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages after merge, got %d", len(body.Messages))
	}
	merged := body.Messages[1]
	if merged.Role != "user" {
		t.Errorf("expected role 'user', got %q", merged.Role)
	}
	if len(merged.Content) != 2 {
		t.Fatalf("expected 2 tool_result blocks, got %d", len(merged.Content))
	}
	if merged.Content[0].ToolUseID != "toolu_1" || merged.Content[1].ToolUseID != "toolu_2" {
		t.Errorf("tool results out of order: %+v", merged.Content)
	}
}

func TestBuildBody_CacheControlPassthrough(t *testing.T) {
	req := tern.ModelRequest{
		Messages: []tern.ChatMessage{
			{
				Role:         "system",
				Content:      "Long cached prologue.",
				CacheControl: &tern.CacheControl{Type: "ephemeral"},
			},
			{
				Role:         "user",
				Content:      "Hello",
				CacheControl: &tern.CacheControl{Type: "ephemeral"},
			},
		},
	}

	body := buildBody(req, "claude-sonnet-4-0", 8192)

	if body.System[0].CacheControl == nil || body.System[0].CacheControl.Type != "ephemeral" {
		t.Errorf("expected cache_control on system block, got %+v", body.System[0].CacheControl)
	}
	if body.Messages[0].Content[0].CacheControl == nil {
		t.Error("expected cache_control on user block")
	}

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	if !strings.Contains(string(data), `"cache_control":{"type":"ephemeral"}`) {
		t.Errorf("cache_control missing from wire body: %s", data)
	}
}

func TestBuildBody_AssistantTextWithToolCalls(t *testing.T) {
	req := tern.ModelRequest{
		Messages: []tern.ChatMessage{
			{
				Role:    "assistant",
				Content: "Checking the weather.",
				ToolCalls: []tern.ToolCall{
					{ID: "toolu_9", Name: "get_weather", Args: nil},
				},
			},
		},
	}

	body := buildBody(req, "claude-sonnet-4-0", 8192)

	blocks := body.Messages[0].Content
	if len(blocks) != 2 {
		t.Fatalf("expected text + tool_use blocks, got %d", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "Checking the weather." {
		t.Errorf("unexpected text block: %+v", blocks[0])
	}
	if blocks[1].Type != "tool_use" {
		t.Errorf("expected tool_use block, got %q", blocks[1].Type)
	}
	// Empty args become an empty object, never null.
	if string(blocks[1].Input) != `{}` {
		t.Errorf("expected empty input object, got %s", blocks[1].Input)
	}
}

func TestBuildBody_MaxTokens(t *testing.T) {
	req := tern.ModelRequest{
		Messages: []tern.ChatMessage{{Role: "user", Content: "Hi"}},
	}

	body := buildBody(req, "claude-sonnet-4-0", 8192)
	if body.MaxTokens != 8192 {
		t.Errorf("expected default max_tokens 8192, got %d", body.MaxTokens)
	}

	req.MaxTokens = 1024
	body = buildBody(req, "claude-sonnet-4-0", 8192)
	if body.MaxTokens != 1024 {
		t.Errorf("expected per-request max_tokens 1024, got %d", body.MaxTokens)
	}
}

func TestBuildBody_Temperature(t *testing.T) {
	temp := 0.3
	req := tern.ModelRequest{
		Messages:    []tern.ChatMessage{{Role: "user", Content: "Hi"}},
		Temperature: &temp,
	}

	body := buildBody(req, "claude-sonnet-4-0", 8192)
	if body.Temperature == nil || *body.Temperature != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", body.Temperature)
	}
}

func TestBuildBody_Tools(t *testing.T) {
	req := tern.ModelRequest{
		Messages: []tern.ChatMessage{{Role: "user", Content: "Hi"}},
		Tools: []tern.ToolDefinition{
			{
				Name:        "get_weather",
				Description: "Get the current weather",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
			{Name: "noop", Description: "No schema"},
		},
	}

	body := buildBody(req, "claude-sonnet-4-0", 8192)

	if len(body.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(body.Tools))
	}
	if body.Tools[0].Name != "get_weather" {
		t.Errorf("expected tool 'get_weather', got %q", body.Tools[0].Name)
	}

	// Missing schema falls back to an empty object schema.
	var schema map[string]any
	if err := json.Unmarshal(body.Tools[1].InputSchema, &schema); err != nil {
		t.Fatalf("failed to parse fallback schema: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("expected fallback schema type 'object', got %v", schema["type"])
	}
}

func TestMergeAdjacent_AlternatingUntouched(t *testing.T) {
	msgs := []wireMessage{
		{Role: "user", Content: []contentBlock{{Type: "text", Text: "a"}}},
		{Role: "assistant", Content: []contentBlock{{Type: "text", Text: "b"}}},
		{Role: "user", Content: []contentBlock{{Type: "text", Text: "c"}}},
	}

	out := mergeAdjacent(msgs)
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
}
