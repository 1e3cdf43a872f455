package anthropic

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ternhq/tern"
)

// buildSSE constructs a mock Messages API event stream.
func buildSSE(events ...string) string {
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString("data: ")
		sb.WriteString(ev)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func TestReadStream_TextDeltas(t *testing.T) {
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4-0","usage":{"input_tokens":25,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`,
		`{"type":"message_stop"}`,
	)

	ch := make(chan string, 10)
	resp, err := readStream(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("readStream returned error: %v", err)
	}

	var deltas []string
	for d := range ch {
		deltas = append(deltas, d)
	}

	if resp.Content != "Hello world" {
		t.Errorf("expected content 'Hello world', got %q", resp.Content)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 deltas, got %d: %v", len(deltas), deltas)
	}
	if resp.Model != "claude-sonnet-4-0" {
		t.Errorf("expected model from message_start, got %q", resp.Model)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("expected stop reason 'end_turn', got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 25 {
		t.Errorf("expected 25 input tokens, got %d", resp.Usage.InputTokens)
	}
	// message_delta carries the final cumulative output count.
	if resp.Usage.OutputTokens != 12 {
		t.Errorf("expected 12 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestReadStream_ToolUse(t *testing.T) {
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_2","model":"claude-sonnet-4-0","usage":{"input_tokens":40,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Looking it up."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":":\"London\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":30}}`,
		`{"type":"message_stop"}`,
	)

	ch := make(chan string, 10)
	resp, err := readStream(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("readStream returned error: %v", err)
	}
	for range ch {
	}

	if resp.Content != "Looking it up." {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}

	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_1" {
		t.Errorf("expected ID 'toolu_1', got %q", tc.ID)
	}
	if tc.Name != "get_weather" {
		t.Errorf("expected name 'get_weather', got %q", tc.Name)
	}

	var args map[string]any
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		t.Fatalf("failed to parse tool args: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("expected city 'London', got %v", args["city"])
	}

	if resp.StopReason != "tool_use" {
		t.Errorf("expected stop reason 'tool_use', got %q", resp.StopReason)
	}
}

func TestReadStream_ToolUseWithoutDeltas(t *testing.T) {
	// Zero-argument tools emit a start event with input {} and no deltas.
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_3","model":"claude-sonnet-4-0","usage":{"input_tokens":10,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_2","name":"list_dir","input":{}}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`,
		`{"type":"message_stop"}`,
	)

	ch := make(chan string, 10)
	resp, err := readStream(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("readStream returned error: %v", err)
	}
	for range ch {
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if string(resp.ToolCalls[0].Args) != `{}` {
		t.Errorf("expected empty object args, got %s", resp.ToolCalls[0].Args)
	}
}

func TestReadStream_CacheUsage(t *testing.T) {
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_4","model":"claude-sonnet-4-0","usage":{"input_tokens":12,"output_tokens":1,"cache_read_input_tokens":2000,"cache_creation_input_tokens":300}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	)

	ch := make(chan string, 10)
	resp, err := readStream(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("readStream returned error: %v", err)
	}
	for range ch {
	}

	// input_tokens excludes the cache buckets.
	if resp.Usage.InputTokens != 12 {
		t.Errorf("expected 12 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.CacheReadTokens != 2000 {
		t.Errorf("expected 2000 cache read tokens, got %d", resp.Usage.CacheReadTokens)
	}
	if resp.Usage.CacheCreationTokens != 300 {
		t.Errorf("expected 300 cache creation tokens, got %d", resp.Usage.CacheCreationTokens)
	}
	if resp.Usage.InputIncludesCache {
		t.Error("InputIncludesCache must stay false for this API")
	}
}

func TestReadStream_ErrorEvent(t *testing.T) {
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_5","model":"claude-sonnet-4-0","usage":{"input_tokens":5,"output_tokens":1}}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	)

	ch := make(chan string, 10)
	_, err := readStream(context.Background(), strings.NewReader(sse), ch)
	if err == nil {
		t.Fatal("expected error from error event")
	}

	llmErr, ok := err.(*tern.ErrLLM)
	if !ok {
		t.Fatalf("expected *tern.ErrLLM, got %T", err)
	}
	if !strings.Contains(llmErr.Message, "overloaded_error") {
		t.Errorf("expected error type in message, got %q", llmErr.Message)
	}

	// Channel is closed even on the error path.
	if _, open := <-ch; open {
		t.Error("expected channel to be closed after stream error")
	}
}

func TestReadStream_PingIgnored(t *testing.T) {
	sse := buildSSE(
		`{"type":"message_start","message":{"id":"msg_6","model":"claude-sonnet-4-0","usage":{"input_tokens":5,"output_tokens":1}}}`,
		`{"type":"ping"}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
		`{"type":"ping"}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	)

	ch := make(chan string, 10)
	resp, err := readStream(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatalf("readStream returned error: %v", err)
	}
	for range ch {
	}

	if resp.Content != "hi" {
		t.Errorf("expected content 'hi', got %q", resp.Content)
	}
}
