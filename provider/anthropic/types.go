package anthropic

import (
	"encoding/json"

	"github.com/ternhq/tern"
)

// --- Request types ---

// messageRequest is the Messages API request body.
type messageRequest struct {
	Model         string         `json:"model"`
	MaxTokens     int            `json:"max_tokens"`
	System        []contentBlock `json:"system,omitempty"`
	Messages      []wireMessage  `json:"messages"`
	Tools         []wireTool     `json:"tools,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
}

// wireMessage is one conversational turn. Role is "user" or "assistant";
// system prompts live in the top-level system array instead.
type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock is the tagged block union used in both directions:
// text, tool_use (assistant), tool_result (user).
type contentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Prompt cache breakpoint, passed through from ChatMessage.
	CacheControl *tern.CacheControl `json:"cache_control,omitempty"`
}

// wireTool is a tool definition in the Messages API format.
type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// --- Response types ---

// messageResponse is a complete (non-streaming) Messages API response.
// The same shape carries the message_start payload during streaming.
type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      wireUsage      `json:"usage"`
}

// wireUsage is the Messages API token accounting. input_tokens excludes
// the cache buckets, unlike OpenAI's prompt_tokens.
type wireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// --- Streaming event types ---

// streamEvent is one SSE data payload. Type discriminates: message_start,
// content_block_start, content_block_delta, content_block_stop,
// message_delta, message_stop, ping, error.
type streamEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index,omitempty"`
	Message      *messageResponse `json:"message,omitempty"`
	ContentBlock *contentBlock    `json:"content_block,omitempty"`
	Delta        *streamDelta     `json:"delta,omitempty"`
	Usage        *wireUsage       `json:"usage,omitempty"`
	Error        *apiError        `json:"error,omitempty"`
}

// streamDelta is the delta payload of content_block_delta and
// message_delta events.
type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// apiError is the error detail inside an error event or error response body.
type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
