package tern

import "encoding/json"

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	// CacheControl marks a prompt-cache breakpoint for providers that
	// support it. Set by the promptcache middleware, never by callers.
	CacheControl *CacheControl   `json:"cache_control,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"` // provider-specific passthrough
}

// CacheControl is a provider cache marker attached to a message.
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ModelRequest is the outbound LLM request as seen (and mutated) by the
// middleware stack.
type ModelRequest struct {
	Model       string           `json:"model"`
	Provider    string           `json:"provider,omitempty"` // resolved provider family ("anthropic", "openai", ...)
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// ModelResponse is one complete assistant message plus usage accounting.
type ModelResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
	// RawUsage carries provider-specific usage fields that did not map
	// onto the standard buckets. The token monitor falls back to it.
	RawUsage   map[string]int64 `json:"raw_usage,omitempty"`
	StopReason string           `json:"stop_reason,omitempty"`
	Model      string           `json:"model,omitempty"`
}

// Usage is the standardized token accounting for one LLM response.
// Providers normalize into these six buckets; Total is authoritative when
// the provider reports it, otherwise derived.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	ReasoningTokens     int64 `json:"reasoning_tokens,omitempty"`
	CacheReadTokens     int64 `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`
	TotalTokens         int64 `json:"total_tokens,omitempty"`
	// InputIncludesCache is set by providers whose input_tokens figure
	// already counts cached tokens; the token monitor subtracts once to
	// produce adjusted input, and never double-subtracts.
	InputIncludesCache bool `json:"-"`
}

// Add accumulates other into u bucket by bucket.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.ReasoningTokens += other.ReasoningTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.TotalTokens += other.TotalTokens
}

// Total returns the reported total, or the bucket sum when absent.
func (u Usage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens +
		u.CacheReadTokens + u.CacheCreationTokens
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Tool call interception types ---

// ToolCallRequest is one tool invocation as seen by ToolInterceptor
// middlewares. ThreadID and RunID identify the owning run.
type ToolCallRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	ThreadID string          `json:"thread_id"`
	RunID    string          `json:"run_id"`
}

// ToolResult is the outcome of a tool execution. Errors are data: they
// flow back to the LLM as content with IsError set, they do not abort
// the run.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ErrorResult builds a ToolResult surfacing err to the model, including
// its kind so the model can distinguish bad input from a denied policy.
func ErrorResult(err error) *ToolResult {
	return &ToolResult{Content: err.Error(), IsError: true}
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
