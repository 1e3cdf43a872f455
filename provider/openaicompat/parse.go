package openaicompat

import (
	"encoding/json"

	"github.com/ternhq/tern"
)

// ParseResponse converts an OpenAI-format ChatResponse into a
// tern.ModelResponse, reading content, tool calls, finish reason, and
// usage from choices[0].
func ParseResponse(resp ChatResponse) (tern.ModelResponse, error) {
	out := tern.ModelResponse{Model: resp.Model}

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	out.StopReason = choice.FinishReason
	out.Usage = parseUsage(resp.Usage)
	return out, nil
}

// parseUsage maps OpenAI usage onto the standardized buckets.
// prompt_tokens includes cached tokens, so InputIncludesCache is set when
// a cached figure is present; completion_tokens includes reasoning, so
// the reasoning share is moved out of output rather than double-counted.
func parseUsage(u *Usage) tern.Usage {
	if u == nil {
		return tern.Usage{}
	}
	out := tern.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if d := u.PromptTokensDetails; d != nil && d.CachedTokens > 0 {
		out.CacheReadTokens = d.CachedTokens
		out.InputIncludesCache = true
	}
	if d := u.CompletionTokensDetails; d != nil && d.ReasoningTokens > 0 {
		out.ReasoningTokens = d.ReasoningTokens
		out.OutputTokens -= d.ReasoningTokens
		if out.OutputTokens < 0 {
			out.OutputTokens = 0
		}
	}
	return out
}

// ParseToolCalls converts OpenAI tool call requests to tern ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid fragments
// fall back to an empty object so the tool layer can reject them with a
// structured error instead of a panic.
func ParseToolCalls(tcs []ToolCallRequest) []tern.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]tern.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, tern.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
