package openaicompat

import (
	"encoding/json"

	"github.com/ternhq/tern"
)

// BuildBody converts a conversation and tool catalog into an OpenAI-format
// ChatRequest. System messages stay in the messages array as role:"system";
// cache_control markers are dropped since the protocol has no slot for
// them. Options configure generation parameters.
func BuildBody(messages []tern.ChatMessage, tools []tern.ToolDefinition, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}
	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// BuildToolDefs converts tool definitions to the OpenAI function format.
func BuildToolDefs(tools []tern.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
