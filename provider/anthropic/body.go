package anthropic

import (
	"encoding/json"

	"github.com/ternhq/tern"
)

// buildBody converts a tern.ModelRequest into the Messages API shape.
// System messages move to the top-level system array; tool results become
// tool_result blocks in user turns; adjacent same-role turns are merged
// because the API requires alternating roles. cache_control markers ride
// on the last block of their message.
func buildBody(req tern.ModelRequest, model string, maxTokens int) messageRequest {
	body := messageRequest{
		Model:     model,
		MaxTokens: maxTokens,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		body.Temperature = req.Temperature
	}

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			blk := contentBlock{Type: "text", Text: m.Content, CacheControl: m.CacheControl}
			body.System = append(body.System, blk)

		case m.Role == "tool":
			blk := contentBlock{
				Type:         "tool_result",
				ToolUseID:    m.ToolCallID,
				Content:      m.Content,
				CacheControl: m.CacheControl,
			}
			body.Messages = append(body.Messages, wireMessage{
				Role:    "user",
				Content: []contentBlock{blk},
			})

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if m.CacheControl != nil && len(blocks) > 0 {
				blocks[len(blocks)-1].CacheControl = m.CacheControl
			}
			body.Messages = append(body.Messages, wireMessage{
				Role:    "assistant",
				Content: blocks,
			})

		default:
			blk := contentBlock{Type: "text", Text: m.Content, CacheControl: m.CacheControl}
			body.Messages = append(body.Messages, wireMessage{
				Role:    m.Role,
				Content: []contentBlock{blk},
			})
		}
	}

	body.Messages = mergeAdjacent(body.Messages)

	for _, t := range req.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	return body
}

// mergeAdjacent combines consecutive turns with the same role into one,
// concatenating their content blocks. Parallel tool results arrive as
// separate tool messages and must collapse into a single user turn.
func mergeAdjacent(msgs []wireMessage) []wireMessage {
	if len(msgs) < 2 {
		return msgs
	}
	out := msgs[:1]
	for _, m := range msgs[1:] {
		last := &out[len(out)-1]
		if m.Role == last.Role {
			last.Content = append(last.Content, m.Content...)
			continue
		}
		out = append(out, m)
	}
	return out
}
