package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/ternhq/tern"
)

// StreamSSE reads an SSE stream from body, sends text deltas to ch, and
// returns the fully accumulated response (content, tool calls, usage).
// The channel is closed before returning, on every path.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- string) (tern.ModelResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		content strings.Builder
		usage   tern.Usage
		model   string
		finish  string
	)

	// Tool calls stream incrementally: each fragment carries an index and
	// argument text accumulates as string pieces.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = parseUsage(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finish = fr
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			select {
			case ch <- delta.Content:
			case <-ctx.Done():
				return tern.ModelResponse{}, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return tern.ModelResponse{}, err
	}

	var calls []tern.ToolCall
	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, tern.ToolCall{ID: tc.ID, Name: tc.Name, Args: args})
	}

	return tern.ModelResponse{
		Content:    content.String(),
		ToolCalls:  calls,
		Usage:      usage,
		StopReason: finish,
		Model:      model,
	}, nil
}
