package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/ternhq/tern"
)

// readStream consumes a Messages API SSE stream, sends text deltas to ch,
// and returns the accumulated response. The channel is closed before
// returning, on every path.
//
// Event flow: message_start carries model and input-side usage;
// content_block_start opens a text or tool_use block at an index;
// content_block_delta carries text_delta or input_json_delta fragments;
// message_delta carries the stop reason and output-side usage;
// message_stop ends the stream. ping events are ignored.
func readStream(ctx context.Context, body io.Reader, ch chan<- string) (tern.ModelResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		content strings.Builder
		out     tern.ModelResponse
	)

	// Tool blocks stream as a start event (id, name) followed by
	// input_json_delta fragments at the same index.
	type partialTool struct {
		id, name string
		args     strings.Builder
		seed     json.RawMessage
	}
	tools := map[int]*partialTool{}

scan:
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				out.Model = ev.Message.Model
				out.Usage = parseUsage(ev.Message.Usage)
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				tools[ev.Index] = &partialTool{
					id:   ev.ContentBlock.ID,
					name: ev.ContentBlock.Name,
					seed: ev.ContentBlock.Input,
				}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				content.WriteString(ev.Delta.Text)
				select {
				case ch <- ev.Delta.Text:
				case <-ctx.Done():
					return tern.ModelResponse{}, ctx.Err()
				}
			case "input_json_delta":
				if pt := tools[ev.Index]; pt != nil {
					pt.args.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				out.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				// Cumulative; last value wins.
				out.Usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			return tern.ModelResponse{}, &tern.ErrLLM{Provider: "anthropic", Message: msg}

		case "message_stop":
			break scan
		}
	}
	if err := scanner.Err(); err != nil {
		return tern.ModelResponse{}, err
	}

	out.Content = content.String()

	indexes := make([]int, 0, len(tools))
	for i := range tools {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		pt := tools[i]
		args := json.RawMessage(pt.args.String())
		if len(args) == 0 {
			args = pt.seed
		}
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, tern.ToolCall{ID: pt.id, Name: pt.name, Args: args})
	}

	return out, nil
}

// parseUsage maps Messages API usage onto the standardized buckets.
// input_tokens already excludes the cache buckets, so InputIncludesCache
// stays false and no subtraction is needed downstream.
func parseUsage(u wireUsage) tern.Usage {
	return tern.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}
