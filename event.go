package tern

import (
	"context"
	"encoding/json"
)

// RunEventType identifies the kind of streaming event.
type RunEventType string

const (
	// EventText carries an incremental text chunk from the LLM.
	EventText RunEventType = "text"
	// EventToolCall signals a tool is about to be invoked.
	EventToolCall RunEventType = "tool_call"
	// EventToolResult carries the result of a completed tool call.
	EventToolResult RunEventType = "tool_result"
	// EventStatus carries the monitor snapshot after each LLM response.
	EventStatus RunEventType = "status"
	// EventTaskStart signals a sub-agent run has been spawned.
	EventTaskStart RunEventType = "task_start"
	// EventTaskText carries a sub-agent text chunk.
	EventTaskText RunEventType = "task_text"
	// EventTaskToolCall is a sub-agent tool invocation.
	EventTaskToolCall RunEventType = "task_tool_call"
	// EventTaskToolResult is a sub-agent tool result.
	EventTaskToolResult RunEventType = "task_tool_result"
	// EventTaskDone signals a sub-agent run has completed.
	EventTaskDone RunEventType = "task_done"
	// EventDone terminates a successful run stream.
	EventDone RunEventType = "done"
	// EventError terminates a failed run stream.
	EventError RunEventType = "error"
	// EventCancelled terminates a cancelled run stream.
	EventCancelled RunEventType = "cancelled"
)

// RunEvent is one element of a run's event stream. Seq is strictly
// monotonic within a run; subscribers may receive batches but never a
// reordering.
type RunEvent struct {
	RunID string       `json:"run_id"`
	Seq   int64        `json:"seq"`
	Type  RunEventType `json:"type"`

	// Delta carries text for text/task_text events.
	Delta string `json:"delta,omitempty"`

	// Tool call fields (tool_call, tool_result, task_tool_*).
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Content    string          `json:"content,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`

	// ParentToolCallID links sub-agent events to the task tool call that
	// spawned them.
	ParentToolCallID string `json:"parent_tool_call_id,omitempty"`

	// Status is set on status events only.
	Status *StatusSnapshot `json:"status,omitempty"`

	// Error fields (error events only).
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StatusSnapshot is the monitor state attached to status events.
type StatusSnapshot struct {
	State          string  `json:"state"`
	Usage          Usage   `json:"usage"`
	CostUSD        string  `json:"cost_usd,omitempty"`
	MessageCount   int     `json:"message_count"`
	EstimatedTokens int64  `json:"estimated_tokens"`
	ContextLimit   int64   `json:"context_limit,omitempty"`
	ContextUsed    float64 `json:"context_used,omitempty"` // fraction of limit
	NearLimit      bool    `json:"near_limit,omitempty"`
	Flags          map[string]bool `json:"flags,omitempty"`
}

// EmitFunc publishes an event onto the active run's stream, assigning the
// sequence number. Returns the stamped copy.
type EmitFunc func(RunEvent) RunEvent

// emitterCtxKey is the context key for the run's event emitter.
type emitterCtxKey struct{}

// WithEmitterContext returns a child context carrying the run's event
// emitter. Set by the scheduler for the duration of a run; middlewares
// use it to publish status and sub-run events.
func WithEmitterContext(ctx context.Context, emit EmitFunc) context.Context {
	return context.WithValue(ctx, emitterCtxKey{}, emit)
}

// EmitterFromContext retrieves the event emitter from ctx.
// Returns nil, false outside a run.
func EmitterFromContext(ctx context.Context) (EmitFunc, bool) {
	emit, ok := ctx.Value(emitterCtxKey{}).(EmitFunc)
	return emit, ok
}

// AsTaskEvent re-types a sub-run event for emission on the parent stream.
// Terminal sub-run events (done, error, cancelled) all map to task_done;
// status events are dropped since the parent has its own monitor.
func AsTaskEvent(ev RunEvent, parentToolCallID string) (RunEvent, bool) {
	out := ev
	out.ParentToolCallID = parentToolCallID
	switch ev.Type {
	case EventText:
		out.Type = EventTaskText
	case EventToolCall:
		out.Type = EventTaskToolCall
	case EventToolResult:
		out.Type = EventTaskToolResult
	case EventDone, EventError, EventCancelled:
		out.Type = EventTaskDone
		out.Message = ev.Message
	case EventStatus:
		return RunEvent{}, false
	default:
		// Nested task events pass through unchanged apart from the parent id.
	}
	return out, true
}
