// Package todo is the task-list middleware. todo_read and todo_write
// maintain a per-thread in-memory checklist; there is no I/O and no
// persistence beyond the process.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ternhq/tern"
)

// Item is one checklist entry.
type Item struct {
	Content    string `json:"content"`
	Status     string `json:"status"` // "pending", "in_progress", "completed"
	ActiveForm string `json:"active_form,omitempty"`
}

func validStatus(s string) bool {
	return s == "pending" || s == "in_progress" || s == "completed"
}

// Middleware implements the todo tools.
type Middleware struct {
	mu    sync.Mutex
	lists map[string][]Item
}

var (
	_ tern.ModelInterceptor = (*Middleware)(nil)
	_ tern.ToolInterceptor  = (*Middleware)(nil)
)

// New builds the todo middleware.
func New() *Middleware {
	return &Middleware{lists: make(map[string][]Item)}
}

// List returns a copy of the thread's current checklist.
func (m *Middleware) List(threadID string) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[threadID]
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

// Definitions returns the tool schemas injected into model requests.
func (m *Middleware) Definitions() []tern.ToolDefinition {
	return []tern.ToolDefinition{
		{
			Name:        "todo_read",
			Description: "Read the current task list for this conversation.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "todo_write",
			Description: "Replace the task list. Each item has content, status (pending, in_progress, completed), and an optional active_form shown while in progress.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"todos":{"type":"array","items":{"type":"object","properties":{"content":{"type":"string"},"status":{"type":"string","enum":["pending","in_progress","completed"]},"active_form":{"type":"string"}},"required":["content","status"]}}},"required":["todos"]}`),
		},
	}
}

// WrapModelCall appends the todo tool schemas to the outbound request.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	req.Tools = append(req.Tools, m.Definitions()...)
	return next(ctx, req)
}

// WrapToolCall executes the todo tools; everything else forwards.
func (m *Middleware) WrapToolCall(ctx context.Context, call *tern.ToolCallRequest, next tern.ToolCallFunc) (*tern.ToolResult, error) {
	switch call.Name {
	case "todo_read":
		return m.read(call.ThreadID), nil
	case "todo_write":
		return m.write(call), nil
	default:
		return next(ctx, call)
	}
}

func (m *Middleware) read(threadID string) *tern.ToolResult {
	return &tern.ToolResult{Content: render(m.List(threadID))}
}

func (m *Middleware) write(call *tern.ToolCallRequest) *tern.ToolResult {
	var params struct {
		Todos []Item `json:"todos"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "invalid todo_write args: %v", err))
	}
	for i, item := range params.Todos {
		if item.Content == "" {
			return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "todo %d has empty content", i))
		}
		if !validStatus(item.Status) {
			return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput,
				"todo %d has status %q; use pending, in_progress, or completed", i, item.Status))
		}
	}

	m.mu.Lock()
	m.lists[call.ThreadID] = params.Todos
	m.mu.Unlock()

	return &tern.ToolResult{Content: render(params.Todos)}
}

// render formats the checklist for the model.
func render(items []Item) string {
	if len(items) == 0 {
		return "(no todos)"
	}
	var b strings.Builder
	for _, item := range items {
		var mark string
		switch item.Status {
		case "completed":
			mark = "[x]"
		case "in_progress":
			mark = "[~]"
		default:
			mark = "[ ]"
		}
		text := item.Content
		if item.Status == "in_progress" && item.ActiveForm != "" {
			text = item.ActiveForm
		}
		fmt.Fprintf(&b, "%s %s\n", mark, text)
	}
	return strings.TrimRight(b.String(), "\n")
}
