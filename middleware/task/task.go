// Package task implements sub-agent delegation. The task tool spawns an
// isolated run on an inner engine; sub-run events are re-emitted on the
// parent stream re-typed as task_* with the spawning tool call id
// attached, and the sub-agent's final answer becomes the tool result.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/store/memstore"
)

// Subagent describes one spawnable agent type.
type Subagent struct {
	Type          string // subagent_type key
	Description   string // one line for the tool description
	SystemPrompt  string
	Model         string // empty inherits the middleware default
	Middlewares   []any  // stack for the sub-engine, outermost first
	MaxIterations int
}

// Middleware owns the task tool. Each subagent type runs on its own inner
// engine; all inner engines share one in-memory store, which is where the
// final answer is read back from.
type Middleware struct {
	provider     tern.ModelProvider
	store        *memstore.Store
	engines      map[string]*tern.Engine
	subs         map[string]Subagent
	order        []string
	defaultModel string
	logger       *slog.Logger
}

var (
	_ tern.ModelInterceptor = (*Middleware)(nil)
	_ tern.ToolInterceptor  = (*Middleware)(nil)
)

type Option func(*Middleware)

// WithDefaultModel sets the model for subagents that do not name one.
func WithDefaultModel(model string) Option {
	return func(m *Middleware) { m.defaultModel = model }
}

func WithLogger(l *slog.Logger) Option { return func(m *Middleware) { m.logger = l } }

// New builds the task middleware. Duplicate subagent types keep the first
// definition.
func New(provider tern.ModelProvider, subagents []Subagent, opts ...Option) *Middleware {
	m := &Middleware{
		provider: provider,
		store:    memstore.New(),
		engines:  make(map[string]*tern.Engine, len(subagents)),
		subs:     make(map[string]Subagent, len(subagents)),
		logger:   tern.NopLogger(),
	}
	for _, sa := range subagents {
		if _, ok := m.subs[sa.Type]; ok {
			continue
		}
		m.subs[sa.Type] = sa
		m.order = append(m.order, sa.Type)
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, typ := range m.order {
		m.engines[typ] = m.buildEngine(m.subs[typ])
	}
	return m
}

func (m *Middleware) buildEngine(sa Subagent) *tern.Engine {
	model := sa.Model
	if model == "" {
		model = m.defaultModel
	}
	engOpts := []tern.Option{
		tern.WithStore(m.store),
		tern.WithLogger(m.logger),
		tern.WithModel(model),
		tern.WithSystemPrompt(sa.SystemPrompt),
	}
	if sa.MaxIterations > 0 {
		engOpts = append(engOpts, tern.WithMaxIterations(sa.MaxIterations))
	}
	if len(sa.Middlewares) > 0 {
		engOpts = append(engOpts, tern.WithMiddlewares(sa.Middlewares...))
	}
	return tern.New(m.provider, engOpts...)
}

// Definitions returns the task schema. The description carries the
// subagent catalog.
func (m *Middleware) Definitions() []tern.ToolDefinition {
	return []tern.ToolDefinition{{
		Name:        "task",
		Description: m.describe(),
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"subagent_type":{"type":"string","description":"Subagent type from the available list"},` +
			`"prompt":{"type":"string","description":"Full task instructions for the subagent"},` +
			`"description":{"type":"string","description":"Short (3-5 word) summary of the task"}},` +
			`"required":["subagent_type","prompt"]}`),
	}}
}

func (m *Middleware) describe() string {
	var b strings.Builder
	b.WriteString("Delegate a task to an isolated subagent and receive its final answer. ")
	b.WriteString("The subagent has no access to this conversation, so the prompt must be self-contained. Available subagent types:\n")
	for _, typ := range m.order {
		sa := m.subs[typ]
		b.WriteString("- " + typ)
		if sa.Description != "" {
			b.WriteString(": " + sa.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// WrapModelCall injects the task schema. No-op when no subagent types are
// configured.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	if len(m.order) == 0 {
		return next(ctx, req)
	}
	req.Tools = append(req.Tools, m.Definitions()...)
	return next(ctx, req)
}

// WrapToolCall runs the task tool; everything else forwards.
func (m *Middleware) WrapToolCall(ctx context.Context, call *tern.ToolCallRequest, next tern.ToolCallFunc) (*tern.ToolResult, error) {
	if call.Name != "task" {
		return next(ctx, call)
	}

	var params struct {
		SubagentType string `json:"subagent_type"`
		Prompt       string `json:"prompt"`
		Description  string `json:"description"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "invalid task args: %v", err)), nil
	}
	eng, ok := m.engines[params.SubagentType]
	if !ok {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput,
			"unknown subagent_type %q; available: %s", params.SubagentType, strings.Join(m.order, ", "))), nil
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "prompt is required")), nil
	}

	emit, hasEmit := tern.EmitterFromContext(ctx)
	if !hasEmit {
		emit = func(ev tern.RunEvent) tern.RunEvent { return ev }
	}
	emit(tern.RunEvent{
		Type:             tern.EventTaskStart,
		ParentToolCallID: call.ID,
		ToolName:         params.SubagentType,
		Content:          params.Description,
	})

	// Run ids are unique, so reused tool call ids across runs cannot
	// collide into the same sub-thread.
	subThreadID := fmt.Sprintf("task-%s-%s", call.RunID, call.ID)
	m.logger.Info("subagent started", "type", params.SubagentType, "thread_id", call.ThreadID, "sub_thread_id", subThreadID)

	run, err := eng.StartRun(ctx, subThreadID, params.Prompt)
	if err != nil {
		return nil, tern.WrapError(tern.KindOf(err), err, "start subagent "+params.SubagentType)
	}

	// The sub-run has its own lifetime; tie it to the parent's here.
	go func() {
		select {
		case <-ctx.Done():
			run.Cancel()
		case <-run.Done():
		}
	}()

	for ev := range run.Subscribe(ctx, 0) {
		if out, ok := tern.AsTaskEvent(ev, call.ID); ok {
			emit(out)
		}
	}
	<-run.Done()

	if ctx.Err() != nil {
		return nil, tern.WrapError(tern.KindCancelled, context.Cause(ctx), "subagent "+params.SubagentType+" cancelled")
	}
	if err := run.Err(); err != nil {
		return nil, tern.WrapError(tern.KindOf(err), err, "subagent "+params.SubagentType+" failed")
	}

	answer, err := m.finalAnswer(ctx, subThreadID)
	if err != nil {
		return nil, tern.WrapError(tern.KindInternalBug, err, "read subagent conversation")
	}
	usage := run.Usage()
	m.logger.Info("subagent finished", "type", params.SubagentType, "sub_thread_id", subThreadID,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)
	return &tern.ToolResult{Content: answer}, nil
}

// finalAnswer returns the last non-empty assistant message of the
// sub-run's conversation.
func (m *Middleware) finalAnswer(ctx context.Context, threadID string) (string, error) {
	msgs, err := m.store.Messages(ctx, threadID)
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && msgs[i].Content != "" {
			return msgs[i].Content, nil
		}
	}
	return "(subagent produced no final answer)", nil
}
