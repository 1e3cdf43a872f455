package tern

import (
	"context"
	"fmt"
)

// ModelCallFunc advances a model call to the next layer of the stack.
// The innermost layer calls the provider.
type ModelCallFunc func(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

// ToolCallFunc advances a tool call to the next layer of the stack.
// The innermost layer rejects the call as an unknown tool, so a middleware
// that owns a tool name consumes the call instead of forwarding it.
type ToolCallFunc func(ctx context.Context, call *ToolCallRequest) (*ToolResult, error)

// ModelInterceptor wraps every LLM request/response round trip.
// Implementations may mutate the outbound request (inject tool schemas,
// system prompt fragments, cache markers) and inspect the response.
// next must be invoked at most once. Must be safe for concurrent use.
type ModelInterceptor interface {
	WrapModelCall(ctx context.Context, req *ModelRequest, next ModelCallFunc) (*ModelResponse, error)
}

// ToolInterceptor wraps every tool invocation. Implementations may reject,
// rewrite arguments, enforce policy, or handle the call entirely (without
// invoking next). next must be invoked at most once.
// Must be safe for concurrent use.
type ToolInterceptor interface {
	WrapToolCall(ctx context.Context, call *ToolCallRequest, next ToolCallFunc) (*ToolResult, error)
}

// RunStarter is called once before a run's first model call.
type RunStarter interface {
	BeforeRun(ctx context.Context, info *RunInfo) error
}

// RunFinisher is called once after a run reaches a terminal outcome,
// in reverse registration order. Errors are logged, not propagated.
type RunFinisher interface {
	AfterRun(ctx context.Context, info *RunInfo) error
}

// RunInfo identifies a run to lifecycle hooks.
type RunInfo struct {
	ThreadID  string
	RunID     string
	StartedAt int64
	// Err is the run's terminal error, set before AfterRun. Nil on
	// success; context.Canceled when the run was cancelled.
	Err error
}

// runInfoCtxKey is the context key for the active run's RunInfo.
type runInfoCtxKey struct{}

// WithRunInfoContext returns a child context carrying the active run's
// identity, so middlewares on the model path can tell runs apart.
func WithRunInfoContext(ctx context.Context, info *RunInfo) context.Context {
	return context.WithValue(ctx, runInfoCtxKey{}, info)
}

// RunInfoFromContext retrieves the active run's RunInfo from ctx.
// Returns nil, false outside a run.
func RunInfoFromContext(ctx context.Context) (*RunInfo, bool) {
	info, ok := ctx.Value(runInfoCtxKey{}).(*RunInfo)
	return info, ok
}

// Stack is an ordered middleware list applied outermost-first on the way
// in, innermost-first on the way out. A middleware is any value
// implementing at least one of ModelInterceptor, ToolInterceptor,
// RunStarter, RunFinisher.
type Stack struct {
	mws []any
}

// NewStack creates a stack from the given middlewares, outermost first.
func NewStack(mws ...any) *Stack {
	s := &Stack{}
	for _, mw := range mws {
		s.Use(mw)
	}
	return s
}

// Use appends a middleware. Panics if mw implements none of the four
// capability interfaces — that is always a wiring bug, not a runtime
// condition.
func (s *Stack) Use(mw any) {
	_, isModel := mw.(ModelInterceptor)
	_, isTool := mw.(ToolInterceptor)
	_, isStart := mw.(RunStarter)
	_, isFinish := mw.(RunFinisher)
	if !isModel && !isTool && !isStart && !isFinish {
		panic(fmt.Sprintf("tern: middleware %T implements none of ModelInterceptor, ToolInterceptor, RunStarter, RunFinisher", mw))
	}
	s.mws = append(s.mws, mw)
}

// Len returns the number of registered middlewares.
func (s *Stack) Len() int { return len(s.mws) }

// ModelCall composes the registered ModelInterceptors around base.
// Registration order is outermost-first: the first Use'd middleware sees
// the request first and the response last.
func (s *Stack) ModelCall(base ModelCallFunc) ModelCallFunc {
	next := base
	for i := len(s.mws) - 1; i >= 0; i-- {
		mi, ok := s.mws[i].(ModelInterceptor)
		if !ok {
			continue
		}
		inner := next
		next = func(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
			return mi.WrapModelCall(ctx, req, inner)
		}
	}
	return next
}

// ToolCall composes the registered ToolInterceptors around base.
func (s *Stack) ToolCall(base ToolCallFunc) ToolCallFunc {
	next := base
	for i := len(s.mws) - 1; i >= 0; i-- {
		ti, ok := s.mws[i].(ToolInterceptor)
		if !ok {
			continue
		}
		inner := next
		next = func(ctx context.Context, call *ToolCallRequest) (*ToolResult, error) {
			return ti.WrapToolCall(ctx, call, inner)
		}
	}
	return next
}

// BeforeRun invokes RunStarter hooks in registration order, stopping at
// the first error.
func (s *Stack) BeforeRun(ctx context.Context, info *RunInfo) error {
	for _, mw := range s.mws {
		if rs, ok := mw.(RunStarter); ok {
			if err := rs.BeforeRun(ctx, info); err != nil {
				return err
			}
		}
	}
	return nil
}

// AfterRun invokes RunFinisher hooks in reverse registration order.
// All hooks run; the first error is returned after the sweep.
func (s *Stack) AfterRun(ctx context.Context, info *RunInfo) error {
	var first error
	for i := len(s.mws) - 1; i >= 0; i-- {
		if rf, ok := s.mws[i].(RunFinisher); ok {
			if err := rf.AfterRun(ctx, info); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// UnknownTool is the innermost ToolCallFunc: any call that no middleware
// consumed is malformed input from the model's perspective.
func UnknownTool(_ context.Context, call *ToolCallRequest) (*ToolResult, error) {
	return ErrorResult(Errorf(KindInvalidInput,
		"unknown tool %q: the tool is not registered on this agent; check the tool list in the request", call.Name)), nil
}
