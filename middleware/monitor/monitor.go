// Package monitor feeds every model exchange into an
// [observer.AgentRuntime] and emits a status event carrying the updated
// snapshot, so subscribers can watch token spend, cost, and context
// pressure while the run is still moving.
package monitor

import (
	"context"
	"log/slog"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/observer"
)

// Middleware observes model traffic on behalf of an agent runtime. It
// intercepts model calls to record usage and implements the run hooks to
// keep the runtime's coarse state current between runs.
type Middleware struct {
	rt     *observer.AgentRuntime
	logger *slog.Logger
}

var (
	_ tern.ModelInterceptor = (*Middleware)(nil)
	_ tern.RunStarter       = (*Middleware)(nil)
	_ tern.RunFinisher      = (*Middleware)(nil)
)

// Option configures the middleware.
type Option func(*Middleware)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option { return func(m *Middleware) { m.logger = l } }

// New creates a monitor middleware backed by rt.
func New(rt *observer.AgentRuntime, opts ...Option) *Middleware {
	m := &Middleware{rt: rt, logger: tern.NopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Runtime returns the underlying agent runtime, for the HTTP layer's
// snapshot endpoint.
func (m *Middleware) Runtime() *observer.AgentRuntime { return m.rt }

// BeforeRun marks the runtime busy.
func (m *Middleware) BeforeRun(ctx context.Context, info *tern.RunInfo) error {
	m.rt.State.SetState(tern.RunStateStreaming.String())
	m.rt.State.SetFlag("run_active", true)
	return nil
}

// AfterRun records the terminal state of the run and logs the cumulative
// cost so far.
func (m *Middleware) AfterRun(ctx context.Context, info *tern.RunInfo) error {
	m.rt.State.SetFlag("run_active", false)
	if info.Err != nil {
		m.rt.State.SetState(tern.RunStateFailed.String())
	} else {
		m.rt.State.SetState(tern.RunStateIdle.String())
	}
	m.logger.Debug("run observed",
		"thread_id", info.ThreadID,
		"run_id", info.RunID,
		"cost_usd", m.rt.Cost().Total.String())
	return nil
}

// WrapModelCall measures the outbound conversation, forwards the call, and
// on success folds the response into the monitors and emits a status event
// with the fresh snapshot. Failed calls are passed through untouched; the
// run hooks account for terminal state.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	m.rt.State.SetState(tern.RunStateStreaming.String())
	m.rt.Context.Observe(req.Messages)

	resp, err := next(ctx, req)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	m.rt.ObserveResponse(model, resp)
	if len(resp.ToolCalls) > 0 {
		m.rt.State.SetState(tern.RunStateAwaitingTools.String())
	} else {
		m.rt.State.SetState(tern.RunStateDraining.String())
	}

	if emit, ok := tern.EmitterFromContext(ctx); ok {
		snap := m.rt.Snapshot()
		emit(tern.RunEvent{Type: tern.EventStatus, Status: &snap})
	}
	return resp, nil
}
