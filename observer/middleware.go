package observer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ternhq/tern"
)

// Middleware instruments tool calls and run lifecycle with OTEL spans,
// metrics, and log records. Register it on the engine stack; run spans
// come from the engine's tracer (tern.WithTracer), this middleware owns
// the tool.execute spans and all counters.
type Middleware struct {
	inst *Instruments

	mu     sync.Mutex
	starts map[string]time.Time // run id -> BeforeRun time
}

var (
	_ tern.ToolInterceptor = (*Middleware)(nil)
	_ tern.RunStarter      = (*Middleware)(nil)
	_ tern.RunFinisher     = (*Middleware)(nil)
)

// NewMiddleware returns a middleware emitting telemetry on inst.
func NewMiddleware(inst *Instruments) *Middleware {
	return &Middleware{inst: inst, starts: make(map[string]time.Time)}
}

func (m *Middleware) WrapToolCall(ctx context.Context, call *tern.ToolCallRequest, next tern.ToolCallFunc) (*tern.ToolResult, error) {
	ctx, span := m.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(call.Name),
	))
	defer span.End()
	start := time.Now()

	result, err := next(ctx, call)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	resultLen := 0
	if result != nil {
		resultLen = len(result.Content)
		if result.IsError {
			status = "tool_error"
		}
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(resultLen),
	)

	m.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(call.Name),
		attribute.String("status", status),
	))
	m.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(call.Name),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", call.Name),
		otellog.String("run.id", call.RunID),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", resultLen),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	m.inst.Logger.Emit(ctx, rec)

	return result, err
}

func (m *Middleware) BeforeRun(ctx context.Context, info *tern.RunInfo) error {
	m.mu.Lock()
	m.starts[info.RunID] = time.Now()
	m.mu.Unlock()

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("run started"))
	rec.AddAttributes(
		otellog.String("thread.id", info.ThreadID),
		otellog.String("run.id", info.RunID),
	)
	m.inst.Logger.Emit(ctx, rec)
	return nil
}

func (m *Middleware) AfterRun(ctx context.Context, info *tern.RunInfo) error {
	m.mu.Lock()
	start, ok := m.starts[info.RunID]
	delete(m.starts, info.RunID)
	m.mu.Unlock()
	if !ok {
		start = time.Unix(info.StartedAt, 0)
	}
	durationMs := float64(time.Since(start).Milliseconds())

	status := "ok"
	switch {
	case errors.Is(info.Err, context.Canceled) || tern.IsCancelled(info.Err):
		status = "cancelled"
	case info.Err != nil:
		status = "error"
	}

	m.inst.Runs.Add(ctx, 1, metric.WithAttributes(
		AttrRunStatus.String(status),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("run completed"))
	rec.AddAttributes(
		otellog.String("thread.id", info.ThreadID),
		otellog.String("run.id", info.RunID),
		otellog.String("run.status", status),
		otellog.Float64("run.duration_ms", durationMs),
	)
	m.inst.Logger.Emit(ctx, rec)
	return nil
}
