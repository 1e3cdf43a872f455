package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ternhq/tern"
)

// ObservedProvider decorates a tern.ModelProvider with OTEL spans,
// metrics, and log records. It composes with the retry and rate limit
// decorators; placed outermost it observes the final outcome, placed
// innermost it observes every attempt.
type ObservedProvider struct {
	inner tern.ModelProvider
	inst  *Instruments
}

var _ tern.ModelProvider = (*ObservedProvider)(nil)

// WrapProvider returns an instrumented provider.
func WrapProvider(inner tern.ModelProvider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req tern.ModelRequest) (tern.ModelResponse, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(req.Model),
			AttrLLMProvider.String(o.inner.Name()),
		),
	}
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, req.Model, "chat", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) ChatStream(ctx context.Context, req tern.ModelRequest, ch chan<- string) (tern.ModelResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Count deltas through an interposed channel. It is buffered so the
	// inner provider never blocks on the counter, and the forwarder owns
	// closing ch so the close-on-every-path contract holds.
	bufSize := max(cap(ch), 64)
	inner := make(chan string, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for delta := range inner {
			chunks++
			select {
			case ch <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.ChatStream(ctx, req, inner)
	<-done

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, req.Model, "chat_stream", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage tern.Usage) {
	cost := o.inst.Cost.Breakdown(model, usage).Total.USD()

	span.SetAttributes(
		AttrTokensInput.Int64(usage.InputTokens),
		AttrTokensOutput.Int64(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	modelAttrs := []attribute.KeyValue{
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	}
	for _, bucket := range []struct {
		direction string
		tokens    int64
	}{
		{"input", usage.InputTokens},
		{"output", usage.OutputTokens},
		{"reasoning", usage.ReasoningTokens},
		{"cache_read", usage.CacheReadTokens},
		{"cache_creation", usage.CacheCreationTokens},
	} {
		if bucket.tokens == 0 {
			continue
		}
		o.inst.TokenUsage.Add(ctx, bucket.tokens, metric.WithAttributes(
			append([]attribute.KeyValue{attribute.String("direction", bucket.direction)}, modelAttrs...)...))
	}

	methodAttrs := metric.WithAttributes(append([]attribute.KeyValue{AttrLLMMethod.String(method)}, modelAttrs...)...)
	o.inst.CostTotal.Add(ctx, cost, methodAttrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		append([]attribute.KeyValue{
			AttrLLMMethod.String(method),
			attribute.String("status", status),
		}, modelAttrs...)...))
	o.inst.LLMDuration.Record(ctx, durationMs, methodAttrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int64("llm.tokens.input", usage.InputTokens),
		otellog.Int64("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}
