package tern

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultParallelTools bounds concurrent tool dispatch within one turn.
const DefaultParallelTools = 8

// DefaultMaxIterations caps model-call iterations per run before the
// scheduler forces a final synthesis response.
const DefaultMaxIterations = 50

// maxToolResultMessageChars caps the size of a tool result stored in the
// conversation. Events retain the full content; only history is truncated
// to keep memory bounded across iterations.
const maxToolResultMessageChars = 100_000

// runnerConfig holds everything one run execution needs.
type runnerConfig struct {
	threadID      string
	provider      ModelProvider
	model         string
	providerName  string
	temperature   *float64
	maxTokens     int
	systemPrompt  string
	stack         *Stack
	queues        *QueueManager
	memory        *MemoryManager
	store         Store
	trace         bool
	tracer        Tracer // nil = no tracing
	maxIterations int
	parallelTools int
	logger        *slog.Logger
}

func (cfg *runnerConfig) fillDefaults() {
	if cfg.maxIterations <= 0 {
		cfg.maxIterations = DefaultMaxIterations
	}
	if cfg.parallelTools <= 0 {
		cfg.parallelTools = DefaultParallelTools
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.stack == nil {
		cfg.stack = NewStack()
	}
	if cfg.queues == nil {
		cfg.queues = NewQueueManager()
	}
}

// runLoop drives one run to completion: stream the model, dispatch tool
// calls in parallel, inject queued messages at safe points, repeat until
// the model stops calling tools. Returns the final conversation.
func runLoop(ctx context.Context, cfg runnerConfig, run *Run, messages []ChatMessage) []ChatMessage {
	cfg.fillDefaults()
	logger := cfg.logger

	emit := func(ev RunEvent) RunEvent {
		stamped := run.emit(ev)
		traceEvent(ctx, cfg, run, stamped)
		return stamped
	}
	// emitFinal closes the event stream atomically with the terminal
	// event, so racing late emits are dropped instead of trailing it.
	emitFinal := func(ev RunEvent) RunEvent {
		stamped := run.emitTerminal(ev)
		traceEvent(ctx, cfg, run, stamped)
		return stamped
	}
	ctx = WithEmitterContext(ctx, EmitFunc(emit))

	info := &RunInfo{ThreadID: cfg.threadID, RunID: run.id, StartedAt: run.startedAt}
	ctx = WithRunInfoContext(ctx, info)

	var runSpan Span
	if cfg.tracer != nil {
		ctx, runSpan = cfg.tracer.Start(ctx, "run.execute",
			StringAttr("thread.id", cfg.threadID),
			StringAttr("run.id", run.id),
			StringAttr("llm.model", cfg.model))
		defer runSpan.End()
	}

	start := time.Now()
	logger.Info("run started", "thread_id", cfg.threadID, "run_id", run.id)

	if err := cfg.stack.BeforeRun(ctx, info); err != nil {
		if runSpan != nil {
			runSpan.Error(err)
		}
		finishFailed(cfg, run, emitFinal, err)
		return messages
	}
	finish := func(err error) {
		info.Err = err
		if runSpan != nil && err != nil {
			runSpan.Error(err)
		}
		if aerr := cfg.stack.AfterRun(ctx, info); aerr != nil {
			logger.Warn("after-run hook failed", "run_id", run.id, "error", aerr)
		}
	}

	for iter := 0; iter < cfg.maxIterations; iter++ {
		// A pending interrupt preempts everything: it becomes the next
		// user message before the model is (re)invoked.
		if entry, ok := cfg.queues.TakeInterrupt(cfg.threadID); ok {
			messages = appendPersisted(ctx, cfg, messages, UserMessage(entry.Content))
		}

		iterCtx := ctx
		var iterSpan Span
		if cfg.tracer != nil {
			iterCtx, iterSpan = cfg.tracer.Start(ctx, "run.iteration",
				IntAttr("iteration", iter))
		}
		endIter := func() {
			if iterSpan != nil {
				iterSpan.End()
			}
		}

		run.setState(RunStateStreaming)
		streamCtx, streamCancel := context.WithCancelCause(iterCtx)
		run.bindStream(streamCancel)
		resp, err := streamModel(streamCtx, cfg, run, emit, messages)
		run.unbindStream()
		streamCancel(nil)

		if err != nil {
			endIter()
			switch {
			case context.Cause(streamCtx) == errStreamInterrupted:
				// Abandon the partial response; the interrupt message is
				// taken at the top of the next iteration.
				logger.Info("stream interrupted", "run_id", run.id)
				continue
			case ctx.Err() != nil:
				finishCancelled(cfg, run, emitFinal, finish)
				return messages
			default:
				finish(err)
				finishFailed(cfg, run, emitFinal, err)
				return messages
			}
		}

		run.addUsage(resp.Usage)

		assistant := ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
		messages = appendPersisted(ctx, cfg, messages, assistant)

		if len(resp.ToolCalls) > 0 {
			run.setState(RunStateAwaitingTools)
			if iterSpan != nil {
				iterSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
			}
			// tool_call events precede dispatch so they always precede
			// their paired tool_result.
			for _, tc := range resp.ToolCalls {
				emit(RunEvent{Type: EventToolCall, ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Args})
			}
			results, derr := dispatchToolCalls(iterCtx, cfg, run, emit, resp.ToolCalls)
			endIter()
			if ctx.Err() != nil {
				finishCancelled(cfg, run, emitFinal, finish)
				return messages
			}
			if derr != nil {
				finish(derr)
				finishFailed(cfg, run, emitFinal, derr)
				return messages
			}
			for i, tc := range resp.ToolCalls {
				content := results[i].Content
				if len([]rune(content)) > maxToolResultMessageChars {
					content = truncateStr(content, maxToolResultMessageChars) + "\n\n[output truncated]"
				}
				messages = appendPersisted(ctx, cfg, messages, ToolResultMessage(tc.ID, content))
			}
			// Safe suspension point between model calls.
			if injected := cfg.queues.DrainForInjection(cfg.threadID, DrainSafePoint); len(injected) > 0 {
				messages = appendPersisted(ctx, cfg, messages, injected...)
			}
			continue
		}

		endIter()

		// Terminal assistant message: consider queued work before idling.
		run.setState(RunStateDraining)
		if injected := cfg.queues.DrainForInjection(cfg.threadID, DrainTurnEnd); len(injected) > 0 {
			messages = appendPersisted(ctx, cfg, messages, injected...)
			continue
		}

		messages = turnEndMaintenance(ctx, cfg, run, emit, messages)
		finish(nil)
		emitFinal(RunEvent{Type: EventDone})
		run.finish(RunStateIdle, nil)
		logger.Info("run completed", "run_id", run.id, "duration", time.Since(start), "iterations", iter+1)
		return messages
	}

	// Iteration budget exhausted: one final synthesis pass, tool calls
	// ignored.
	logger.Warn("max iterations reached, forcing synthesis", "run_id", run.id, "iterations", cfg.maxIterations)
	messages = appendPersisted(ctx, cfg, messages,
		UserMessage("You have used all available tool calls for this run. Summarize what you did and respond to the user."))

	synthCtx := ctx
	if cfg.tracer != nil {
		var synthSpan Span
		synthCtx, synthSpan = cfg.tracer.Start(ctx, "run.synthesis",
			IntAttr("iterations", cfg.maxIterations))
		defer synthSpan.End()
	}

	run.setState(RunStateStreaming)
	resp, err := streamModel(synthCtx, cfg, run, emit, messages)
	if err != nil {
		if ctx.Err() != nil {
			finishCancelled(cfg, run, emitFinal, finish)
		} else {
			finish(err)
			finishFailed(cfg, run, emitFinal, err)
		}
		return messages
	}
	run.addUsage(resp.Usage)
	messages = appendPersisted(ctx, cfg, messages, AssistantMessage(resp.Content))
	messages = turnEndMaintenance(ctx, cfg, run, emit, messages)
	finish(nil)
	emitFinal(RunEvent{Type: EventDone})
	run.finish(RunStateIdle, nil)
	return messages
}

// streamModel invokes the model through the middleware stack, forwarding
// text deltas as events while the stream runs.
func streamModel(ctx context.Context, cfg runnerConfig, run *Run, emit func(RunEvent) RunEvent, messages []ChatMessage) (*ModelResponse, error) {
	base := func(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
		ch := make(chan string, 16)
		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			for delta := range ch {
				emit(RunEvent{Type: EventText, Delta: delta})
			}
		}()
		resp, err := cfg.provider.ChatStream(ctx, *req, ch)
		<-forwarded
		if err != nil {
			return nil, err
		}
		return &resp, nil
	}

	req := &ModelRequest{
		Model:       cfg.model,
		Provider:    cfg.providerName,
		Messages:    messages,
		Temperature: cfg.temperature,
		MaxTokens:   cfg.maxTokens,
	}
	if cfg.systemPrompt != "" && (len(messages) == 0 || messages[0].Role != "system") {
		req.Messages = append([]ChatMessage{SystemMessage(cfg.systemPrompt)}, messages...)
	}
	return cfg.stack.ModelCall(base)(ctx, req)
}

// toolOutcome pairs a dispatch result with its slot.
type toolOutcome struct {
	idx    int
	result *ToolResult
	err    error
}

// dispatchToolCalls executes all calls concurrently through the middleware
// stack with a bounded worker pool, emitting tool_result events in
// completion order. Results return in input order. A KindInternalBug
// failure aborts the run; every other error becomes an error tool result
// surfaced to the model.
func dispatchToolCalls(ctx context.Context, cfg runnerConfig, run *Run, emit func(RunEvent) RunEvent, calls []ToolCall) ([]*ToolResult, error) {
	dispatch := cfg.stack.ToolCall(UnknownTool)

	runOne := func(tc ToolCall) (res *ToolResult, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = Errorf(KindInternalBug, "tool %q panic: %v", tc.Name, p)
			}
		}()
		req := &ToolCallRequest{
			ID:       tc.ID,
			Name:     tc.Name,
			Args:     tc.Args,
			ThreadID: cfg.threadID,
			RunID:    run.id,
		}
		return dispatch(ctx, req)
	}

	complete := func(tc ToolCall, res *ToolResult) {
		emit(RunEvent{
			Type:       EventToolResult,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    res.Content,
			IsError:    res.IsError,
		})
	}

	results := make([]*ToolResult, len(calls))
	var internalErr error

	if len(calls) == 1 {
		res, err := runOne(calls[0])
		res, internalErr = settleToolError(calls[0], res, err)
		if internalErr != nil {
			return nil, internalErr
		}
		results[0] = res
		complete(calls[0], res)
		return results, nil
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{i, tc}
	}
	close(workCh)

	outCh := make(chan toolOutcome, len(calls))
	workers := min(len(calls), cfg.parallelTools)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					outCh <- toolOutcome{idx: w.idx, err: ctx.Err()}
					continue
				}
				res, err := runOne(w.tc)
				res, err = settleToolError(w.tc, res, err)
				if err == nil {
					complete(w.tc, res)
				}
				outCh <- toolOutcome{idx: w.idx, result: res, err: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outCh)
	}()

	// Collect, bailing out if the run is cancelled while calls are still
	// in flight. Racing completions are discarded.
	for received := 0; received < len(calls); received++ {
		select {
		case out, ok := <-outCh:
			if !ok {
				break
			}
			if out.err != nil {
				if internalErr == nil && !IsCancelled(out.err) {
					internalErr = out.err
				}
				continue
			}
			results[out.idx] = out.result
		case <-ctx.Done():
			return results, nil
		}
	}
	if internalErr != nil {
		return nil, internalErr
	}
	for i := range results {
		if results[i] == nil {
			results[i] = ErrorResult(Errorf(KindInternalBug, "tool result missing for %q", calls[i].Name))
		}
	}
	return results, nil
}

// settleToolError applies the propagation policy: internal bugs abort the
// run, cancellation passes through, everything else is data for the model.
func settleToolError(tc ToolCall, res *ToolResult, err error) (*ToolResult, error) {
	if err == nil {
		if res == nil {
			res = &ToolResult{}
		}
		return res, nil
	}
	kind := KindOf(err)
	if kind == KindInternalBug || kind == KindCancelled {
		return nil, err
	}
	return ErrorResult(err), nil
}

// turnEndMaintenance runs the memory pass at the turn boundary. A failed
// compaction degrades to a warning; the run still completes.
func turnEndMaintenance(ctx context.Context, cfg runnerConfig, run *Run, emit func(RunEvent) RunEvent, messages []ChatMessage) []ChatMessage {
	if cfg.memory == nil {
		return messages
	}
	maintained, res, err := cfg.memory.Maintain(ctx, cfg.threadID, messages)
	if err != nil {
		cfg.logger.Warn("memory maintenance failed", "thread_id", cfg.threadID, "run_id", run.id, "error", err)
		emit(RunEvent{Type: EventStatus, Status: &StatusSnapshot{
			State:        run.State().String(),
			Usage:        run.Usage(),
			MessageCount: len(maintained),
			Flags:        map[string]bool{"compaction_failed": true},
		}})
		return maintained
	}
	if res.Compacted && cfg.store != nil {
		if serr := cfg.store.ReplaceMessages(context.WithoutCancel(ctx), cfg.threadID, maintained); serr != nil {
			cfg.logger.Warn("persisting compacted conversation failed", "thread_id", cfg.threadID, "error", serr)
		}
	}
	return maintained
}

func finishCancelled(cfg runnerConfig, run *Run, emit func(RunEvent) RunEvent, finish func(error)) {
	run.setState(RunStateCancelling)
	finish(context.Canceled)
	emit(RunEvent{Type: EventCancelled})
	run.finish(RunStateIdle, nil)
	cfg.logger.Info("run cancelled", "run_id", run.id)
}

func finishFailed(cfg runnerConfig, run *Run, emit func(RunEvent) RunEvent, err error) {
	kind := KindOf(err)
	emit(RunEvent{Type: EventError, ErrorKind: kind.String(), Message: err.Error()})
	run.finish(RunStateFailed, err)
	cfg.logger.Error("run failed", "run_id", run.id, "kind", kind.String(), "error", err)
}

// traceEvent appends an already-stamped event to the durable trace when
// tracing is on. Trace writes survive run cancellation.
func traceEvent(ctx context.Context, cfg runnerConfig, run *Run, stamped RunEvent) {
	if !cfg.trace || cfg.store == nil {
		return
	}
	data, err := json.Marshal(stamped)
	if err != nil {
		cfg.logger.Warn("run event marshal failed", "run_id", run.id, "error", err)
		return
	}
	rec := RunEventRecord{
		RunID:     run.id,
		Seq:       stamped.Seq,
		EventType: string(stamped.Type),
		DataJSON:  data,
		CreatedAt: NowUnix(),
	}
	if err := cfg.store.AppendRunEvent(context.WithoutCancel(ctx), rec); err != nil {
		cfg.logger.Warn("run event trace write failed", "run_id", run.id, "seq", stamped.Seq, "error", err)
	}
}

// appendPersisted appends msgs to the conversation and writes each to the
// store. Persistence failures degrade to warnings; the in-memory
// conversation remains authoritative for the rest of the run.
func appendPersisted(ctx context.Context, cfg runnerConfig, messages []ChatMessage, msgs ...ChatMessage) []ChatMessage {
	for _, msg := range msgs {
		messages = append(messages, msg)
		if cfg.store == nil {
			continue
		}
		if err := cfg.store.AppendMessage(context.WithoutCancel(ctx), cfg.threadID, msg); err != nil {
			cfg.logger.Warn("message persist failed", "thread_id", cfg.threadID, "role", msg.Role, "error", err)
		}
	}
	return messages
}

// truncateStr truncates s to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
