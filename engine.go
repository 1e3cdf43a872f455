package tern

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// retainedRunsPerThread bounds how many finished runs stay addressable in
// memory for late event replay. Older runs remain replayable from the
// durable trace.
const retainedRunsPerThread = 8

// ErrRunActive is returned by StartRun when the thread already has a run
// in flight. Queue the message instead, or cancel first.
var ErrRunActive = Errorf(KindInvalidInput, "a run is already active on this thread")

// ErrEngineClosed is returned once Close has been called.
var ErrEngineClosed = Errorf(KindInvalidInput, "engine is closed")

// Engine schedules runs: at most one active run per thread, messages
// arriving mid-run queued and injected at drain points, events fanned out
// per run. Safe for concurrent use.
type Engine struct {
	provider ModelProvider
	store    Store
	queues   *QueueManager
	stack    *Stack
	memory   *MemoryManager
	logger   *slog.Logger

	model         string
	providerName  string
	systemPrompt  string
	temperature   *float64
	maxTokens     int
	maxIterations int
	parallelTools int
	queueMode     QueueMode
	trace         bool
	traceSet      bool
	tracer        Tracer

	mu      sync.Mutex
	threads map[string]*threadRunner
	runs    map[string]*Run
	closed  bool
	wg      sync.WaitGroup
}

// threadRunner serializes run scheduling for one thread.
type threadRunner struct {
	mu       sync.Mutex
	active   *Run
	history  []ChatMessage
	loaded   bool
	finished []string // retained run ids, oldest first
}

// Option configures an Engine.
type Option func(*Engine)

func WithStore(s Store) Option            { return func(e *Engine) { e.store = s } }
func WithMemory(m *MemoryManager) Option  { return func(e *Engine) { e.memory = m } }
func WithLogger(l *slog.Logger) Option    { return func(e *Engine) { e.logger = l } }
func WithModel(model string) Option       { return func(e *Engine) { e.model = model } }
func WithSystemPrompt(s string) Option    { return func(e *Engine) { e.systemPrompt = s } }
func WithMaxIterations(n int) Option      { return func(e *Engine) { e.maxIterations = n } }
func WithParallelTools(n int) Option      { return func(e *Engine) { e.parallelTools = n } }
func WithMaxTokens(n int) Option          { return func(e *Engine) { e.maxTokens = n } }

// WithTemperature fixes the sampling temperature for every model call.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = &t }
}

// WithQueueMode sets the routing mode stamped onto threads the engine
// creates. Threads loaded from the store keep their persisted mode.
func WithQueueMode(mode QueueMode) Option {
	return func(e *Engine) { e.queueMode = mode }
}

// WithMiddlewares appends middlewares to the stack, outermost first.
func WithMiddlewares(mws ...any) Option {
	return func(e *Engine) {
		for _, mw := range mws {
			e.stack.Use(mw)
		}
	}
}

// WithRunTrace overrides event trace persistence. By default tracing is on
// whenever a store is configured.
func WithRunTrace(enabled bool) Option {
	return func(e *Engine) { e.trace = enabled; e.traceSet = true }
}

// WithTracer sets the span tracer for run execution. Nil (the default)
// disables spans.
func WithTracer(t Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an Engine around the given provider.
func New(provider ModelProvider, opts ...Option) *Engine {
	e := &Engine{
		provider:      provider,
		queues:        NewQueueManager(),
		stack:         NewStack(),
		logger:        nopLogger,
		maxIterations: DefaultMaxIterations,
		parallelTools: DefaultParallelTools,
		threads:       make(map[string]*threadRunner),
		runs:          make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if provider != nil && e.providerName == "" {
		e.providerName = provider.Name()
	}
	if !e.traceSet {
		e.trace = e.store != nil
	}
	if !ValidQueueMode(e.queueMode) {
		e.queueMode = DefaultQueueMode
	}
	return e
}

// Queues exposes the queue manager for direct enqueue and inspection.
func (e *Engine) Queues() *QueueManager { return e.queues }

// Stack exposes the middleware stack. Register middlewares before the
// first run; the stack is not safe to mutate concurrently with runs.
func (e *Engine) Stack() *Stack { return e.stack }

// Store returns the configured store, or nil.
func (e *Engine) Store() Store { return e.store }

// thread returns the scheduling state for threadID, creating it lazily.
func (e *Engine) thread(threadID string) (*threadRunner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	tr, ok := e.threads[threadID]
	if !ok {
		tr = &threadRunner{}
		e.threads[threadID] = tr
	}
	return tr, nil
}

// Submit delivers a user message to a thread. With no run in flight it
// starts one and returns (run, true). With a run active it enqueues the
// message according to the thread's queue mode and returns the active run
// and false; interrupt mode additionally aborts the in-flight model
// stream so the message lands before the next model call.
func (e *Engine) Submit(ctx context.Context, threadID, content string) (*Run, bool, error) {
	if threadID == "" || content == "" {
		return nil, false, Errorf(KindInvalidInput, "thread id and message content are required")
	}
	tr, err := e.thread(threadID)
	if err != nil {
		return nil, false, err
	}

	if active, ok := e.enqueueIfBusy(tr, threadID, content); ok {
		return active, false, nil
	}

	history, created, err := e.prepareHistory(ctx, threadID, tr)
	if err != nil {
		return nil, false, err
	}
	if created || len(history) == 0 {
		e.setThreadTitle(ctx, threadID, content)
	}

	tr.mu.Lock()
	if active := tr.active; active != nil && !active.Finished() {
		// Lost the race to another Submit: fall back to the queue.
		tr.mu.Unlock()
		e.routeQueued(active, threadID, content)
		return active, false, nil
	}
	run := e.beginRunLocked(ctx, tr, threadID, history, UserMessage(content))
	tr.mu.Unlock()
	return run, true, nil
}

// StartRun starts a run with the given user message, failing with
// ErrRunActive if the thread is busy.
func (e *Engine) StartRun(ctx context.Context, threadID, content string) (*Run, error) {
	if threadID == "" || content == "" {
		return nil, Errorf(KindInvalidInput, "thread id and message content are required")
	}
	tr, err := e.thread(threadID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	busy := tr.active != nil && !tr.active.Finished()
	tr.mu.Unlock()
	if busy {
		return nil, ErrRunActive
	}

	history, created, err := e.prepareHistory(ctx, threadID, tr)
	if err != nil {
		return nil, err
	}
	if created || len(history) == 0 {
		e.setThreadTitle(ctx, threadID, content)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.active != nil && !tr.active.Finished() {
		return nil, ErrRunActive
	}
	return e.beginRunLocked(ctx, tr, threadID, history, UserMessage(content)), nil
}

// Interrupt delivers content with interrupt semantics regardless of the
// thread's queue mode: abort the in-flight model stream and make content
// the next user message. With no run in flight it simply starts one.
func (e *Engine) Interrupt(ctx context.Context, threadID, content string) (*Run, error) {
	if threadID == "" || content == "" {
		return nil, Errorf(KindInvalidInput, "thread id and message content are required")
	}
	tr, err := e.thread(threadID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	active := tr.active
	tr.mu.Unlock()
	if active != nil && !active.Finished() {
		if _, err := e.queues.EnqueueTo(threadID, QueueInterrupt, content); err != nil {
			return nil, err
		}
		active.interruptStream()
		return active, nil
	}
	run, _, err := e.Submit(ctx, threadID, content)
	return run, err
}

// Cancel requests cancellation of the thread's active run. Returns false
// if nothing is running.
func (e *Engine) Cancel(threadID string) bool {
	e.mu.Lock()
	tr, ok := e.threads[threadID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	tr.mu.Lock()
	active := tr.active
	tr.mu.Unlock()
	if active == nil || active.Finished() {
		return false
	}
	active.Cancel()
	return true
}

// ActiveRun returns the thread's in-flight run, if any.
func (e *Engine) ActiveRun(threadID string) (*Run, bool) {
	e.mu.Lock()
	tr, ok := e.threads[threadID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.active == nil || tr.active.Finished() {
		return nil, false
	}
	return tr.active, true
}

// RunByID returns a run by id: the active one or a recently finished one.
func (e *Engine) RunByID(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	return r, ok
}

// LatestRun returns the thread's active run, or failing that the most
// recently finished run still retained in memory.
func (e *Engine) LatestRun(threadID string) (*Run, bool) {
	e.mu.Lock()
	tr, ok := e.threads[threadID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	tr.mu.Lock()
	active := tr.active
	var lastID string
	if n := len(tr.finished); n > 0 {
		lastID = tr.finished[n-1]
	}
	tr.mu.Unlock()
	if active != nil {
		return active, true
	}
	if lastID == "" {
		return nil, false
	}
	return e.RunByID(lastID)
}

// State returns the thread's scheduler state: the active run's state, or
// idle when nothing is running.
func (e *Engine) State(threadID string) RunState {
	if run, ok := e.ActiveRun(threadID); ok {
		return run.State()
	}
	return RunStateIdle
}

// SetQueueMode changes how mid-run messages are routed for the thread and
// persists the choice on the thread row.
func (e *Engine) SetQueueMode(ctx context.Context, threadID string, mode QueueMode) error {
	if err := e.queues.SetMode(threadID, mode); err != nil {
		return err
	}
	if e.store == nil {
		return nil
	}
	t, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	t.QueueMode = mode
	t.UpdatedAt = NowUnix()
	return e.store.UpdateThread(ctx, t)
}

// Close cancels all active runs and waits for them to finish or for ctx
// to expire. The engine accepts no new work afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	trs := make([]*threadRunner, 0, len(e.threads))
	for _, tr := range e.threads {
		trs = append(trs, tr)
	}
	e.mu.Unlock()

	for _, tr := range trs {
		tr.mu.Lock()
		active := tr.active
		tr.mu.Unlock()
		if active != nil && !active.Finished() {
			active.Cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueIfBusy routes content through the queue when the thread has an
// active run. Returns the active run and true if it did.
func (e *Engine) enqueueIfBusy(tr *threadRunner, threadID, content string) (*Run, bool) {
	tr.mu.Lock()
	active := tr.active
	tr.mu.Unlock()
	if active == nil || active.Finished() {
		return nil, false
	}
	e.routeQueued(active, threadID, content)
	return active, true
}

// routeQueued enqueues content per the thread's mode and, for interrupt
// mode, aborts the in-flight model stream.
func (e *Engine) routeQueued(active *Run, threadID, content string) {
	seq := e.queues.Enqueue(threadID, content)
	if e.queues.Mode(threadID) == ModeInterrupt {
		active.interruptStream()
	}
	e.logger.Debug("message queued", "thread_id", threadID, "queue_seq", seq, "mode", string(e.queues.Mode(threadID)))
}

// prepareHistory loads the thread's conversation on first touch: thread
// row ensured, queue mode seeded from it, summaries folded back in.
// Reports whether the thread row was created by this call.
func (e *Engine) prepareHistory(ctx context.Context, threadID string, tr *threadRunner) ([]ChatMessage, bool, error) {
	tr.mu.Lock()
	if tr.loaded {
		history := tr.history
		tr.mu.Unlock()
		return history, false, nil
	}
	tr.mu.Unlock()

	if e.store == nil {
		tr.mu.Lock()
		tr.loaded = true
		tr.mu.Unlock()
		return nil, false, nil
	}

	created := false
	t, err := e.store.GetThread(ctx, threadID)
	switch {
	case errors.Is(err, ErrNotFound):
		t = Thread{ID: threadID, QueueMode: e.queueMode, CreatedAt: NowUnix(), UpdatedAt: NowUnix()}
		if err := e.store.CreateThread(ctx, t); err != nil {
			return nil, false, WrapError(KindOf(err), err, "create thread")
		}
		created = true
	case err != nil:
		return nil, false, WrapError(KindOf(err), err, "load thread")
	}
	if ValidQueueMode(t.QueueMode) {
		_ = e.queues.SetMode(threadID, t.QueueMode)
	}

	var history []ChatMessage
	if e.memory != nil {
		history, err = e.memory.RebuildConversation(ctx, threadID, e.store)
	} else {
		history, err = e.store.Messages(ctx, threadID)
	}
	if err != nil {
		return nil, false, WrapError(KindOf(err), err, "load conversation")
	}

	tr.mu.Lock()
	if !tr.loaded {
		tr.history = history
		tr.loaded = true
	}
	history = tr.history
	tr.mu.Unlock()
	return history, created, nil
}

// threadTitleMaxChars bounds the preview excerpt stored as a new thread's
// title.
const threadTitleMaxChars = 80

// setThreadTitle stores a preview excerpt of the first message as the
// thread title. Best effort.
func (e *Engine) setThreadTitle(ctx context.Context, threadID, content string) {
	if e.store == nil {
		return
	}
	t, err := e.store.GetThread(ctx, threadID)
	if err != nil || t.Title != "" {
		return
	}
	t.Title = truncateStr(content, threadTitleMaxChars)
	t.UpdatedAt = NowUnix()
	if err := e.store.UpdateThread(ctx, t); err != nil {
		e.logger.Warn("thread title update failed", "thread_id", threadID, "error", err)
	}
}

// beginRunLocked creates the run, persists the user message, and launches
// the loop. Caller holds tr.mu.
func (e *Engine) beginRunLocked(ctx context.Context, tr *threadRunner, threadID string, history []ChatMessage, userMsg ChatMessage) *Run {
	// The run outlives the submitting request: it gets its own lifetime,
	// ended only by cancellation or completion.
	runCtx, cancel := context.WithCancelCause(context.Background())
	run := newRun(threadID, cancel)
	tr.active = run

	e.mu.Lock()
	e.runs[run.id] = run
	e.mu.Unlock()

	cfg := runnerConfig{
		threadID:      threadID,
		provider:      e.provider,
		model:         e.model,
		providerName:  e.providerName,
		temperature:   e.temperature,
		maxTokens:     e.maxTokens,
		systemPrompt:  e.systemPrompt,
		stack:         e.stack,
		queues:        e.queues,
		memory:        e.memory,
		store:         e.store,
		trace:         e.trace,
		tracer:        e.tracer,
		maxIterations: e.maxIterations,
		parallelTools: e.parallelTools,
		logger:        e.logger,
	}

	messages := appendPersisted(ctx, cfg, history, userMsg)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		final := runLoop(runCtx, cfg, run, messages)
		e.settleRun(tr, run, final)
	}()
	return run
}

// settleRun records the post-run conversation and retires the run handle.
func (e *Engine) settleRun(tr *threadRunner, run *Run, final []ChatMessage) {
	tr.mu.Lock()
	tr.history = final
	if tr.active == run {
		tr.active = nil
	}
	tr.finished = append(tr.finished, run.id)
	var evict []string
	if n := len(tr.finished) - retainedRunsPerThread; n > 0 {
		evict = tr.finished[:n]
		tr.finished = tr.finished[n:]
	}
	tr.mu.Unlock()

	if len(evict) > 0 {
		e.mu.Lock()
		for _, id := range evict {
			delete(e.runs, id)
		}
		e.mu.Unlock()
	}
}
