package tern

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// RunState is the scheduler state of a run.
type RunState int32

const (
	// RunStateIdle means no work is in flight. Runs begin and, on success
	// or after cancellation, end here.
	RunStateIdle RunState = iota
	// RunStateStreaming means a model response is being consumed.
	RunStateStreaming
	// RunStateAwaitingTools means tool calls are dispatched and the run is
	// collecting their results.
	RunStateAwaitingTools
	// RunStateDraining means the model finished without tool calls and
	// queued messages are being considered for injection.
	RunStateDraining
	// RunStateCancelling means an external cancel was requested and the
	// run is shutting down.
	RunStateCancelling
	// RunStateFailed means the run ended with an unrecoverable error.
	RunStateFailed
)

// String returns the wire name of the state.
func (s RunState) String() string {
	switch s {
	case RunStateIdle:
		return "idle"
	case RunStateStreaming:
		return "streaming"
	case RunStateAwaitingTools:
		return "awaiting_tools"
	case RunStateDraining:
		return "draining"
	case RunStateCancelling:
		return "cancelling"
	case RunStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Cancellation causes, distinguished via context.Cause: an interrupt only
// aborts the in-flight model stream so the run can restart with the
// interrupting message; an external cancel ends the whole run.
var (
	errStreamInterrupted = errors.New("tern: stream interrupted")
	errRunCancelled      = errors.New("tern: run cancelled")
)

// Run tracks one user-initiated turn on a thread: a handle for state
// inspection, event subscription, and cancellation. All methods are safe
// for concurrent use.
type Run struct {
	id       string
	threadID string
	buffer   *EventBuffer

	state     atomic.Int32
	done      chan struct{}
	cancel    context.CancelCauseFunc
	startedAt int64

	// emitMu serializes seq assignment with the buffer append so
	// concurrent emitters can never publish out of seq order.
	emitMu sync.Mutex
	seq    int64

	mu           sync.Mutex
	streamCancel context.CancelCauseFunc
	err          error
	usage        Usage
}

func newRun(threadID string, cancel context.CancelCauseFunc) *Run {
	return &Run{
		id:        NewID(),
		threadID:  threadID,
		buffer:    NewEventBuffer(),
		done:      make(chan struct{}),
		cancel:    cancel,
		startedAt: NowUnix(),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// ThreadID returns the owning thread.
func (r *Run) ThreadID() string { return r.threadID }

// StartedAt returns the run's start time (unix seconds).
func (r *Run) StartedAt() int64 { return r.startedAt }

// State returns the current scheduler state.
func (r *Run) State() RunState { return RunState(r.state.Load()) }

func (r *Run) setState(s RunState) { r.state.Store(int32(s)) }

// Done returns a channel closed when the run reaches its end.
func (r *Run) Done() <-chan struct{} { return r.done }

// Finished reports whether the run has reached its end.
func (r *Run) Finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Err returns the run's terminal error. Only meaningful after Done()
// is closed; nil for completed and cancelled runs.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Usage returns the tokens consumed so far.
func (r *Run) Usage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

func (r *Run) addUsage(u Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage.Add(u)
}

// Subscribe streams the run's events, replaying those with Seq > afterSeq
// first. The channel closes when the run ends and the replay drains.
func (r *Run) Subscribe(ctx context.Context, afterSeq int64) <-chan RunEvent {
	return r.buffer.Subscribe(ctx, afterSeq)
}

// Events returns buffered events with Seq > afterSeq.
func (r *Run) Events(afterSeq int64) []RunEvent {
	return r.buffer.Events(afterSeq)
}

// Cancel requests external cancellation. Non-blocking; the run emits
// "cancelled" and releases the thread once in-flight work is signalled.
func (r *Run) Cancel() { r.cancel(errRunCancelled) }

// emit stamps ev with the run id and next sequence number and appends it
// to the buffer. Sequence numbers are strictly monotonic per run,
// starting at 1. Returns the stamped event.
func (r *Run) emit(ev RunEvent) RunEvent {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.seq++
	ev.RunID = r.id
	ev.Seq = r.seq
	r.buffer.Append(ev)
	return ev
}

// emitTerminal stamps ev and appends it as the stream's final event: the
// buffer closes in the same critical section, so a racing late emit (a
// tool call completing after cancellation) can never follow it.
func (r *Run) emitTerminal(ev RunEvent) RunEvent {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.seq++
	ev.RunID = r.id
	ev.Seq = r.seq
	r.buffer.AppendClose(ev)
	return ev
}

// bindStream registers the cancel function of the in-flight model stream
// so an interrupt can abort it without ending the run.
func (r *Run) bindStream(cancel context.CancelCauseFunc) {
	r.mu.Lock()
	r.streamCancel = cancel
	r.mu.Unlock()
}

func (r *Run) unbindStream() {
	r.mu.Lock()
	r.streamCancel = nil
	r.mu.Unlock()
}

// interruptStream aborts the in-flight model stream, if any. The run
// restarts its loop with the interrupting message.
func (r *Run) interruptStream() {
	r.mu.Lock()
	cancel := r.streamCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel(errStreamInterrupted)
	}
}

// finish records the terminal outcome, closes the event stream, and
// releases waiters. Write err before close(done): the channel close is
// the happens-before barrier for readers.
func (r *Run) finish(state RunState, err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.setState(state)
	r.buffer.Close()
	close(r.done)
	r.cancel(nil)
}
