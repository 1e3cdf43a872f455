// Package queuenotes nudges the model when user messages are waiting in
// the thread's queues. A synthetic system note is appended to the model
// request, never to the persisted conversation, so the model can wrap up
// its current step instead of starting new work.
package queuenotes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ternhq/tern"
)

// Middleware observes the queue manager on every model call.
type Middleware struct {
	queues *tern.QueueManager
	logger *slog.Logger
}

var _ tern.ModelInterceptor = (*Middleware)(nil)

type Option func(*Middleware)

func WithLogger(l *slog.Logger) Option { return func(m *Middleware) { m.logger = l } }

// New builds the middleware over the engine's queue manager.
func New(q *tern.QueueManager, opts ...Option) *Middleware {
	m := &Middleware{queues: q, logger: tern.NopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WrapModelCall appends a queue note when undelivered messages are
// pending. Interrupt entries are excluded: the scheduler preempts with
// them on its own.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	info, ok := tern.RunInfoFromContext(ctx)
	if !ok {
		return next(ctx, req)
	}
	snap := m.queues.Snapshot(info.ThreadID, false)
	pending := 0
	for kind, n := range snap.Depths {
		if kind == tern.QueueInterrupt {
			continue
		}
		pending += n
	}
	if pending == 0 {
		return next(ctx, req)
	}

	suffix := ""
	if pending > 1 {
		suffix = "s"
	}
	note := fmt.Sprintf("[%d queued user message%s waiting. They will be delivered at the next turn boundary; finish the current step and wrap up rather than starting new work.]", pending, suffix)

	msgs := make([]tern.ChatMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, req.Messages...)
	msgs = append(msgs, tern.SystemMessage(note))
	req.Messages = msgs

	m.logger.Debug("queue note injected", "thread_id", info.ThreadID, "pending", pending)
	return next(ctx, req)
}
