package queuenotes

import (
	"context"
	"strings"
	"testing"

	"github.com/ternhq/tern"
)

func runCtx(threadID string) context.Context {
	return tern.WithRunInfoContext(context.Background(), &tern.RunInfo{ThreadID: threadID, RunID: "r1"})
}

func capture(t *testing.T, m *Middleware, ctx context.Context, msgs []tern.ChatMessage) []tern.ChatMessage {
	t.Helper()
	req := &tern.ModelRequest{Model: "m", Messages: msgs}
	var seen []tern.ChatMessage
	_, err := m.WrapModelCall(ctx, req, func(_ context.Context, r *tern.ModelRequest) (*tern.ModelResponse, error) {
		seen = r.Messages
		return &tern.ModelResponse{}, nil
	})
	if err != nil {
		t.Fatalf("WrapModelCall: %v", err)
	}
	return seen
}

func TestNoteAppendedWhenMessagesPending(t *testing.T) {
	q := tern.NewQueueManager()
	if err := q.SetMode("th1", tern.ModeFollowup); err != nil {
		t.Fatal(err)
	}
	q.Enqueue("th1", "first")
	q.Enqueue("th1", "second")
	m := New(q)

	base := []tern.ChatMessage{tern.SystemMessage("sys"), tern.UserMessage("hi")}
	seen := capture(t, m, runCtx("th1"), base)

	if len(seen) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(seen))
	}
	last := seen[2]
	if last.Role != "system" {
		t.Errorf("note role = %q, want system", last.Role)
	}
	if !strings.Contains(last.Content, "2 queued user messages") {
		t.Errorf("note = %q, want pending count", last.Content)
	}
	if len(base) != 2 {
		t.Errorf("original slice mutated: len = %d", len(base))
	}
}

func TestSingularNote(t *testing.T) {
	q := tern.NewQueueManager()
	q.Enqueue("th1", "only one")
	m := New(q)

	seen := capture(t, m, runCtx("th1"), []tern.ChatMessage{tern.UserMessage("hi")})
	if got := seen[len(seen)-1].Content; !strings.Contains(got, "1 queued user message waiting") {
		t.Errorf("note = %q, want singular form", got)
	}
}

func TestNoNoteWhenQueuesEmpty(t *testing.T) {
	m := New(tern.NewQueueManager())
	seen := capture(t, m, runCtx("th1"), []tern.ChatMessage{tern.UserMessage("hi")})
	if len(seen) != 1 {
		t.Errorf("len(messages) = %d, want 1", len(seen))
	}
}

func TestInterruptEntriesExcluded(t *testing.T) {
	q := tern.NewQueueManager()
	if _, err := q.EnqueueTo("th1", tern.QueueInterrupt, "stop"); err != nil {
		t.Fatal(err)
	}
	m := New(q)

	seen := capture(t, m, runCtx("th1"), []tern.ChatMessage{tern.UserMessage("hi")})
	if len(seen) != 1 {
		t.Errorf("len(messages) = %d, want 1: interrupts preempt on their own", len(seen))
	}
}

func TestNoRunInfoIsNoOp(t *testing.T) {
	q := tern.NewQueueManager()
	q.Enqueue("th1", "pending")
	m := New(q)

	seen := capture(t, m, context.Background(), []tern.ChatMessage{tern.UserMessage("hi")})
	if len(seen) != 1 {
		t.Errorf("len(messages) = %d, want 1 outside a run", len(seen))
	}
}
