package promptcache

import (
	"context"
	"testing"

	"github.com/ternhq/tern"
)

func capture(t *testing.T, req *tern.ModelRequest) []tern.ChatMessage {
	t.Helper()
	var seen []tern.ChatMessage
	_, err := New().WrapModelCall(context.Background(), req, func(_ context.Context, r *tern.ModelRequest) (*tern.ModelResponse, error) {
		seen = r.Messages
		return &tern.ModelResponse{}, nil
	})
	if err != nil {
		t.Fatalf("WrapModelCall: %v", err)
	}
	return seen
}

func TestMarksBreakpointsForClaudeModels(t *testing.T) {
	req := &tern.ModelRequest{
		Model: "claude-sonnet-4-5",
		Messages: []tern.ChatMessage{
			tern.SystemMessage("s1"),
			tern.SystemMessage("s2"),
			tern.SystemMessage("s3"),
			tern.UserMessage("u1"),
			tern.AssistantMessage("a1"),
			tern.UserMessage("u2"),
		},
	}
	seen := capture(t, req)

	wantMarked := map[int]bool{0: true, 1: true, 4: true, 5: true}
	for i, msg := range seen {
		if wantMarked[i] && msg.CacheControl == nil {
			t.Errorf("message %d (%s) unmarked, want cache_control", i, msg.Role)
		}
		if !wantMarked[i] && msg.CacheControl != nil {
			t.Errorf("message %d (%s) marked, want no cache_control", i, msg.Role)
		}
		if msg.CacheControl != nil && msg.CacheControl.Type != "ephemeral" {
			t.Errorf("cache_control type = %q, want %q", msg.CacheControl.Type, "ephemeral")
		}
	}
}

func TestProviderFieldSelectsAnthropic(t *testing.T) {
	req := &tern.ModelRequest{
		Model:    "sonnet-latest",
		Provider: "anthropic",
		Messages: []tern.ChatMessage{tern.SystemMessage("s"), tern.UserMessage("u")},
	}
	seen := capture(t, req)
	if seen[0].CacheControl == nil || seen[1].CacheControl == nil {
		t.Error("anthropic provider request unmarked")
	}
}

func TestNoOpForOtherProviders(t *testing.T) {
	req := &tern.ModelRequest{
		Model:    "gpt-4o",
		Provider: "openai",
		Messages: []tern.ChatMessage{tern.SystemMessage("s"), tern.UserMessage("u")},
	}
	seen := capture(t, req)
	for i, msg := range seen {
		if msg.CacheControl != nil {
			t.Errorf("message %d marked on non-Anthropic provider", i)
		}
	}
}

func TestOriginalMessagesNotMutated(t *testing.T) {
	original := []tern.ChatMessage{
		tern.SystemMessage("s"),
		tern.UserMessage("u"),
	}
	req := &tern.ModelRequest{Model: "claude-3-5-haiku", Messages: original}
	capture(t, req)

	for i, msg := range original {
		if msg.CacheControl != nil {
			t.Errorf("caller message %d mutated; markers must stay on the request copy", i)
		}
	}
}

func TestFewerThanFourMessages(t *testing.T) {
	req := &tern.ModelRequest{
		Model:    "claude-opus-4",
		Messages: []tern.ChatMessage{tern.UserMessage("only")},
	}
	seen := capture(t, req)
	if seen[0].CacheControl == nil {
		t.Error("single conversational message unmarked")
	}
}
