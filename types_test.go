package tern

import (
	"errors"
	"testing"
)

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}
	u.Add(Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 40, TotalTokens: 55})

	if u.InputTokens != 110 {
		t.Errorf("InputTokens = %d, want 110", u.InputTokens)
	}
	if u.OutputTokens != 55 {
		t.Errorf("OutputTokens = %d, want 55", u.OutputTokens)
	}
	if u.CacheReadTokens != 40 {
		t.Errorf("CacheReadTokens = %d, want 40", u.CacheReadTokens)
	}
	if u.TotalTokens != 205 {
		t.Errorf("TotalTokens = %d, want 205", u.TotalTokens)
	}
}

func TestUsageTotal_FallsBackToBucketSum(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 20, ReasoningTokens: 5, CacheReadTokens: 30}
	if got := u.Total(); got != 155 {
		t.Errorf("Total() = %d, want 155", got)
	}

	u.TotalTokens = 200
	if got := u.Total(); got != 200 {
		t.Errorf("Total() with reported total = %d, want 200", got)
	}
}

func TestMessageConstructors(t *testing.T) {
	cases := []struct {
		msg  ChatMessage
		role string
	}{
		{UserMessage("hi"), "user"},
		{SystemMessage("rules"), "system"},
		{AssistantMessage("ok"), "assistant"},
		{ToolResultMessage("tc1", "out"), "tool"},
	}
	for _, c := range cases {
		if c.msg.Role != c.role {
			t.Errorf("role = %q, want %q", c.msg.Role, c.role)
		}
	}
	if got := ToolResultMessage("tc1", "out").ToolCallID; got != "tc1" {
		t.Errorf("ToolCallID = %q, want %q", got, "tc1")
	}
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult(errors.New("no such tool"))
	if !res.IsError {
		t.Error("IsError should be set")
	}
	if res.Content != "no such tool" {
		t.Errorf("Content = %q, want %q", res.Content, "no such tool")
	}
}
