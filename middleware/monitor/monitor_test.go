package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/observer"
)

func captureEvents(ctx context.Context) (context.Context, *[]tern.RunEvent) {
	events := &[]tern.RunEvent{}
	ctx = tern.WithEmitterContext(ctx, func(ev tern.RunEvent) tern.RunEvent {
		*events = append(*events, ev)
		return ev
	})
	return ctx, events
}

func scripted(resp *tern.ModelResponse, err error) tern.ModelCallFunc {
	return func(ctx context.Context, req *tern.ModelRequest) (*tern.ModelResponse, error) {
		return resp, err
	}
}

func TestStatusEmittedAfterModelResponse(t *testing.T) {
	rt := observer.NewAgentRuntime(nil, 200_000)
	m := New(rt)
	ctx, events := captureEvents(context.Background())

	req := &tern.ModelRequest{
		Model: "gpt-4o",
		Messages: []tern.ChatMessage{
			tern.SystemMessage("be brief"),
			tern.UserMessage("hello"),
		},
	}
	resp := &tern.ModelResponse{
		Content: "hi",
		Usage:   tern.Usage{InputTokens: 1_000_000, OutputTokens: 100_000},
	}

	got, err := m.WrapModelCall(ctx, req, scripted(resp, nil))
	if err != nil {
		t.Fatalf("WrapModelCall: %v", err)
	}
	if got != resp {
		t.Fatalf("response not passed through")
	}
	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	ev := (*events)[0]
	if ev.Type != tern.EventStatus {
		t.Fatalf("event type = %q, want %q", ev.Type, tern.EventStatus)
	}
	if ev.Status == nil {
		t.Fatalf("status event has no snapshot")
	}
	if ev.Status.Usage.InputTokens != 1_000_000 {
		t.Errorf("InputTokens = %d, want 1000000", ev.Status.Usage.InputTokens)
	}
	if ev.Status.CostUSD != "3.500000" {
		t.Errorf("CostUSD = %q, want %q", ev.Status.CostUSD, "3.500000")
	}
	if ev.Status.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", ev.Status.MessageCount)
	}
	if ev.Status.State != tern.RunStateDraining.String() {
		t.Errorf("State = %q, want %q", ev.Status.State, tern.RunStateDraining)
	}
}

func TestToolCallsMoveStateToAwaitingTools(t *testing.T) {
	rt := observer.NewAgentRuntime(nil, 0)
	m := New(rt)
	ctx, events := captureEvents(context.Background())

	resp := &tern.ModelResponse{
		ToolCalls: []tern.ToolCall{{ID: "tc1", Name: "read_file"}},
		Usage:     tern.Usage{InputTokens: 10, OutputTokens: 5},
	}
	if _, err := m.WrapModelCall(ctx, &tern.ModelRequest{Model: "gpt-4o"}, scripted(resp, nil)); err != nil {
		t.Fatalf("WrapModelCall: %v", err)
	}
	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	if got := (*events)[0].Status.State; got != tern.RunStateAwaitingTools.String() {
		t.Errorf("State = %q, want %q", got, tern.RunStateAwaitingTools)
	}
}

func TestNoStatusOnModelError(t *testing.T) {
	rt := observer.NewAgentRuntime(nil, 0)
	m := New(rt)
	ctx, events := captureEvents(context.Background())

	boom := errors.New("provider down")
	_, err := m.WrapModelCall(ctx, &tern.ModelRequest{Model: "gpt-4o"}, scripted(nil, boom))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(*events) != 0 {
		t.Fatalf("got %d events, want none on failure", len(*events))
	}
	if counts := rt.Tokens.Counts(); counts.Total != 0 {
		t.Errorf("Total tokens = %d, want 0 after failed call", counts.Total)
	}
}

func TestResponseModelOverridesRequestModel(t *testing.T) {
	rt := observer.NewAgentRuntime(nil, 0)
	m := New(rt)

	// The request names a virtual model; the provider reports the real one.
	resp := &tern.ModelResponse{
		Model: "gpt-4o",
		Usage: tern.Usage{InputTokens: 1_000_000},
	}
	if _, err := m.WrapModelCall(context.Background(), &tern.ModelRequest{Model: "tern:balanced"}, scripted(resp, nil)); err != nil {
		t.Fatalf("WrapModelCall: %v", err)
	}
	if got := rt.Cost().Total.String(); got != "2.500000" {
		t.Errorf("cost = %q, want %q", got, "2.500000")
	}
}

func TestCostAccumulatesAcrossCalls(t *testing.T) {
	rt := observer.NewAgentRuntime(nil, 0)
	m := New(rt)

	resp := &tern.ModelResponse{Usage: tern.Usage{InputTokens: 1_000_000}}
	for i := 0; i < 3; i++ {
		if _, err := m.WrapModelCall(context.Background(), &tern.ModelRequest{Model: "gpt-4o"}, scripted(resp, nil)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := rt.Cost().Total.String(); got != "7.500000" {
		t.Errorf("cost = %q, want %q", got, "7.500000")
	}
	if counts := rt.Tokens.Counts(); counts.Input != 3_000_000 {
		t.Errorf("Input tokens = %d, want 3000000", counts.Input)
	}
}

func TestNearLimitSurfacesInSnapshot(t *testing.T) {
	rt := observer.NewAgentRuntime(nil, 100)
	m := New(rt)
	ctx, events := captureEvents(context.Background())

	req := &tern.ModelRequest{
		Model:    "gpt-4o",
		Messages: []tern.ChatMessage{tern.UserMessage(strings.Repeat("x", 4000))},
	}
	resp := &tern.ModelResponse{Usage: tern.Usage{InputTokens: 1}}
	if _, err := m.WrapModelCall(ctx, req, scripted(resp, nil)); err != nil {
		t.Fatalf("WrapModelCall: %v", err)
	}
	snap := (*events)[0].Status
	if !snap.NearLimit {
		t.Errorf("NearLimit = false, want true at %d estimated of %d limit", snap.EstimatedTokens, snap.ContextLimit)
	}
	if snap.ContextUsed <= 1 {
		t.Errorf("ContextUsed = %v, want > 1", snap.ContextUsed)
	}
}

func TestRunHooksTrackState(t *testing.T) {
	rt := observer.NewAgentRuntime(nil, 0)
	m := New(rt)
	info := &tern.RunInfo{ThreadID: "th1", RunID: "r1"}

	if err := m.BeforeRun(context.Background(), info); err != nil {
		t.Fatalf("BeforeRun: %v", err)
	}
	state, flags := rt.State.Snapshot()
	if state != tern.RunStateStreaming.String() {
		t.Errorf("state after BeforeRun = %q, want %q", state, tern.RunStateStreaming)
	}
	if !flags["run_active"] {
		t.Errorf("run_active flag not set")
	}

	if err := m.AfterRun(context.Background(), info); err != nil {
		t.Fatalf("AfterRun: %v", err)
	}
	state, flags = rt.State.Snapshot()
	if state != tern.RunStateIdle.String() {
		t.Errorf("state after clean AfterRun = %q, want %q", state, tern.RunStateIdle)
	}
	if flags["run_active"] {
		t.Errorf("run_active flag still set")
	}

	info.Err = errors.New("stack blew up")
	if err := m.AfterRun(context.Background(), info); err != nil {
		t.Fatalf("AfterRun with error: %v", err)
	}
	if state, _ = rt.State.Snapshot(); state != tern.RunStateFailed.String() {
		t.Errorf("state after failed AfterRun = %q, want %q", state, tern.RunStateFailed)
	}
}

func TestNoEmitterStillRecords(t *testing.T) {
	rt := observer.NewAgentRuntime(nil, 0)
	m := New(rt)

	resp := &tern.ModelResponse{Usage: tern.Usage{InputTokens: 42, OutputTokens: 8}}
	if _, err := m.WrapModelCall(context.Background(), &tern.ModelRequest{Model: "gpt-4o"}, scripted(resp, nil)); err != nil {
		t.Fatalf("WrapModelCall: %v", err)
	}
	if counts := rt.Tokens.Counts(); counts.Input != 42 || counts.Output != 8 {
		t.Errorf("counts = %+v, want input 42 output 8", counts)
	}
}
