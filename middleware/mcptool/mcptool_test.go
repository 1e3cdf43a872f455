package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/mcp"
)

// fakeServer implements ToolServer in memory.
type fakeServer struct {
	name    string
	tools   []mcp.ToolDefinition
	listErr error
	handle  func(name string, args json.RawMessage) (*mcp.ToolCallResult, error)

	calls []string
}

func (s *fakeServer) Name() string { return s.name }

func (s *fakeServer) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.tools, nil
}

func (s *fakeServer) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
	s.calls = append(s.calls, name)
	return s.handle(name, args)
}

func textResult(text string) *mcp.ToolCallResult {
	return &mcp.ToolCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}
}

func docsServer() *fakeServer {
	return &fakeServer{
		name: "docs",
		tools: []mcp.ToolDefinition{
			{Name: "search_docs", Description: "Search documentation", InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`)},
		},
		handle: func(name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
			return textResult("result for " + name), nil
		},
	}
}

func callVia(t *testing.T, m *Middleware, name string, args string) (*tern.ToolResult, error) {
	t.Helper()
	call := &tern.ToolCallRequest{
		ID:       "tc1",
		Name:     name,
		Args:     json.RawMessage(args),
		ThreadID: "th1",
		RunID:    "r1",
	}
	return m.WrapToolCall(context.Background(), call, tern.UnknownTool)
}

func TestDefinitionsMergedFromServers(t *testing.T) {
	docs := docsServer()
	db := &fakeServer{
		name:  "db",
		tools: []mcp.ToolDefinition{{Name: "query_db", Description: "Run a query"}},
	}
	m := New(context.Background(), []ToolServer{docs, db})

	defs := m.Definitions()
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}
	if defs[0].Name != "search_docs" || defs[1].Name != "query_db" {
		t.Errorf("definition order = %q, %q; want search_docs, query_db", defs[0].Name, defs[1].Name)
	}
	// Schema-less tools get an object schema so providers accept them.
	if string(defs[1].Parameters) != `{"type":"object"}` {
		t.Errorf("fallback schema = %s", defs[1].Parameters)
	}

	req := &tern.ModelRequest{Model: "m"}
	m.WrapModelCall(context.Background(), req, func(ctx context.Context, r *tern.ModelRequest) (*tern.ModelResponse, error) {
		return &tern.ModelResponse{}, nil
	})
	if len(req.Tools) != 2 {
		t.Errorf("injected %d tools, want 2", len(req.Tools))
	}
}

func TestFailedServerSkipped(t *testing.T) {
	down := &fakeServer{name: "down", listErr: errors.New("spawn failed")}
	m := New(context.Background(), []ToolServer{down, docsServer()})

	if len(m.Definitions()) != 1 {
		t.Fatalf("got %d definitions, want 1 from the healthy server", len(m.Definitions()))
	}
}

func TestDuplicateToolNameKeepsFirst(t *testing.T) {
	first := docsServer()
	second := &fakeServer{
		name:  "docs2",
		tools: []mcp.ToolDefinition{{Name: "search_docs", Description: "Other search"}},
		handle: func(name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
			return textResult("wrong owner"), nil
		},
	}
	m := New(context.Background(), []ToolServer{first, second})

	if len(m.Definitions()) != 1 {
		t.Fatalf("got %d definitions, want 1", len(m.Definitions()))
	}
	res, err := callVia(t, m, "search_docs", `{"query":"x"}`)
	if err != nil {
		t.Fatalf("WrapToolCall: %v", err)
	}
	if res.Content != "result for search_docs" {
		t.Errorf("content = %q, want first server's result", res.Content)
	}
	if len(second.calls) != 0 {
		t.Errorf("second server was called %d times, want 0", len(second.calls))
	}
}

func TestRoutesOwnedToolAndForwardsRest(t *testing.T) {
	docs := docsServer()
	m := New(context.Background(), []ToolServer{docs})

	res, err := callVia(t, m, "search_docs", `{"query":"streams"}`)
	if err != nil {
		t.Fatalf("WrapToolCall: %v", err)
	}
	if res.Content != "result for search_docs" {
		t.Errorf("content = %q", res.Content)
	}

	_, err = callVia(t, m, "not_ours", `{}`)
	if err == nil || tern.KindOf(err) != tern.KindInvalidInput {
		t.Fatalf("unowned tool err = %v, want unknown-tool invalid_input", err)
	}
	if len(docs.calls) != 1 {
		t.Errorf("server called %d times, want 1", len(docs.calls))
	}
}

func TestToolErrorStaysData(t *testing.T) {
	srv := docsServer()
	srv.handle = func(name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
		return &mcp.ToolCallResult{
			Content: []mcp.ContentBlock{{Type: "text", Text: "no such page"}},
			IsError: true,
		}, nil
	}
	m := New(context.Background(), []ToolServer{srv})

	res, err := callVia(t, m, "search_docs", `{}`)
	if err != nil {
		t.Fatalf("WrapToolCall: %v", err)
	}
	if !res.IsError {
		t.Errorf("IsError = false, want true")
	}
	if res.Content != "no such page" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	srv := docsServer()
	srv.handle = func(name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
		return nil, errors.New("docs closed the connection")
	}
	m := New(context.Background(), []ToolServer{srv})

	_, err := callVia(t, m, "search_docs", `{}`)
	if err == nil {
		t.Fatal("expected error")
	}
	if tern.KindOf(err) != tern.KindTransient {
		t.Errorf("kind = %v, want transient", tern.KindOf(err))
	}
	if !strings.Contains(err.Error(), "mcp tool search_docs") {
		t.Errorf("err = %v, want mcp tool context", err)
	}
}

func TestInvalidParamsKindSurfaces(t *testing.T) {
	srv := docsServer()
	srv.handle = func(name string, args json.RawMessage) (*mcp.ToolCallResult, error) {
		return nil, &mcp.RPCError{Code: mcp.ErrCodeInvalidParams, Message: "query is required"}
	}
	m := New(context.Background(), []ToolServer{srv})

	_, err := callVia(t, m, "search_docs", `{}`)
	if err == nil {
		t.Fatal("expected error")
	}
	if tern.KindOf(err) != tern.KindInvalidInput {
		t.Errorf("kind = %v, want invalid_input", tern.KindOf(err))
	}
}
