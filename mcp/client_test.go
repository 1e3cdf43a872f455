package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer scripts the far side of the stdio transport: it answers
// initialize and ping, lists the given tools, and dispatches tools/call
// to handle.
type fakeServer struct {
	tools  []ToolDefinition
	handle func(name string, args json.RawMessage) ToolCallResult

	spawns atomic.Int64
}

// spawnFunc returns a spawn hook serving one in-memory session per call.
func (s *fakeServer) spawnFunc() func() (io.WriteCloser, io.ReadCloser, func(), error) {
	return func() (io.WriteCloser, io.ReadCloser, func(), error) {
		s.spawns.Add(1)
		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		go s.serve(inR, outW)
		stop := func() {
			inR.Close()
			outW.Close()
		}
		return inW, outR, stop, nil
	}
}

func (s *fakeServer) serve(r io.Reader, w io.WriteCloser) {
	defer w.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if len(req.ID) == 0 {
			continue // notification
		}
		var result any
		switch req.Method {
		case "initialize":
			result = initializeResult{
				ProtocolVersion: protocolVersion,
				ServerInfo:      ServerInfo{Name: "fake-server", Version: "0.1"},
			}
		case "ping":
			result = struct{}{}
		case "tools/list":
			result = toolsListResult{Tools: s.tools}
		case "tools/call":
			var params toolCallParams
			json.Unmarshal(req.Params, &params)
			result = s.handle(params.Name, params.Arguments)
		default:
			s.reply(w, response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}})
			continue
		}
		raw, _ := json.Marshal(result)
		s.reply(w, response{JSONRPC: "2.0", ID: req.ID, Result: raw})
	}
}

func (s *fakeServer) reply(w io.Writer, resp response) {
	data, _ := json.Marshal(resp)
	w.Write(append(data, '\n'))
}

func testClient(t *testing.T, srv *fakeServer, cfg ServerConfig) *Client {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "fake"
	}
	c := NewClient(cfg)
	c.spawn = srv.spawnFunc()
	t.Cleanup(func() { c.Close() })
	return c
}

func TestListTools(t *testing.T) {
	srv := &fakeServer{
		tools: []ToolDefinition{
			{Name: "search_docs", Description: "Search documentation", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "read_page", Description: "Read one page", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}
	c := testClient(t, srv, ServerConfig{})

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "search_docs" {
		t.Errorf("tool name = %q, want %q", tools[0].Name, "search_docs")
	}
	if got := c.ServerInfo().Name; got != "fake-server" {
		t.Errorf("server info name = %q, want %q", got, "fake-server")
	}
}

func TestCallToolReturnsText(t *testing.T) {
	srv := &fakeServer{
		handle: func(name string, args json.RawMessage) ToolCallResult {
			var params struct {
				Text string `json:"text"`
			}
			json.Unmarshal(args, &params)
			return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: "echo: " + params.Text}}}
		},
	}
	c := testClient(t, srv, ServerConfig{})

	res, err := c.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Errorf("IsError = true, want false")
	}
	if got := res.Text(); got != "echo: hello" {
		t.Errorf("Text() = %q, want %q", got, "echo: hello")
	}
}

func TestCallToolSurfacesToolError(t *testing.T) {
	srv := &fakeServer{
		handle: func(name string, args json.RawMessage) ToolCallResult {
			return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: "unknown tool: " + name}}, IsError: true}
		},
	}
	c := testClient(t, srv, ServerConfig{})

	res, err := c.CallTool(context.Background(), "nope", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Errorf("IsError = false, want true")
	}
	if !strings.Contains(res.Text(), "unknown tool: nope") {
		t.Errorf("Text() = %q, want unknown-tool message", res.Text())
	}
}

func TestServerErrorIsRPCError(t *testing.T) {
	srv := &fakeServer{}
	c := testClient(t, srv, ServerConfig{})

	err := c.call(context.Background(), "bogus/method", nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %T %v, want *RPCError", err, err)
	}
	if rpcErr.Code != ErrCodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, ErrCodeMethodNotFound)
	}
}

func TestSpawnIsLazyAndReused(t *testing.T) {
	srv := &fakeServer{}
	c := testClient(t, srv, ServerConfig{})

	if n := srv.spawns.Load(); n != 0 {
		t.Fatalf("spawned %d times before first call, want 0", n)
	}
	for i := 0; i < 3; i++ {
		if err := c.Ping(context.Background()); err != nil {
			t.Fatalf("Ping %d: %v", i, err)
		}
	}
	if n := srv.spawns.Load(); n != 1 {
		t.Errorf("spawned %d times across 3 calls, want 1", n)
	}
}

func TestIdleStopRespawnsOnNextCall(t *testing.T) {
	srv := &fakeServer{}
	c := testClient(t, srv, ServerConfig{IdleTimeout: 20 * time.Millisecond})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		stopped := c.proc == nil
		c.mu.Unlock()
		if stopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("child still running after idle timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after idle stop: %v", err)
	}
	if n := srv.spawns.Load(); n != 2 {
		t.Errorf("spawned %d times, want 2 (initial + respawn)", n)
	}
}

func TestClosedClientRefusesCalls(t *testing.T) {
	srv := &fakeServer{}
	c := testClient(t, srv, ServerConfig{Name: "docs"})
	c.Close()

	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error from closed client")
	} else if !strings.Contains(err.Error(), "closed") {
		t.Errorf("err = %v, want closed-client message", err)
	}
}
