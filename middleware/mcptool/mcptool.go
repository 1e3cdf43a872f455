// Package mcptool bridges MCP servers into the tool chain. At
// construction it lists each server's tools once; the definitions are
// injected on every model call and invocations of those names route to
// the owning server.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/mcp"
)

// ToolServer is the client surface this middleware needs. *mcp.Client
// implements it.
type ToolServer interface {
	Name() string
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolCallResult, error)
}

// defaultSchema stands in for tools whose server reports no input schema.
var defaultSchema = json.RawMessage(`{"type":"object"}`)

// Middleware exposes the tools of one or more MCP servers.
type Middleware struct {
	defs   []tern.ToolDefinition
	owner  map[string]ToolServer
	logger *slog.Logger
}

var (
	_ tern.ModelInterceptor = (*Middleware)(nil)
	_ tern.ToolInterceptor  = (*Middleware)(nil)
)

// Option configures the middleware.
type Option func(*Middleware)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option { return func(m *Middleware) { m.logger = l } }

// New lists each server's tools and builds the routing table. A server
// that fails to list is skipped with a warning so one dead server does
// not take the agent down; duplicate tool names keep the first owner.
func New(ctx context.Context, servers []ToolServer, opts ...Option) *Middleware {
	m := &Middleware{owner: make(map[string]ToolServer)}
	m.logger = tern.NopLogger()
	for _, opt := range opts {
		opt(m)
	}
	for _, srv := range servers {
		tools, err := srv.ListTools(ctx)
		if err != nil {
			m.logger.Warn("mcp server unavailable, skipping its tools",
				"server", srv.Name(), "error", err)
			continue
		}
		for _, td := range tools {
			if prev, dup := m.owner[td.Name]; dup {
				m.logger.Warn("duplicate mcp tool name, keeping first",
					"tool", td.Name, "kept", prev.Name(), "dropped", srv.Name())
				continue
			}
			schema := td.InputSchema
			if len(schema) == 0 {
				schema = defaultSchema
			}
			m.owner[td.Name] = srv
			m.defs = append(m.defs, tern.ToolDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  schema,
			})
		}
		m.logger.Info("mcp tools registered", "server", srv.Name(), "count", len(tools))
	}
	return m
}

// Definitions returns the merged tool catalog.
func (m *Middleware) Definitions() []tern.ToolDefinition {
	return m.defs
}

// WrapModelCall injects the MCP tool definitions.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	if len(m.defs) > 0 {
		req.Tools = append(req.Tools, m.defs...)
	}
	return next(ctx, req)
}

// WrapToolCall routes owned names to their server and forwards the rest.
func (m *Middleware) WrapToolCall(ctx context.Context, call *tern.ToolCallRequest, next tern.ToolCallFunc) (*tern.ToolResult, error) {
	srv, ok := m.owner[call.Name]
	if !ok {
		return next(ctx, call)
	}

	res, err := srv.CallTool(ctx, call.Name, call.Args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, tern.WrapError(tern.KindCancelled, err, "mcp tool "+call.Name)
		}
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == mcp.ErrCodeInvalidParams {
			return nil, tern.WrapError(tern.KindInvalidInput, err, "mcp tool "+call.Name)
		}
		return nil, tern.WrapError(tern.KindTransient, err, "mcp tool "+call.Name)
	}
	m.logger.Debug("mcp tool executed",
		"server", srv.Name(), "tool", call.Name, "is_error", res.IsError)
	return &tern.ToolResult{Content: res.Text(), IsError: res.IsError}, nil
}
