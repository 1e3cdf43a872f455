package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ternhq/tern"
)

// maxMessageBytes bounds a single JSON-RPC frame in either direction.
const maxMessageBytes = 10 << 20

// ServerConfig describes one MCP server to spawn.
type ServerConfig struct {
	// Name identifies the server in logs and tool routing.
	Name string
	// Command is the executable to spawn; Args are passed verbatim.
	Command string
	Args    []string
	// Env entries are appended to the inherited environment.
	Env map[string]string
	// IdleTimeout stops the child after this long without a call; the
	// next call respawns it. Zero keeps the child for the client's
	// lifetime.
	IdleTimeout time.Duration
}

// Client manages one MCP server subprocess. Calls are serialized; the
// child is spawned lazily on first use and respawned after an idle stop
// or a transport failure.
type Client struct {
	cfg    ServerConfig
	logger *slog.Logger

	// spawn can be overridden for testing (defaults to exec.Command).
	spawn func() (io.WriteCloser, io.ReadCloser, func(), error)

	mu       sync.Mutex
	proc     *process
	nextID   int64
	lastUsed time.Time
	idle     *time.Timer
	server   ServerInfo
	closed   bool
}

// process is one live child with its transport goroutine.
type process struct {
	stdin io.WriteCloser
	stop  func()
	recv  chan response
	done  chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient creates a client for the given server. The child process is
// not started until the first call.
func NewClient(cfg ServerConfig, opts ...Option) *Client {
	c := &Client{cfg: cfg, logger: tern.NopLogger()}
	c.spawn = c.spawnProcess
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.cfg.Name }

// ServerInfo returns the peer identity reported during the last
// initialize handshake. Zero before the first call.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// ListTools asks the server for its tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var res toolsListResult
	if err := c.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// CallTool invokes one tool on the server. Tool-level failures come back
// as a result with IsError set; the returned error covers transport and
// protocol failures only.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolCallResult, error) {
	var res ToolCallResult
	if err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping checks that the server is responsive, spawning it if needed.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Close stops the child process. The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.idle != nil {
		c.idle.Stop()
	}
	c.stopLocked()
	return nil
}

// call performs one JSON-RPC round trip, spawning and initializing the
// child first when necessary.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("mcp: client for %s is closed", c.cfg.Name)
	}
	if c.proc == nil {
		if err := c.startLocked(ctx); err != nil {
			return err
		}
	}
	err := c.roundTripLocked(ctx, method, params, result)
	c.lastUsed = time.Now()
	c.armIdleLocked()
	return err
}

// startLocked spawns the child and runs the initialize handshake.
func (c *Client) startLocked(ctx context.Context) error {
	stdin, stdout, stop, err := c.spawn()
	if err != nil {
		return err
	}
	p := &process{
		stdin: stdin,
		stop:  stop,
		recv:  make(chan response, 8),
		done:  make(chan struct{}),
	}
	go p.pump(stdout, c.logger, c.cfg.Name)
	c.proc = p

	var res initializeResult
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: "tern", Version: "1.0"},
	}
	if err := c.roundTripLocked(ctx, "initialize", params, &res); err != nil {
		c.stopLocked()
		return fmt.Errorf("mcp: initialize %s: %w", c.cfg.Name, err)
	}
	if err := c.notifyLocked("notifications/initialized"); err != nil {
		c.stopLocked()
		return err
	}
	c.server = res.ServerInfo
	c.logger.Debug("mcp server started",
		"server", c.cfg.Name,
		"peer", res.ServerInfo.Name,
		"peer_version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion)
	return nil
}

// spawnProcess starts the configured command with piped stdio and a
// stderr drain.
func (c *Client) spawnProcess() (io.WriteCloser, io.ReadCloser, func(), error) {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mcp: stdin pipe for %s: %w", c.cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mcp: stdout pipe for %s: %w", c.cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mcp: stderr pipe for %s: %w", c.cfg.Name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("mcp: start %s: %w", c.cfg.Name, err)
	}
	go c.drainStderr(stderr)
	stop := func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		go cmd.Wait()
	}
	return stdin, stdout, stop, nil
}

// roundTripLocked writes one request and waits for its matching response.
// Any transport failure or context cancellation kills the child: the
// newline stream has no way to resynchronize once a reply is abandoned.
func (c *Client) roundTripLocked(ctx context.Context, method string, params, result any) error {
	p := c.proc
	c.nextID++
	id := strconv.FormatInt(c.nextID, 10)
	if err := c.writeLocked(request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(id),
		Method:  method,
		Params:  params,
	}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			c.stopLocked()
			return ctx.Err()
		case resp, ok := <-p.recv:
			if !ok {
				c.stopLocked()
				return fmt.Errorf("mcp: %s closed the connection", c.cfg.Name)
			}
			if string(resp.ID) != id {
				continue
			}
			if resp.Error != nil {
				return resp.Error
			}
			if result == nil || len(resp.Result) == 0 {
				return nil
			}
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("mcp: decode %s result from %s: %w", method, c.cfg.Name, err)
			}
			return nil
		}
	}
}

// notifyLocked writes a notification (no ID, no response expected).
func (c *Client) notifyLocked(method string) error {
	return c.writeLocked(request{JSONRPC: "2.0", Method: method})
}

func (c *Client) writeLocked(req request) error {
	frame, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcp: marshal %s: %w", req.Method, err)
	}
	frame = append(frame, '\n')
	if _, err := c.proc.stdin.Write(frame); err != nil {
		c.stopLocked()
		return fmt.Errorf("mcp: write to %s: %w", c.cfg.Name, err)
	}
	return nil
}

// stopLocked kills the child and releases its transport goroutine.
func (c *Client) stopLocked() {
	p := c.proc
	if p == nil {
		return
	}
	c.proc = nil
	close(p.done)
	p.stdin.Close()
	p.stop()
}

// armIdleLocked schedules the idle shutdown after the configured timeout.
func (c *Client) armIdleLocked() {
	if c.cfg.IdleTimeout <= 0 || c.proc == nil {
		return
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = time.AfterFunc(c.cfg.IdleTimeout, c.idleStop)
}

// idleStop fires from the timer; a call that slipped in since re-arms
// instead of stopping.
func (c *Client) idleStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil || c.closed {
		return
	}
	if rest := c.cfg.IdleTimeout - time.Since(c.lastUsed); rest > 0 {
		c.idle = time.AfterFunc(rest, c.idleStop)
		return
	}
	c.logger.Debug("mcp server idle, stopping", "server", c.cfg.Name)
	c.stopLocked()
}

// pump decodes frames from the child's stdout into recv. Server-initiated
// notifications and requests are dropped; only replies to our calls are
// delivered.
func (p *process) pump(r io.Reader, logger *slog.Logger, server string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxMessageBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			logger.Warn("mcp: undecodable frame", "server", server, "error", err)
			continue
		}
		if len(resp.ID) == 0 || string(resp.ID) == "null" || resp.Method != "" {
			continue
		}
		select {
		case p.recv <- resp:
		case <-p.done:
			return
		}
	}
	close(p.recv)
}

// drainStderr forwards the child's stderr lines to the log.
func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		c.logger.Debug("mcp server stderr", "server", c.cfg.Name, "line", scanner.Text())
	}
}
