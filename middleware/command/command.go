// Package command is the shell tool middleware. It injects run_command
// and command_status, executing through a pluggable backend (host process
// or sandbox session) behind a pre-execution hook chain. Non-blocking
// commands return a command_id for later polling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ternhq/tern"
)

const (
	// DefaultMaxOutputChars bounds stdout+stderr surfaced to the model;
	// longer output keeps the tail with a truncation annotation.
	DefaultMaxOutputChars = 4000
	// DefaultTimeout applies when the model omits one.
	DefaultTimeout = 30 * time.Second
	// MaxTimeout caps the model-requested timeout.
	MaxTimeout = 300 * time.Second
	// maxJobs bounds retained background jobs; oldest finished jobs are
	// evicted first.
	maxJobs = 64
)

// job is one background command execution.
type job struct {
	id        string
	threadID  string
	command   string
	startedAt time.Time
	done      chan struct{}

	// set before done closes
	result tern.ExecResult
	err    error
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Middleware implements the command tools.
type Middleware struct {
	backend        Backend
	hooks          []Hook
	maxOutputChars int
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	// insertion order for eviction
	order []string
}

var (
	_ tern.ModelInterceptor = (*Middleware)(nil)
	_ tern.ToolInterceptor  = (*Middleware)(nil)
)

type Option func(*Middleware)

// WithHooks appends pre-execution hooks to the chain. The dangerous
// command blocker is always installed; use this for the network blocker
// and custom policies.
func WithHooks(hooks ...Hook) Option {
	return func(m *Middleware) { m.hooks = append(m.hooks, hooks...) }
}

// WithMaxOutputChars overrides the output truncation threshold.
func WithMaxOutputChars(n int) Option { return func(m *Middleware) { m.maxOutputChars = n } }

// WithDefaultTimeout overrides the timeout applied when the model omits one.
func WithDefaultTimeout(d time.Duration) Option { return func(m *Middleware) { m.defaultTimeout = d } }

func WithLogger(l *slog.Logger) Option { return func(m *Middleware) { m.logger = l } }

// New builds the command middleware over backend. A nil backend defaults
// to stateless host execution in the OS temp directory.
func New(backend Backend, opts ...Option) *Middleware {
	m := &Middleware{
		backend:        backend,
		hooks:          []Hook{DangerousCommands()},
		maxOutputChars: DefaultMaxOutputChars,
		defaultTimeout: DefaultTimeout,
		maxTimeout:     MaxTimeout,
		logger:         tern.NopLogger(),
		jobs:           make(map[string]*job),
	}
	if m.backend == nil {
		m.backend = &LocalBackend{}
	}
	for _, opt := range opts {
		opt(m)
	}
	m.hooks = sortHooks(m.hooks)
	return m
}

// Definitions returns the tool schemas injected into model requests.
func (m *Middleware) Definitions() []tern.ToolDefinition {
	return []tern.ToolDefinition{
		{
			Name:        "run_command",
			Description: "Execute a shell command in the session's working directory. Set blocking:false to start it in the background and poll with command_status.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30, max 300)"},"blocking":{"type":"boolean","description":"Wait for completion (default true)"}},"required":["command"]}`),
		},
		{
			Name:        "command_status",
			Description: "Poll a background command started with run_command blocking:false.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"command_id":{"type":"string","description":"Id returned by run_command"}},"required":["command_id"]}`),
		},
	}
}

// WrapModelCall appends the command tool schemas to the outbound request.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	req.Tools = append(req.Tools, m.Definitions()...)
	return next(ctx, req)
}

// WrapToolCall executes the command tools; everything else forwards.
func (m *Middleware) WrapToolCall(ctx context.Context, call *tern.ToolCallRequest, next tern.ToolCallFunc) (*tern.ToolResult, error) {
	switch call.Name {
	case "run_command":
		return m.runCommand(ctx, call)
	case "command_status":
		return m.commandStatus(call)
	default:
		return next(ctx, call)
	}
}

func (m *Middleware) runCommand(ctx context.Context, call *tern.ToolCallRequest) (*tern.ToolResult, error) {
	var params struct {
		Command  string `json:"command"`
		Timeout  int    `json:"timeout"`
		Blocking *bool  `json:"blocking"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "invalid run_command args: %v", err)), nil
	}
	if params.Command == "" {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "command is required")), nil
	}

	if err := runHooks(ctx, m.hooks, params.Command); err != nil {
		m.logger.Info("command denied", "thread_id", call.ThreadID, "error", err)
		return tern.ErrorResult(err), nil
	}

	timeout := m.defaultTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Second
	}
	if timeout > m.maxTimeout {
		timeout = m.maxTimeout
	}

	blocking := params.Blocking == nil || *params.Blocking
	if blocking {
		res, err := m.backend.Exec(ctx, call.ThreadID, params.Command, timeout)
		if err != nil {
			return nil, classifyExec(err)
		}
		return &tern.ToolResult{Content: m.formatResult(res), IsError: res.ExitCode != 0}, nil
	}

	j := &job{
		id:        tern.NewID(),
		threadID:  call.ThreadID,
		command:   params.Command,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.addJob(j)

	// The job outlives this tool call; only its own timeout bounds it.
	bg := context.WithoutCancel(ctx)
	go func() {
		res, err := m.backend.Exec(bg, j.threadID, j.command, timeout)
		j.result, j.err = res, err
		close(j.done)
		m.logger.Debug("background command finished", "command_id", j.id, "exit_code", res.ExitCode)
	}()

	return &tern.ToolResult{Content: fmt.Sprintf("command started with command_id %s; poll with command_status", j.id)}, nil
}

func (m *Middleware) commandStatus(call *tern.ToolCallRequest) (*tern.ToolResult, error) {
	var params struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "invalid command_status args: %v", err)), nil
	}

	m.mu.Lock()
	j, ok := m.jobs[params.CommandID]
	m.mu.Unlock()
	if !ok {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput,
			"no such command_id %q; ids are returned by run_command with blocking:false", params.CommandID)), nil
	}

	if !j.finished() {
		return &tern.ToolResult{Content: fmt.Sprintf("still running (elapsed %s)", time.Since(j.startedAt).Round(time.Second))}, nil
	}
	if j.err != nil {
		return nil, classifyExec(j.err)
	}
	return &tern.ToolResult{Content: m.formatResult(j.result), IsError: j.result.ExitCode != 0}, nil
}

// addJob registers a background job, evicting the oldest finished jobs
// beyond the retention cap.
func (m *Middleware) addJob(j *job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.id] = j
	m.order = append(m.order, j.id)
	if len(m.order) <= maxJobs {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if len(m.jobs) <= maxJobs {
			kept = append(kept, id)
			continue
		}
		if old, ok := m.jobs[id]; ok && old.finished() {
			delete(m.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// formatResult renders an exec result for the model: stdout, a stderr
// section when present, tail truncation, and the exit code when non-zero.
func (m *Middleware) formatResult(res tern.ExecResult) string {
	out := res.Stdout
	if res.Stderr != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		} else {
			out = "--- stderr ---\n"
		}
		out += res.Stderr
	}
	out = tailTruncate(out, m.maxOutputChars)
	if out == "" {
		out = "(no output)"
	}
	if res.ExitCode != 0 {
		out = fmt.Sprintf("exit code %d\n%s", res.ExitCode, out)
	}
	return out
}

// tailTruncate keeps the last maxChars characters of s, annotating how
// many whole lines were dropped.
func tailTruncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := s[:len(s)-maxChars]
	dropped := 0
	for _, c := range cut {
		if c == '\n' {
			dropped++
		}
	}
	return fmt.Sprintf("[truncated %d lines]\n%s", dropped, s[len(s)-maxChars:])
}

// classifyExec wraps backend failures so they surface to the model as
// error results instead of aborting the run. Typed errors pass through.
func classifyExec(err error) error {
	var te *tern.Error
	if errors.As(err, &te) {
		return err
	}
	var pe *tern.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return tern.WrapError(tern.KindTransient, err, "run_command failed")
}
