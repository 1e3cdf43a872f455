// Package skill implements progressive disclosure of agent skills. The
// injected load_skill tool lists every discovered skill by summary; loading
// one returns its full instructions and splices them into the system prompt
// of every later turn on the same thread.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ternhq/tern"
)

// Skill is one loadable instruction fragment.
type Skill struct {
	Name        string // load_skill key, the directory name on disk
	DisplayName string // first heading of SKILL.md, Name when absent
	Summary     string // first paragraph of SKILL.md
	Body        string // full SKILL.md text
	Path        string // source file, empty for in-memory skills
}

// Middleware owns the load_skill tool and the per-thread loaded set.
type Middleware struct {
	skills map[string]Skill
	order  []string

	mu     sync.Mutex
	loaded map[string]map[string]bool // threadID -> loaded names

	logger *slog.Logger
}

var (
	_ tern.ModelInterceptor = (*Middleware)(nil)
	_ tern.ToolInterceptor  = (*Middleware)(nil)
)

type Option func(*Middleware)

func WithLogger(l *slog.Logger) Option { return func(m *Middleware) { m.logger = l } }

// New builds the skill middleware over the given skills. Duplicate names
// keep the first definition.
func New(skills []Skill, opts ...Option) *Middleware {
	m := &Middleware{
		skills: make(map[string]Skill, len(skills)),
		loaded: make(map[string]map[string]bool),
		logger: tern.NopLogger(),
	}
	for _, sk := range skills {
		if _, ok := m.skills[sk.Name]; ok {
			continue
		}
		m.skills[sk.Name] = sk
		m.order = append(m.order, sk.Name)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Definitions returns the load_skill schema. The description carries the
// skill catalog so the model can pick without loading anything.
func (m *Middleware) Definitions() []tern.ToolDefinition {
	return []tern.ToolDefinition{{
		Name:        "load_skill",
		Description: m.describe(),
		Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Skill name from the available list"}},"required":["name"]}`),
	}}
}

func (m *Middleware) describe() string {
	var b strings.Builder
	b.WriteString("Load a skill by name to get its full instructions. Available skills:\n")
	for _, name := range m.order {
		sk := m.skills[name]
		b.WriteString("- " + name)
		if sk.DisplayName != "" && sk.DisplayName != name {
			fmt.Fprintf(&b, " (%s)", sk.DisplayName)
		}
		if sk.Summary != "" {
			b.WriteString(": " + sk.Summary)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// WrapModelCall injects the load_skill schema and splices the bodies of
// already-loaded skills into the system prompt. No-op when no skills are
// configured.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	if len(m.order) == 0 {
		return next(ctx, req)
	}
	req.Tools = append(req.Tools, m.Definitions()...)
	if info, ok := tern.RunInfoFromContext(ctx); ok {
		if frag := m.fragment(info.ThreadID); frag != "" {
			req.Messages = spliceSystem(req.Messages, frag)
		}
	}
	return next(ctx, req)
}

// WrapToolCall handles load_skill; everything else forwards.
func (m *Middleware) WrapToolCall(ctx context.Context, call *tern.ToolCallRequest, next tern.ToolCallFunc) (*tern.ToolResult, error) {
	if call.Name != "load_skill" {
		return next(ctx, call)
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "invalid load_skill args: %v", err)), nil
	}
	sk, ok := m.skills[params.Name]
	if !ok {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput,
			"no skill named %q; available: %s", params.Name, strings.Join(m.order, ", "))), nil
	}
	m.markLoaded(call.ThreadID, sk.Name)
	m.logger.Debug("skill loaded", "skill", sk.Name, "thread_id", call.ThreadID)
	return &tern.ToolResult{Content: sk.Body}, nil
}

// Loaded returns the names loaded on threadID, in catalog order.
func (m *Middleware) Loaded(threadID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.loaded[threadID]
	var names []string
	for _, name := range m.order {
		if set[name] {
			names = append(names, name)
		}
	}
	return names
}

func (m *Middleware) markLoaded(threadID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.loaded[threadID]
	if set == nil {
		set = make(map[string]bool)
		m.loaded[threadID] = set
	}
	set[name] = true
}

// fragment joins the loaded skill bodies for threadID into one system
// prompt block, or "" when nothing is loaded.
func (m *Middleware) fragment(threadID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.loaded[threadID]
	if len(set) == 0 {
		return ""
	}
	var parts []string
	for _, name := range m.order {
		if set[name] {
			parts = append(parts, m.skills[name].Body)
		}
	}
	return strings.Join(parts, "\n\n")
}

// spliceSystem inserts content as a system message after the leading
// system block. The slice is copied so the fragment never reaches the
// stored conversation.
func spliceSystem(msgs []tern.ChatMessage, content string) []tern.ChatMessage {
	i := 0
	for i < len(msgs) && msgs[i].Role == "system" {
		i++
	}
	out := make([]tern.ChatMessage, 0, len(msgs)+1)
	out = append(out, msgs[:i]...)
	out = append(out, tern.SystemMessage(content))
	out = append(out, msgs[i:]...)
	return out
}
