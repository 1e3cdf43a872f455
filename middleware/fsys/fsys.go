// Package fsys is the filesystem tool middleware. It injects read_file,
// write_file, edit_file, and list_dir and executes them against a
// pluggable backend (host filesystem or sandbox proxy). Paths must be
// absolute and confined to the workspace root unless allowlisted.
package fsys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ternhq/tern"
)

// DefaultMaxReadChars is the read_file truncation threshold.
const DefaultMaxReadChars = 8000

// Middleware implements the filesystem tools.
type Middleware struct {
	backend      Backend
	root         string
	allowed      []string
	maxReadChars int
	logger       *slog.Logger
}

var (
	_ tern.ModelInterceptor = (*Middleware)(nil)
	_ tern.ToolInterceptor  = (*Middleware)(nil)
)

type Option func(*Middleware)

// WithAllowedPaths permits access to absolute path prefixes outside the
// workspace root.
func WithAllowedPaths(prefixes ...string) Option {
	return func(m *Middleware) { m.allowed = append(m.allowed, prefixes...) }
}

// WithMaxReadChars overrides the read_file truncation threshold.
func WithMaxReadChars(n int) Option { return func(m *Middleware) { m.maxReadChars = n } }

func WithLogger(l *slog.Logger) Option { return func(m *Middleware) { m.logger = l } }

// New builds the filesystem middleware rooted at workspaceRoot. A nil
// backend defaults to the host filesystem.
func New(workspaceRoot string, backend Backend, opts ...Option) *Middleware {
	m := &Middleware{
		backend:      backend,
		root:         filepath.Clean(workspaceRoot),
		maxReadChars: DefaultMaxReadChars,
		logger:       tern.NopLogger(),
	}
	if m.backend == nil {
		m.backend = LocalBackend{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Definitions returns the tool schemas injected into model requests.
func (m *Middleware) Definitions() []tern.ToolDefinition {
	return []tern.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file at an absolute path. PDF files are converted to plain text; long files are truncated.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute file path"}},"required":["path"]}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file at an absolute path, creating parent directories as needed.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute file path"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. old_string must match exactly once; include surrounding lines to disambiguate.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute file path"},"old_string":{"type":"string","description":"Exact text to replace"},"new_string":{"type":"string","description":"Replacement text"}},"required":["path","old_string","new_string"]}`),
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a directory at an absolute path.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute directory path"}},"required":["path"]}`),
		},
	}
}

// WrapModelCall appends the filesystem tool schemas to the outbound request.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	req.Tools = append(req.Tools, m.Definitions()...)
	return next(ctx, req)
}

// WrapToolCall executes the filesystem tools; everything else forwards.
func (m *Middleware) WrapToolCall(ctx context.Context, call *tern.ToolCallRequest, next tern.ToolCallFunc) (*tern.ToolResult, error) {
	switch call.Name {
	case "read_file", "write_file", "edit_file", "list_dir":
	default:
		return next(ctx, call)
	}

	var params struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "invalid %s args: %v", call.Name, err)), nil
	}

	path, err := m.resolvePath(params.Path)
	if err != nil {
		return tern.ErrorResult(err), nil
	}

	m.logger.Debug("fs tool", "tool", call.Name, "thread_id", call.ThreadID, "path", path)
	switch call.Name {
	case "read_file":
		return m.readFile(ctx, call.ThreadID, path)
	case "write_file":
		return m.writeFile(ctx, call.ThreadID, path, params.Content)
	case "edit_file":
		return m.editFile(ctx, call.ThreadID, path, params.OldString, params.NewString)
	default:
		return m.listDir(ctx, call.ThreadID, path)
	}
}

// resolvePath validates and normalizes a tool-supplied path. Relative
// paths are rejected with a suggestion anchored at the workspace root.
func (m *Middleware) resolvePath(path string) (string, error) {
	if path == "" {
		return "", tern.Errorf(tern.KindInvalidInput, "path is required")
	}
	if !filepath.IsAbs(path) {
		return "", tern.Errorf(tern.KindInvalidInput,
			"path %q must be absolute: did you mean %q?", path, filepath.Join(m.root, path))
	}
	cleaned := filepath.Clean(path)
	if m.permitted(cleaned) {
		return cleaned, nil
	}
	return "", tern.Errorf(tern.KindInvalidInput,
		"path %q is outside the workspace root %q and not allowlisted", cleaned, m.root)
}

// permitted reports whether cleaned sits under the workspace root or an
// allowlisted prefix.
func (m *Middleware) permitted(cleaned string) bool {
	if underPrefix(cleaned, m.root) {
		return true
	}
	for _, p := range m.allowed {
		if underPrefix(cleaned, filepath.Clean(p)) {
			return true
		}
	}
	return false
}

func underPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

func (m *Middleware) readFile(ctx context.Context, threadID, path string) (*tern.ToolResult, error) {
	data, err := m.backend.ReadFile(ctx, threadID, path)
	if err != nil {
		return nil, classify(err, "read %s", path)
	}
	var content string
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		content, err = extractPDF(data)
		if err != nil {
			return nil, tern.WrapError(tern.KindInvalidInput, err, "extract pdf text")
		}
	} else {
		content = string(data)
	}
	if len(content) > m.maxReadChars {
		content = content[:m.maxReadChars] + "\n... (truncated)"
	}
	return &tern.ToolResult{Content: content}, nil
}

func (m *Middleware) writeFile(ctx context.Context, threadID, path, content string) (*tern.ToolResult, error) {
	if err := m.backend.WriteFile(ctx, threadID, path, []byte(content)); err != nil {
		return nil, classify(err, "write %s", path)
	}
	return &tern.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}

func (m *Middleware) editFile(ctx context.Context, threadID, path, oldStr, newStr string) (*tern.ToolResult, error) {
	if oldStr == "" {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "old_string is required")), nil
	}
	data, err := m.backend.ReadFile(ctx, threadID, path)
	if err != nil {
		return nil, classify(err, "read %s", path)
	}
	content := string(data)
	switch n := strings.Count(content, oldStr); {
	case n == 0:
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput,
			"old_string not found in %s; re-read the file and match the exact text", path)), nil
	case n > 1:
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput,
			"old_string matches %d times in %s; include more surrounding context to make it unique", n, path)), nil
	}
	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := m.backend.WriteFile(ctx, threadID, path, []byte(updated)); err != nil {
		return nil, classify(err, "write %s", path)
	}
	return &tern.ToolResult{Content: fmt.Sprintf("edited %s", path)}, nil
}

func (m *Middleware) listDir(ctx context.Context, threadID, path string) (*tern.ToolResult, error) {
	entries, err := m.backend.ListDir(ctx, threadID, path)
	if err != nil {
		return nil, classify(err, "list %s", path)
	}
	if len(entries) == 0 {
		return &tern.ToolResult{Content: "(empty directory)"}, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Name)
		} else {
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name, e.Size)
		}
	}
	return &tern.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}

// classify wraps backend failures so the propagation policy treats them
// as data for the model. Already-typed errors pass through unchanged.
func classify(err error, format string, args ...any) error {
	var te *tern.Error
	if errors.As(err, &te) {
		return err
	}
	var pe *tern.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return tern.WrapError(tern.KindInvalidInput, err, fmt.Sprintf(format, args...))
}
