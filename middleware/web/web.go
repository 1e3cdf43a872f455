// Package web implements the web_search and web_fetch tools. Search runs
// a strictly ordered provider fallback chain and fails only when every
// provider fails; fetch downloads a page and extracts its readable text.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/ternhq/tern"
)

const (
	// DefaultMaxResultChars is the truncation threshold for tool output.
	DefaultMaxResultChars = 8000
	// DefaultMaxResults caps the formatted hits per search.
	DefaultMaxResults = 8

	fetchLimitBytes = 1 << 20
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchProvider is one engine in the fallback chain.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]Result, error)
}

// Middleware implements the web tools.
type Middleware struct {
	providers  []SearchProvider
	client     *http.Client
	maxChars   int
	maxResults int
	logger     *slog.Logger
}

var (
	_ tern.ModelInterceptor = (*Middleware)(nil)
	_ tern.ToolInterceptor  = (*Middleware)(nil)
)

type Option func(*Middleware)

func WithHTTPClient(c *http.Client) Option { return func(m *Middleware) { m.client = c } }

// WithMaxResultChars overrides the tool output truncation threshold.
func WithMaxResultChars(n int) Option { return func(m *Middleware) { m.maxChars = n } }

// WithMaxResults caps how many hits a search reports.
func WithMaxResults(n int) Option { return func(m *Middleware) { m.maxResults = n } }

func WithLogger(l *slog.Logger) Option { return func(m *Middleware) { m.logger = l } }

// New builds the web middleware. Providers are tried in argument order:
// the first is primary, the rest are fallbacks.
func New(providers []SearchProvider, opts ...Option) *Middleware {
	m := &Middleware{
		providers:  providers,
		client:     &http.Client{Timeout: 15 * time.Second},
		maxChars:   DefaultMaxResultChars,
		maxResults: DefaultMaxResults,
		logger:     tern.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Definitions returns the tool schemas. web_search is omitted when no
// provider is configured.
func (m *Middleware) Definitions() []tern.ToolDefinition {
	defs := []tern.ToolDefinition{{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
	if len(m.providers) > 0 {
		defs = append(defs, tern.ToolDefinition{
			Name:        "web_search",
			Description: "Search the web for current information. Use for recent events, news, prices, or anything that requires up-to-date data.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
		})
	}
	return defs
}

// WrapModelCall appends the web tool schemas to the outbound request.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	req.Tools = append(req.Tools, m.Definitions()...)
	return next(ctx, req)
}

// WrapToolCall executes web_search and web_fetch; everything else forwards.
func (m *Middleware) WrapToolCall(ctx context.Context, call *tern.ToolCallRequest, next tern.ToolCallFunc) (*tern.ToolResult, error) {
	switch call.Name {
	case "web_search", "web_fetch":
	default:
		return next(ctx, call)
	}

	var params struct {
		Query string `json:"query"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "invalid %s args: %v", call.Name, err)), nil
	}

	if call.Name == "web_search" {
		return m.search(ctx, params.Query)
	}
	return m.fetch(ctx, params.URL)
}

// search walks the provider chain in order and returns the first
// successful response. It fails only when every provider fails.
func (m *Middleware) search(ctx context.Context, query string) (*tern.ToolResult, error) {
	if strings.TrimSpace(query) == "" {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "query is required")), nil
	}
	if len(m.providers) == 0 {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "no search provider configured")), nil
	}

	var failures []string
	for _, p := range m.providers {
		results, err := p.Search(ctx, query, m.maxResults)
		if err != nil {
			m.logger.Warn("search provider failed", "provider", p.Name(), "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
			if ctx.Err() != nil {
				return nil, tern.WrapError(tern.KindCancelled, ctx.Err(), "web_search")
			}
			continue
		}
		if len(results) > m.maxResults {
			results = results[:m.maxResults]
		}
		return &tern.ToolResult{Content: m.truncate(formatResults(query, results))}, nil
	}
	return nil, tern.Errorf(tern.KindTransient, "all search providers failed: %s", strings.Join(failures, "; "))
}

// fetch downloads rawURL and extracts readable text, falling back to tag
// stripping when readability cannot parse the page.
func (m *Middleware) fetch(ctx context.Context, rawURL string) (*tern.ToolResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme != "http" && parsed.Scheme != "https" {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput,
			"url %q must be an absolute http(s) URL", rawURL)), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return tern.ErrorResult(tern.Errorf(tern.KindInvalidInput, "invalid url: %v", err)), nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TernBot/1.0)")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, tern.WrapError(tern.KindTransient, err, "fetch "+rawURL)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, tern.Errorf(tern.KindTransient, "HTTP %d from %s", resp.StatusCode, rawURL)
	case resp.StatusCode >= 400:
		return nil, tern.Errorf(tern.KindInvalidInput, "HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchLimitBytes))
	if err != nil {
		return nil, tern.WrapError(tern.KindTransient, err, "read "+rawURL)
	}

	page := string(body)
	content := ""
	if article, err := readability.FromReader(strings.NewReader(page), parsed); err == nil && article.TextContent != "" {
		content = strings.TrimSpace(article.TextContent)
	} else {
		content = stripHTML(page)
	}
	return &tern.ToolResult{Content: m.truncate(content)}, nil
}

func (m *Middleware) truncate(s string) string {
	if len(s) > m.maxChars {
		return s[:m.maxChars] + "\n... (truncated)"
	}
	return s
}

func formatResults(query string, results []Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query)
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			b.WriteString(r.Snippet)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}
