// Package anthropic implements the Anthropic Messages API provider over
// raw HTTP. It maps the shared chat types onto the Messages wire format:
// system prompts move to the top-level system field, tool results become
// tool_result blocks, and cache_control markers pass through so prompt
// caching works end to end.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ternhq/tern"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 8192
)

// Anthropic implements tern.ModelProvider for Claude models.
type Anthropic struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	maxTokens   int
	temperature *float64
}

// New creates an Anthropic chat provider. model is the default; requests
// carrying their own Model override it.
func New(apiKey, model string, opts ...Option) *Anthropic {
	a := &Anthropic{
		apiKey:    apiKey,
		model:     model,
		baseURL:   defaultBaseURL,
		client:    &http.Client{},
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) resolveModel(req tern.ModelRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.model
}

// applyDefaults fills request fields the caller left unset from the
// provider-level defaults. req is a copy, so mutation is local.
func (a *Anthropic) applyDefaults(req tern.ModelRequest) tern.ModelRequest {
	if req.Temperature == nil {
		req.Temperature = a.temperature
	}
	return req
}

// Chat sends a non-streaming request and returns the complete response.
func (a *Anthropic) Chat(ctx context.Context, req tern.ModelRequest) (tern.ModelResponse, error) {
	req = a.applyDefaults(req)
	body := buildBody(req, a.resolveModel(req), a.maxTokens)

	resp, err := a.sendHTTP(ctx, body)
	if err != nil {
		return tern.ModelResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tern.ModelResponse{}, a.httpErr(resp)
	}

	var parsed messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return tern.ModelResponse{}, a.wrapErr("decode response: " + err.Error())
	}
	return parseResponse(parsed), nil
}

// ChatStream streams text deltas into ch, then returns the final
// accumulated response. The channel is closed when streaming completes
// (via readStream) or on error.
func (a *Anthropic) ChatStream(ctx context.Context, req tern.ModelRequest, ch chan<- string) (tern.ModelResponse, error) {
	req = a.applyDefaults(req)
	body := buildBody(req, a.resolveModel(req), a.maxTokens)
	body.Stream = true

	resp, err := a.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return tern.ModelResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		close(ch)
		return tern.ModelResponse{}, a.httpErr(resp)
	}

	// readStream closes ch when done.
	return readStream(ctx, resp.Body, ch)
}

// parseResponse converts a complete Messages API response.
func parseResponse(parsed messageResponse) tern.ModelResponse {
	out := tern.ModelResponse{
		Model:      parsed.Model,
		StopReason: parsed.StopReason,
		Usage:      parseUsage(parsed.Usage),
	}

	var content strings.Builder
	for _, blk := range parsed.Content {
		switch blk.Type {
		case "text":
			content.WriteString(blk.Text)
		case "tool_use":
			args := blk.Input
			if !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, tern.ToolCall{
				ID:   blk.ID,
				Name: blk.Name,
				Args: args,
			})
		}
	}
	out.Content = content.String()
	return out
}

// sendHTTP marshals the body and posts it to /v1/messages.
func (a *Anthropic) sendHTTP(ctx context.Context, body messageRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, a.wrapErr("marshal request: " + err.Error())
	}

	url := a.baseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, a.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	return a.client.Do(httpReq)
}

func (a *Anthropic) wrapErr(msg string) error {
	return &tern.ErrLLM{Provider: "anthropic", Message: msg}
}

// httpErr reads the response body and returns an ErrHTTP for retry
// middleware, with the Retry-After header parsed when present.
func (a *Anthropic) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &tern.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: tern.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ tern.ModelProvider = (*Anthropic)(nil)
