package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ternhq/tern"
)

// Provider implements tern.ModelProvider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE, ParseResponse)
// to handle body building, streaming, and response parsing.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek, Mistral,
// Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider that implements
// the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
//
// model is the default; requests carrying their own Model override it.
// Provider-level options (via WithOptions) are applied to every request,
// then per-request temperature and max tokens on top.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// requestOpts returns the provider's base options with per-request
// parameters appended. Per-request values override provider defaults
// because options are applied in order (last wins).
func (p *Provider) requestOpts(req tern.ModelRequest) []Option {
	opts := make([]Option, len(p.opts), len(p.opts)+2)
	copy(opts, p.opts)
	if req.Temperature != nil {
		opts = append(opts, WithTemperature(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, WithMaxTokens(req.MaxTokens))
	}
	return opts
}

// resolveModel picks the request model when set, falling back to the
// provider default.
func (p *Provider) resolveModel(req tern.ModelRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req tern.ModelRequest) (tern.ModelResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.resolveModel(req), p.requestOpts(req)...)
	return p.doRequest(ctx, body)
}

// ChatStream streams text deltas into ch, then returns the final
// accumulated response. The channel is closed when streaming completes
// (via StreamSSE) or on error.
func (p *Provider) ChatStream(ctx context.Context, req tern.ModelRequest, ch chan<- string) (tern.ModelResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.resolveModel(req), p.requestOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return tern.ModelResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return tern.ModelResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (tern.ModelResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return tern.ModelResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tern.ModelResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return tern.ModelResponse{}, &tern.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &tern.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &tern.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &tern.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: tern.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ tern.ModelProvider = (*Provider)(nil)
