package anthropic

import "net/http"

// Option configures an Anthropic provider.
type Option func(*Anthropic)

// WithBaseURL overrides the API base URL (default https://api.anthropic.com).
// Useful for proxies and compatible gateways.
func WithBaseURL(u string) Option {
	return func(a *Anthropic) { a.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Anthropic) { a.client = c }
}

// WithMaxTokens sets the default output token cap (default 8192).
// The Messages API requires max_tokens on every request; requests carrying
// their own MaxTokens override this default.
func WithMaxTokens(n int) Option {
	return func(a *Anthropic) { a.maxTokens = n }
}

// WithTemperature sets a default sampling temperature, applied when the
// request does not carry one.
func WithTemperature(t float64) Option {
	return func(a *Anthropic) { a.temperature = &t }
}
