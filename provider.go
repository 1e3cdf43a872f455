package tern

import "context"

// ModelProvider abstracts the LLM backend. Implementations live under
// provider/ and speak the vendor wire protocol directly.
type ModelProvider interface {
	// Chat sends a request and returns one complete assistant message.
	// Tool definitions travel inside the request.
	Chat(ctx context.Context, req ModelRequest) (ModelResponse, error)
	// ChatStream streams text deltas into ch, then returns the final
	// response with tool calls and usage. Implementations must close ch
	// before returning, on every path.
	ChatStream(ctx context.Context, req ModelRequest, ch chan<- string) (ModelResponse, error)
	// Name returns the provider family name (e.g. "anthropic", "openai").
	Name() string
}
