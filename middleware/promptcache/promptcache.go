// Package promptcache marks prompt-cache breakpoints on requests bound
// for Anthropic-family models: cache_control ephemeral on the first two
// system messages and the last two conversational messages, selected by
// stable index. Other providers pass through untouched.
package promptcache

import (
	"context"
	"strings"

	"github.com/ternhq/tern"
)

// Middleware attaches cache_control markers.
type Middleware struct{}

var _ tern.ModelInterceptor = (*Middleware)(nil)

// New builds the prompt-cache middleware.
func New() *Middleware { return &Middleware{} }

// WrapModelCall annotates breakpoint messages for Anthropic-family
// requests. The message slice is copied so markers never leak into the
// persisted conversation.
func (m *Middleware) WrapModelCall(ctx context.Context, req *tern.ModelRequest, next tern.ModelCallFunc) (*tern.ModelResponse, error) {
	if !anthropicFamily(req) {
		return next(ctx, req)
	}

	msgs := make([]tern.ChatMessage, len(req.Messages))
	copy(msgs, req.Messages)

	marked := 0
	for i := range msgs {
		if msgs[i].Role != "system" {
			continue
		}
		msgs[i].CacheControl = &tern.CacheControl{Type: "ephemeral"}
		if marked++; marked == 2 {
			break
		}
	}

	marked = 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "system" {
			continue
		}
		msgs[i].CacheControl = &tern.CacheControl{Type: "ephemeral"}
		if marked++; marked == 2 {
			break
		}
	}

	req.Messages = msgs
	return next(ctx, req)
}

// anthropicFamily reports whether the request targets an Anthropic model,
// by resolved provider first and model name as fallback.
func anthropicFamily(req *tern.ModelRequest) bool {
	if req.Provider == "anthropic" {
		return true
	}
	return strings.Contains(strings.ToLower(req.Model), "claude")
}
