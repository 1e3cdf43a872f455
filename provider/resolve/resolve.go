// Package resolve turns provider-agnostic configuration into concrete
// ModelProviders and expands virtual model names. Virtual names use the
// "tern:" prefix (tern:mini, tern:fast, tern:coding, ...) and resolve
// through an alias map to a provider/model pair, inheriting temperature
// and max_tokens the caller left unset.
package resolve

import (
	"fmt"
	"strings"

	"github.com/ternhq/tern"
	"github.com/ternhq/tern/provider/anthropic"
	"github.com/ternhq/tern/provider/openaicompat"
)

// VirtualPrefix marks model names that resolve through the alias map.
const VirtualPrefix = "tern:"

// Config holds provider-agnostic configuration for creating a chat
// ModelProvider.
type Config struct {
	Provider string // "anthropic", "openai", "gemini", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // required for unknown openai-compat hosts; auto-filled for known providers

	// Common cross-provider defaults (zero value = provider default).
	Temperature *float64
	MaxTokens   int
}

// Alias maps a virtual model name to a concrete provider/model pair with
// optional generation defaults to inherit.
type Alias struct {
	Provider    string   `toml:"provider" yaml:"provider" json:"provider"`
	Model       string   `toml:"model" yaml:"model" json:"model"`
	Temperature *float64 `toml:"temperature" yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens   int      `toml:"max_tokens" yaml:"max_tokens" json:"max_tokens,omitempty"`
}

// DefaultAliases returns the built-in virtual model table. Config files
// overlay entries on top of it; every tier named here is guaranteed to
// resolve out of the box.
func DefaultAliases() map[string]Alias {
	temp := func(v float64) *float64 { return &v }
	return map[string]Alias{
		"tern:mini":     {Provider: "openai", Model: "gpt-4o-mini"},
		"tern:medium":   {Provider: "anthropic", Model: "claude-sonnet-4-5"},
		"tern:large":    {Provider: "anthropic", Model: "claude-sonnet-4-5", MaxTokens: 16384},
		"tern:max":      {Provider: "anthropic", Model: "claude-opus-4", MaxTokens: 16384},
		"tern:fast":     {Provider: "anthropic", Model: "claude-haiku-3-5"},
		"tern:balanced": {Provider: "anthropic", Model: "claude-sonnet-4-5", Temperature: temp(0.7)},
		"tern:powerful": {Provider: "anthropic", Model: "claude-opus-4"},
		"tern:coding":   {Provider: "anthropic", Model: "claude-sonnet-4-5", Temperature: temp(0.2)},
		"tern:research": {Provider: "anthropic", Model: "claude-opus-4", MaxTokens: 16384},
		"tern:creative": {Provider: "openai", Model: "gpt-4o", Temperature: temp(1.0)},
	}
}

// ResolveModel expands a virtual model name against the alias table.
// The alias supplies provider and model; temperature and max_tokens are
// inherited only where cfg leaves them unset, so explicit configuration
// always wins. Non-virtual names pass through unchanged. aliases may be
// nil, in which case the built-in table is used.
func ResolveModel(cfg Config, aliases map[string]Alias) (Config, error) {
	if !strings.HasPrefix(cfg.Model, VirtualPrefix) {
		return cfg, nil
	}
	if aliases == nil {
		aliases = DefaultAliases()
	}
	alias, ok := aliases[cfg.Model]
	if !ok {
		return cfg, fmt.Errorf("resolve: unknown virtual model %q", cfg.Model)
	}
	if alias.Provider == "" || alias.Model == "" {
		return cfg, fmt.Errorf("resolve: alias %q missing provider or model", cfg.Model)
	}

	cfg.Provider = alias.Provider
	cfg.Model = alias.Model
	if cfg.Temperature == nil {
		cfg.Temperature = alias.Temperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = alias.MaxTokens
	}
	return cfg, nil
}

// Provider creates a tern.ModelProvider from a Config. Virtual model
// names must be expanded with ResolveModel first; Provider rejects them.
func Provider(cfg Config) (tern.ModelProvider, error) {
	if strings.HasPrefix(cfg.Model, VirtualPrefix) {
		return nil, fmt.Errorf("resolve: virtual model %q not resolved; call ResolveModel first", cfg.Model)
	}
	switch cfg.Provider {
	case "anthropic":
		return anthropicProvider(cfg), nil
	case "openai", "gemini", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func anthropicProvider(cfg Config) tern.ModelProvider {
	var opts []anthropic.Option
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxTokens > 0 {
		opts = append(opts, anthropic.WithMaxTokens(cfg.MaxTokens))
	}
	if cfg.Temperature != nil {
		opts = append(opts, anthropic.WithTemperature(*cfg.Temperature))
	}
	return anthropic.New(cfg.APIKey, cfg.Model, opts...)
}

func openaiCompatProvider(cfg Config) tern.ModelProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	provOpts := []openaicompat.ProviderOption{
		openaicompat.WithName(cfg.Provider),
	}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

// defaultBaseURL returns the chat completions base for known
// openai-compatible hosts. Gemini is served through Google's
// OpenAI-compatible endpoint.
func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
