package resolve

import (
	"strings"
	"testing"
)

func TestDefaultBaseURL(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"openai", "https://api.openai.com/v1"},
		{"gemini", "https://generativelanguage.googleapis.com/v1beta/openai"},
		{"groq", "https://api.groq.com/openai/v1"},
		{"deepseek", "https://api.deepseek.com/v1"},
		{"together", "https://api.together.xyz/v1"},
		{"mistral", "https://api.mistral.ai/v1"},
		{"ollama", "http://localhost:11434/v1"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		if got := defaultBaseURL(tt.provider); got != tt.want {
			t.Errorf("defaultBaseURL(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestDefaultAliases_AllTiersPresent(t *testing.T) {
	tiers := []string{
		"mini", "medium", "large", "max", "fast",
		"balanced", "powerful", "coding", "research", "creative",
	}
	aliases := DefaultAliases()
	for _, tier := range tiers {
		name := VirtualPrefix + tier
		alias, ok := aliases[name]
		if !ok {
			t.Errorf("missing built-in alias for %q", name)
			continue
		}
		if alias.Provider == "" || alias.Model == "" {
			t.Errorf("alias %q incomplete: %+v", name, alias)
		}
	}
}

func TestResolveModel_Passthrough(t *testing.T) {
	cfg := Config{Provider: "anthropic", Model: "claude-sonnet-4-5"}

	out, err := ResolveModel(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != cfg {
		t.Errorf("non-virtual config changed: %+v", out)
	}
}

func TestResolveModel_VirtualName(t *testing.T) {
	out, err := ResolveModel(Config{Model: "tern:coding", APIKey: "k"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out.Provider != "anthropic" {
		t.Errorf("expected provider 'anthropic', got %q", out.Provider)
	}
	if strings.HasPrefix(out.Model, VirtualPrefix) {
		t.Errorf("model still virtual after resolve: %q", out.Model)
	}
	// tern:coding inherits a low temperature.
	if out.Temperature == nil || *out.Temperature != 0.2 {
		t.Errorf("expected inherited temperature 0.2, got %v", out.Temperature)
	}
	// Unrelated fields survive.
	if out.APIKey != "k" {
		t.Errorf("api key lost in resolution: %q", out.APIKey)
	}
}

func TestResolveModel_ExplicitConfigWins(t *testing.T) {
	temp := 0.9
	out, err := ResolveModel(Config{
		Model:       "tern:coding",
		Temperature: &temp,
		MaxTokens:   512,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *out.Temperature != 0.9 {
		t.Errorf("alias temperature overrode explicit value: %v", *out.Temperature)
	}
	if out.MaxTokens != 512 {
		t.Errorf("alias max_tokens overrode explicit value: %d", out.MaxTokens)
	}
}

func TestResolveModel_InheritsMaxTokens(t *testing.T) {
	out, err := ResolveModel(Config{Model: "tern:research"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.MaxTokens != 16384 {
		t.Errorf("expected inherited max_tokens 16384, got %d", out.MaxTokens)
	}
}

func TestResolveModel_UserAliasOverlay(t *testing.T) {
	aliases := DefaultAliases()
	aliases["tern:fast"] = Alias{Provider: "groq", Model: "llama-3.3-70b-versatile"}

	out, err := ResolveModel(Config{Model: "tern:fast"}, aliases)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Provider != "groq" {
		t.Errorf("expected overlaid provider 'groq', got %q", out.Provider)
	}
	if out.Model != "llama-3.3-70b-versatile" {
		t.Errorf("expected overlaid model, got %q", out.Model)
	}
}

func TestResolveModel_UnknownVirtual(t *testing.T) {
	_, err := ResolveModel(Config{Model: "tern:imaginary"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown virtual model")
	}
}

func TestProvider_Anthropic(t *testing.T) {
	p, err := Provider(Config{
		Provider: "anthropic",
		APIKey:   "test-key",
		Model:    "claude-sonnet-4-5",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want %q", p.Name(), "anthropic")
	}
}

func TestProvider_OpenAICompat(t *testing.T) {
	providers := []string{"openai", "gemini", "groq", "deepseek", "together", "mistral", "ollama"}
	for _, name := range providers {
		t.Run(name, func(t *testing.T) {
			p, err := Provider(Config{
				Provider: name,
				APIKey:   "test-key",
				Model:    "test-model",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p == nil {
				t.Fatal("provider is nil")
			}
			if p.Name() != name {
				t.Errorf("Name() = %q, want %q", p.Name(), name)
			}
		})
	}
}

func TestProvider_WithOptions(t *testing.T) {
	temp := 0.5
	p, err := Provider(Config{
		Provider:    "openai",
		APIKey:      "test-key",
		Model:       "gpt-4o",
		Temperature: &temp,
		MaxTokens:   1024,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
}

func TestProvider_RejectsUnresolvedVirtual(t *testing.T) {
	_, err := Provider(Config{
		Provider: "anthropic",
		APIKey:   "test-key",
		Model:    "tern:mini",
	})
	if err == nil {
		t.Fatal("expected error for unresolved virtual model")
	}
}

func TestProvider_UnknownProvider(t *testing.T) {
	_, err := Provider(Config{
		Provider: "unknown-llm",
		APIKey:   "test-key",
		Model:    "test-model",
	})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestProvider_EmptyProvider(t *testing.T) {
	_, err := Provider(Config{
		APIKey: "test-key",
		Model:  "test-model",
	})
	if err == nil {
		t.Fatal("expected error for empty provider")
	}
}

func TestResolveThenProvider(t *testing.T) {
	cfg, err := ResolveModel(Config{Model: "tern:balanced", APIKey: "k"}, nil)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}

	p, err := Provider(cfg)
	if err != nil {
		t.Fatalf("provider error: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want %q", p.Name(), "anthropic")
	}
}
