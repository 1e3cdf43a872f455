// Package config loads tern's layered configuration. Values merge
// across three tiers: built-in defaults, the user file under ~/.tern,
// then the project-local .tern directory, with environment overrides
// applied last. Agent options merge deep across tiers; the sandbox,
// skills, and mcp blocks are taken wholesale from the highest tier
// that defines them.
package config

import (
	"os"
	"path/filepath"

	"github.com/ternhq/tern/provider/resolve"
)

// Config is the merged view of every tier.
type Config struct {
	Agent    AgentConfig              `toml:"agent" yaml:"agent" json:"agent"`
	Server   ServerConfig             `toml:"server" yaml:"server" json:"server"`
	Store    StoreConfig              `toml:"store" yaml:"store" json:"store"`
	Sandbox  SandboxConfig            `toml:"sandbox" yaml:"sandbox" json:"sandbox"`
	Skills   SkillsConfig             `toml:"skills" yaml:"skills" json:"skills"`
	Tool     map[string]ToolCategory  `toml:"tool" yaml:"tool" json:"tool"`
	MCP      MCPConfig                `toml:"mcp" yaml:"mcp" json:"mcp"`
	Models   map[string]resolve.Alias `toml:"models" yaml:"models" json:"models"`
	Observer ObserverConfig           `toml:"observer" yaml:"observer" json:"observer"`
}

// AgentConfig selects the model and the per-thread run policy.
type AgentConfig struct {
	Model         string   `toml:"model" yaml:"model" json:"model"`
	ModelProvider string   `toml:"model_provider" yaml:"model_provider" json:"model_provider"`
	APIKey        string   `toml:"api_key" yaml:"api_key" json:"api_key"`
	BaseURL       string   `toml:"base_url" yaml:"base_url" json:"base_url"`
	Temperature   *float64 `toml:"temperature" yaml:"temperature" json:"temperature"`
	MaxTokens     int      `toml:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	WorkspaceRoot string   `toml:"workspace_root" yaml:"workspace_root" json:"workspace_root"`
	// ContextLimit is the token budget that triggers compaction.
	ContextLimit int    `toml:"context_limit" yaml:"context_limit" json:"context_limit"`
	QueueMode    string `toml:"queue_mode" yaml:"queue_mode" json:"queue_mode"`
	SystemPrompt string `toml:"system_prompt" yaml:"system_prompt" json:"system_prompt"`
	// MaxIterations caps model calls per run. Zero uses the engine default.
	MaxIterations int          `toml:"max_iterations" yaml:"max_iterations" json:"max_iterations"`
	ParallelTools int          `toml:"parallel_tools" yaml:"parallel_tools" json:"parallel_tools"`
	Memory        MemoryConfig `toml:"memory" yaml:"memory" json:"memory"`
}

// Resolve maps the agent block onto a provider resolution request.
func (a AgentConfig) Resolve() resolve.Config {
	return resolve.Config{
		Provider:    a.ModelProvider,
		Model:       a.Model,
		APIKey:      a.APIKey,
		BaseURL:     a.BaseURL,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	}
}

// MemoryConfig bundles the conversation memory policy.
type MemoryConfig struct {
	Pruning    PruningConfig    `toml:"pruning" yaml:"pruning" json:"pruning"`
	Compaction CompactionConfig `toml:"compaction" yaml:"compaction" json:"compaction"`
}

// PruningConfig controls structural truncation of old tool results.
type PruningConfig struct {
	ProtectRecent      int  `toml:"protect_recent" yaml:"protect_recent" json:"protect_recent"`
	SoftTrimChars      int  `toml:"soft_trim_chars" yaml:"soft_trim_chars" json:"soft_trim_chars"`
	HardClearThreshold int  `toml:"hard_clear_threshold" yaml:"hard_clear_threshold" json:"hard_clear_threshold"`
	Disabled           bool `toml:"disabled" yaml:"disabled" json:"disabled"`
}

// CompactionConfig controls LLM summarization of the conversation head.
// The token budget itself lives on the agent block as context_limit.
type CompactionConfig struct {
	ReserveTokens    int    `toml:"reserve_tokens" yaml:"reserve_tokens" json:"reserve_tokens"`
	KeepRecentTokens int    `toml:"keep_recent_tokens" yaml:"keep_recent_tokens" json:"keep_recent_tokens"`
	SummaryModel     string `toml:"summary_model" yaml:"summary_model" json:"summary_model"`
	Disabled         bool   `toml:"disabled" yaml:"disabled" json:"disabled"`
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Listen string `toml:"listen" yaml:"listen" json:"listen"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	// Driver is "sqlite", "postgres", or "memory".
	Driver string `toml:"driver" yaml:"driver" json:"driver"`
	Path   string `toml:"path" yaml:"path" json:"path"`
	DSN    string `toml:"dsn" yaml:"dsn" json:"dsn"`
}

// SandboxConfig selects the execution backend for terminals. This block
// is first-found: the highest tier that defines it wins wholesale.
type SandboxConfig struct {
	// Type is "host", "docker", or "http".
	Type string `toml:"type" yaml:"type" json:"type"`
	// Image is the container image for the docker backend.
	Image string `toml:"image" yaml:"image" json:"image"`
	// Host is the sandboxd base URL for the http backend.
	Host    string            `toml:"host" yaml:"host" json:"host"`
	WorkDir string            `toml:"work_dir" yaml:"work_dir" json:"work_dir"`
	Env     map[string]string `toml:"env" yaml:"env" json:"env"`
	// Session policy bounds. Zero values use the manager defaults.
	IdleTimeoutSeconds int64 `toml:"idle_timeout_seconds" yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	MaxDurationSeconds int64 `toml:"max_duration_seconds" yaml:"max_duration_seconds" json:"max_duration_seconds"`
}

// SkillsConfig lists directories scanned for <dir>/<name>/SKILL.md.
// First-found across tiers.
type SkillsConfig struct {
	Dirs []string `toml:"dirs" yaml:"dirs" json:"dirs"`
}

// ToolCategory gates one tool family and its individual tools.
type ToolCategory struct {
	// Enabled nil means the category keeps its default (on).
	Enabled *bool                  `toml:"enabled" yaml:"enabled" json:"enabled"`
	Tools   map[string]ToolSetting `toml:"tools" yaml:"tools" json:"tools"`
}

// MCPConfig declares external MCP servers. First-found across tiers.
type MCPConfig struct {
	Servers map[string]MCPServer `toml:"servers" yaml:"servers" json:"servers"`
}

// MCPServer describes one server subprocess to spawn on demand.
type MCPServer struct {
	Command string            `toml:"command" yaml:"command" json:"command"`
	Args    []string          `toml:"args" yaml:"args" json:"args"`
	Env     map[string]string `toml:"env" yaml:"env" json:"env"`
	// IdleSeconds stops the child after inactivity; zero keeps it alive.
	IdleSeconds int `toml:"idle_seconds" yaml:"idle_seconds" json:"idle_seconds"`
}

// ObserverConfig controls telemetry export and cost accounting.
type ObserverConfig struct {
	Enabled    bool `toml:"enabled" yaml:"enabled" json:"enabled"`
	Prometheus bool `toml:"prometheus" yaml:"prometheus" json:"prometheus"`
	// Pricing overrides or extends the built-in per-model price table.
	Pricing map[string]PricingConfig `toml:"pricing" yaml:"pricing" json:"pricing"`
}

// PricingConfig is per-million-token USD pricing for one model.
type PricingConfig struct {
	Input      float64 `toml:"input" yaml:"input" json:"input"`
	Output     float64 `toml:"output" yaml:"output" json:"output"`
	CacheRead  float64 `toml:"cache_read" yaml:"cache_read" json:"cache_read"`
	CacheWrite float64 `toml:"cache_write" yaml:"cache_write" json:"cache_write"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Agent: AgentConfig{
			Model:         "tern:medium",
			ContextLimit:  100000,
			QueueMode:     "steer",
			WorkspaceRoot: filepath.Join(home, "tern-workspace"),
		},
		Server:  ServerConfig{Listen: "127.0.0.1:8420"},
		Store:   StoreConfig{Driver: "sqlite", Path: "tern.db"},
		Sandbox: SandboxConfig{Type: "host"},
		Skills:  SkillsConfig{Dirs: []string{filepath.Join(home, ".tern", "skills")}},
	}
}

// CategoryEnabled reports whether a tool category is switched on.
// Unconfigured categories default to enabled.
func (c Config) CategoryEnabled(category string) bool {
	if tc, ok := c.Tool[category]; ok && tc.Enabled != nil {
		return *tc.Enabled
	}
	return true
}

// ToolEnabled reports whether one tool is switched on, honoring the
// category gate first.
func (c Config) ToolEnabled(category, name string) bool {
	if !c.CategoryEnabled(category) {
		return false
	}
	tc, ok := c.Tool[category]
	if !ok {
		return true
	}
	if s, ok := tc.Tools[name]; ok {
		return s.Enabled
	}
	return true
}

// ToolOptions returns the per-tool option object, or nil when the tool
// was configured as a bare bool or not at all.
func (c Config) ToolOptions(category, name string) map[string]any {
	tc, ok := c.Tool[category]
	if !ok {
		return nil
	}
	s, ok := tc.Tools[name]
	if !ok {
		return nil
	}
	return s.Options
}
