package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// tierNames is the probe order within one tier directory.
var tierNames = []string{"config.toml", "config.yaml", "config.yml", "config.json"}

// Load merges defaults, the user tier (~/.tern), the project tier
// (.tern, or a bare tern.toml in the working directory), and env
// overrides. An explicit path, from a --config flag, replaces the tier
// probing entirely.
func Load(explicit string) (Config, error) {
	if explicit != "" {
		return LoadFiles(explicit)
	}
	var paths []string
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if p := findTierFile(filepath.Join(home, ".tern")); p != "" {
			paths = append(paths, p)
		}
	}
	if p := findTierFile(".tern"); p != "" {
		paths = append(paths, p)
	} else if fi, err := os.Stat("tern.toml"); err == nil && !fi.IsDir() {
		paths = append(paths, "tern.toml")
	}
	return LoadFiles(paths...)
}

// LoadFiles merges defaults with the given files in order, lowest
// priority first, then applies env overrides and ${VAR} expansion.
func LoadFiles(paths ...string) (Config, error) {
	cfg := Default()
	for _, p := range paths {
		if err := applyFile(&cfg, p); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	cfg.expandEnv()
	if cfg.Sandbox.Type == "" {
		cfg.Sandbox.Type = "host"
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findTierFile(dir string) string {
	for _, name := range tierNames {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

// applyFile decodes one tier over the accumulated config. Fields present
// in the document overwrite; absent fields keep their lower-tier values,
// which gives the deep merge. The sandbox, skills, and mcp blocks are
// zeroed first when the document defines them, so a higher tier replaces
// them wholesale instead of merging into the lower tier's block.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	keys, err := topKeys(path, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if keys["sandbox"] {
		cfg.Sandbox = SandboxConfig{}
	}
	if keys["skills"] {
		cfg.Skills = SkillsConfig{}
	}
	if keys["mcp"] {
		cfg.MCP = MCPConfig{}
	}
	if err := decode(path, data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func topKeys(path string, data []byte) (map[string]bool, error) {
	var m map[string]any
	if err := decode(path, data, &m); err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(m))
	for k := range m {
		keys[k] = true
	}
	return keys, nil
}

func decode(path string, data []byte, v any) error {
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		return toml.Unmarshal(data, v)
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	case ".json":
		return json.Unmarshal(data, v)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

// applyEnv overlays environment variables onto the merged config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TERN_API_KEY"); v != "" {
		cfg.Agent.APIKey = v
	}
	if v := os.Getenv("TERN_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("TERN_PROVIDER"); v != "" {
		cfg.Agent.ModelProvider = v
	}
	if v := os.Getenv("TERN_BASE_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("TERN_WORKSPACE"); v != "" {
		cfg.Agent.WorkspaceRoot = v
	}
	if v := os.Getenv("TERN_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("TERN_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TERN_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
		cfg.Store.Driver = "postgres"
	}
	if v := os.Getenv("TERN_SANDBOX"); v != "" {
		cfg.Sandbox.Type = v
	}
	if v := os.Getenv("TERN_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
}

// expand substitutes ${VAR} references with environment values. Bare
// $VAR stays untouched so dollar signs in prompts and commands survive.
func expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.Index(s[i:], "}")
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(os.Getenv(s[i+2 : i+j]))
		s = s[i+j+1:]
	}
}

func expandValue(v any) any {
	switch t := v.(type) {
	case string:
		return expand(t)
	case map[string]any:
		for k, e := range t {
			t[k] = expandValue(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = expandValue(e)
		}
		return t
	default:
		return v
	}
}

func (c *Config) expandEnv() {
	c.Agent.Model = expand(c.Agent.Model)
	c.Agent.APIKey = expand(c.Agent.APIKey)
	c.Agent.BaseURL = expand(c.Agent.BaseURL)
	c.Agent.WorkspaceRoot = expand(c.Agent.WorkspaceRoot)
	c.Agent.SystemPrompt = expand(c.Agent.SystemPrompt)
	c.Server.Listen = expand(c.Server.Listen)
	c.Store.Path = expand(c.Store.Path)
	c.Store.DSN = expand(c.Store.DSN)
	c.Sandbox.Image = expand(c.Sandbox.Image)
	c.Sandbox.Host = expand(c.Sandbox.Host)
	c.Sandbox.WorkDir = expand(c.Sandbox.WorkDir)
	for k, v := range c.Sandbox.Env {
		c.Sandbox.Env[k] = expand(v)
	}
	for i, d := range c.Skills.Dirs {
		c.Skills.Dirs[i] = expand(d)
	}
	for name, srv := range c.MCP.Servers {
		srv.Command = expand(srv.Command)
		for i, a := range srv.Args {
			srv.Args[i] = expand(a)
		}
		for k, v := range srv.Env {
			srv.Env[k] = expand(v)
		}
		c.MCP.Servers[name] = srv
	}
	for _, tc := range c.Tool {
		for _, s := range tc.Tools {
			if s.Options != nil {
				expandValue(s.Options)
			}
		}
	}
}

func (c Config) validate() error {
	switch c.Agent.QueueMode {
	case "steer", "followup", "collect", "steer_backlog", "interrupt":
	default:
		return fmt.Errorf("agent.queue_mode %q is not a recognized mode", c.Agent.QueueMode)
	}
	if c.Agent.ContextLimit <= 0 {
		return fmt.Errorf("agent.context_limit must be positive, got %d", c.Agent.ContextLimit)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver)
	}
	switch c.Sandbox.Type {
	case "host", "docker", "http":
	default:
		return fmt.Errorf("sandbox.type %q is not one of host, docker, http", c.Sandbox.Type)
	}
	if c.Sandbox.Type == "http" && c.Sandbox.Host == "" {
		return fmt.Errorf("sandbox.type http requires sandbox.host")
	}
	return nil
}
