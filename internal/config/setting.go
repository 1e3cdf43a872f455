package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ToolSetting is a per-tool override that accepts two shapes in config
// files: a bare bool toggles the tool, and an object carries an optional
// "enabled" key plus tool-specific options. An object without "enabled"
// leaves the tool on.
type ToolSetting struct {
	Enabled bool
	Options map[string]any
}

func (s *ToolSetting) fromMap(m map[string]any) {
	s.Enabled = true
	s.Options = make(map[string]any, len(m))
	for k, v := range m {
		if k == "enabled" {
			if b, ok := v.(bool); ok {
				s.Enabled = b
			}
			continue
		}
		s.Options[k] = v
	}
	if len(s.Options) == 0 {
		s.Options = nil
	}
}

// UnmarshalTOML implements toml.Unmarshaler.
func (s *ToolSetting) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case bool:
		s.Enabled = t
		s.Options = nil
	case map[string]any:
		s.fromMap(t)
	default:
		return fmt.Errorf("tool setting must be a bool or a table, got %T", v)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ToolSetting) UnmarshalYAML(node *yaml.Node) error {
	var b bool
	if err := node.Decode(&b); err == nil {
		s.Enabled = b
		s.Options = nil
		return nil
	}
	var m map[string]any
	if err := node.Decode(&m); err != nil {
		return fmt.Errorf("tool setting must be a bool or a mapping: %w", err)
	}
	s.fromMap(m)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *ToolSetting) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		s.Enabled = b
		s.Options = nil
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("tool setting must be a bool or an object: %w", err)
	}
	s.fromMap(m)
	return nil
}
