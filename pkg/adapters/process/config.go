package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig maps a provider reference to the command that runs it.
type ProviderConfig struct {
	Ref         string            `yaml:"ref" json:"ref" mapstructure:"ref"`
	Command     string            `yaml:"command" json:"command" mapstructure:"command"`
	Args        []string          `yaml:"args" json:"args" mapstructure:"args"`
	Environment map[string]string `yaml:"env" json:"env" mapstructure:"env"`
	Description string            `yaml:"description" json:"description" mapstructure:"description"`
}

// ConfigFile represents the structure of providers.yaml
type ConfigFile struct {
	Providers []ProviderConfig `yaml:"providers" json:"providers"`
}

// LoadProviders reads a configuration file (YAML or JSON) and returns the
// allow-list keyed by reference.
func LoadProviders(path string) (map[string]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file means no providers are allowed.
			return map[string]ProviderConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read providers config: %w", err)
	}

	var cfg ConfigFile
	ext := strings.ToLower(filepath.Ext(path))

	if ext == ".json" {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse providers.json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse providers.yaml: %w", err)
		}
	}

	out := make(map[string]ProviderConfig)
	for _, p := range cfg.Providers {
		if p.Ref == "" || p.Command == "" {
			continue
		}
		out[p.Ref] = p
	}
	return out, nil
}
