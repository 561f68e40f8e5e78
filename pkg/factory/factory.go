package factory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigLoader loads and validates the AF's 5gmsafcfg.yaml.
type ConfigLoader interface {
	Load(path string) (*Config, error)
}

// YAMLConfigLoader reads 5gmsafcfg.yaml from disk, fills in the AF's
// defaults (endpoint bindings, certmgr, data-collection paths, BSF/PCF
// timings) and rejects a config that fails validateConfig.
type YAMLConfigLoader struct{}

// Load reads YAML from the given path, applies defaults, and validates.
func (l *YAMLConfigLoader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
