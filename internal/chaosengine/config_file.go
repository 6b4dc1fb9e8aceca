package chaosengine

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/neilt93/mcp-chaos/internal/domain"
)

// LoadConfigFile decodes a chaos config authored as YAML on disk and
// re-marshals it to the JSON representation the HTTP API and the Journal
// Store both expect (SPEC_FULL.md §3.2).
func LoadConfigFile(path string) (Config, json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfigInvalid, path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigInvalid, path, err)
	}
	asJSON, err := json.Marshal(cfg)
	if err != nil {
		return Config{}, nil, fmt.Errorf("%w: remarshal %s: %v", domain.ErrConfigInvalid, path, err)
	}
	return cfg, asJSON, nil
}

// DecodeConfig parses a chaos config blob already held as JSON (the shape
// stored on an Agent or Run).
func DecodeConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return cfg, nil
}
