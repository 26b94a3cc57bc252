package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"mixbridge/internal/mapping"
)

// Config holds the persisted bridge state: the mapping rule set, the MIDI
// devices to keep connected, and the preferred mixer address.
type Config struct {
	Rules            []mapping.Rule `json:"rules"`
	PreferredDevices []string       `json:"preferred_devices"`
	MixerAddress     string         `json:"mixer_address,omitempty"`
}

// configDir returns the platform-appropriate config directory
func configDir() (string, error) {
	configHome, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configHome, "mixbridge"), nil
}

// Path returns the full path to the config file
func Path() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from disk, returning defaults if not found. A
// config whose rule set fails validation is rejected as a whole; no partial
// rule set is ever returned.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads a config from an explicit path
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{
			Rules:            []mapping.Rule{},
			PreferredDevices: []string{},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i := range cfg.Rules {
		if err := cfg.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("reject %s: %w", path, err)
		}
	}

	// Ensure slices are not nil
	if cfg.Rules == nil {
		cfg.Rules = []mapping.Rule{}
	}
	if cfg.PreferredDevices == nil {
		cfg.PreferredDevices = []string{}
	}

	return &cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return c.SaveFile(path)
}

// SaveFile writes the config to an explicit path
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
