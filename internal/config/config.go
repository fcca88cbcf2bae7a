// Package config loads pivctl's YAML configuration: the admin key file,
// the default reader, and default slot/algorithm choices so day-to-day
// invocations don't have to repeat every flag. pivctl applies the reader
// and admin settings; the slots section is parsed and validated, but no
// pivctl subcommand reads it, so their -slot flags keep their built-in
// defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Reader RuntimeConfig `yaml:"reader"`
	Admin  AdminConfig   `yaml:"admin"`
	Slots  SlotsConfig   `yaml:"slots"`
}

type RuntimeConfig struct {
	Index *int   `yaml:"index"`
	Name  string `yaml:"name"`
}

type AdminConfig struct {
	KeyFile   string `yaml:"key_file"`
	Algorithm string `yaml:"algorithm"`
}

type SlotsConfig struct {
	Default        string `yaml:"default"`
	AttestationURL string `yaml:"attestation_url"`
}

// Load reads and validates the config at path. Missing optional fields
// are left zero-valued; callers fall back to flags or built-in defaults.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	return &cfg, nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Admin.KeyFile = resolvePath(configDir, c.Admin.KeyFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

// DefaultConfigPath returns the path of config.yaml in the directory of
// the running binary.
func DefaultConfigPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), "config.yaml"), nil
}
