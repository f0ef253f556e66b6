// Package config loads the daemon configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BackendConfig configures one agent backend.
type BackendConfig struct {
	// Command is the CLI binary to launch. Empty uses the default.
	Command string `yaml:"command"`
	// Model is the default model for new sessions.
	Model string `yaml:"model"`
}

// Config is the daemon configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// DBPath is the session database location.
	DBPath string `yaml:"db_path"`
	// DefaultBackend is used when a request does not name one.
	DefaultBackend string `yaml:"default_backend"`
	// TranscriptDir is the root of the claude CLI's on-disk session logs.
	TranscriptDir string `yaml:"transcript_dir"`

	Claude BackendConfig `yaml:"claude"`
	Codex  BackendConfig `yaml:"codex"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Addr:           "localhost:8787",
		DBPath:         filepath.Join(home, ".agentdeck", "sessions.db"),
		DefaultBackend: "claude",
		TranscriptDir:  filepath.Join(home, ".claude", "projects"),
	}
}

// Load reads the configuration at path, filling unset fields with defaults.
// A missing file yields the defaults, not an error.
func Load(path string) (*Config, error) {
	c := Defaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if c.Addr == "" || c.DBPath == "" || c.DefaultBackend == "" {
		d := Defaults()
		if c.Addr == "" {
			c.Addr = d.Addr
		}
		if c.DBPath == "" {
			c.DBPath = d.DBPath
		}
		if c.DefaultBackend == "" {
			c.DefaultBackend = d.DefaultBackend
		}
		if c.TranscriptDir == "" {
			c.TranscriptDir = d.TranscriptDir
		}
	}
	return c, nil
}
