// Package config holds the povctl configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the default config file name in the user's home directory.
const FileName = ".povctl.yaml"

// Config is the root configuration for povctl.
type Config struct {
	Version int    `yaml:"version"`
	Server  string `yaml:"server"`          // board API base URL
	Token   string `yaml:"token,omitempty"` // bearer token sent with every request
	// TokenSecret signs local HS256 tokens with `povctl token`.
	TokenSecret string `yaml:"token_secret,omitempty"`
	TimeoutSec  int    `yaml:"timeout_sec,omitempty"` // 0 = default 30
	Debug       bool   `yaml:"debug,omitempty"`
	Notify      Notify `yaml:"notify,omitempty"`
}

// Notify optionally forwards move failures to a redis channel in addition
// to the terminal.
type Notify struct {
	RedisURL string `yaml:"redis_url,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// Timeout returns the effective request timeout.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutSec > 0 {
		return time.Duration(c.TimeoutSec) * time.Second
	}
	return 30 * time.Second
}

// DefaultPath returns ~/.povctl.yaml, or FileName when the home directory
// cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return FileName
	}
	return filepath.Join(home, FileName)
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config to the given path. The file may hold a token, so
// it is only readable by the owner.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// DefaultConfig returns a starter config pointing at a local server.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Server:  "http://localhost:8080",
	}
}

// Validate checks the fields povctl needs to reach a server.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	u, err := url.Parse(c.Server)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server must be an http(s) URL, got %q", c.Server)
	}
	if c.TimeoutSec < 0 {
		return fmt.Errorf("timeout_sec must not be negative")
	}
	if c.Notify.RedisURL != "" && c.Notify.Channel == "" {
		return fmt.Errorf("notify: channel is required with redis_url")
	}
	return nil
}
