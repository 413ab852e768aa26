// Package config handles mcpgate configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcpgate/config.yaml, /etc/mcpgate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpgate", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpgate/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpgate configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Auth     AuthConfig     `yaml:"auth"`
	Backend  BackendConfig  `yaml:"backend"`
	Models   []ModelConfig  `yaml:"models"`
	Servers  []ServerConfig `yaml:"mcp_servers"`
	Sessions SessionConfig  `yaml:"sessions"`
	Agent    AgentConfig    `yaml:"agent"`
	Store    StoreConfig    `yaml:"store"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AuthConfig defines request authentication.
type AuthConfig struct {
	// Token is the static bearer token clients must present.
	// Empty disables authentication (development only).
	Token string `yaml:"token"`
}

// BackendConfig defines the upstream LLM endpoint.
// Any OpenAI-compatible chat completions endpoint works here.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// TimeoutSec bounds non-streaming calls. Streaming calls are
	// bounded by the request context instead. Default 120.
	TimeoutSec int `yaml:"timeout_sec"`
}

// ModelConfig describes a model advertised by the gateway.
type ModelConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
	Default       bool   `yaml:"default"`
}

// ServerConfig describes a globally configured MCP server. Users can
// layer their own servers on top via the API.
type ServerConfig struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description"`
	Transport   string            `yaml:"transport"` // stdio, http
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	URL         string            `yaml:"url"`
	Token       string            `yaml:"token"`
	Enabled     *bool             `yaml:"enabled"`
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	// IdleTimeoutSec evicts sessions with no activity and no live
	// streams after this many seconds. Default 3600.
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`
	// SweepIntervalSec is how often the eviction sweep runs. Default 300.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	// MaxHistory caps retained conversation turns per session.
	// 0 means unlimited.
	MaxHistory int `yaml:"max_history"`
}

// AgentConfig tunes the tool-use loop.
type AgentConfig struct {
	// MaxIterations caps generate/dispatch rounds per request. Default 10.
	MaxIterations int `yaml:"max_iterations"`
	// ToolParallelism bounds concurrent tool calls in one round. Default 4.
	ToolParallelism int `yaml:"tool_parallelism"`
	// ToolTimeoutSec bounds a single tool call. Default 60.
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// StoreConfig selects the user config store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // file, sqlite
	Path   string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Backend: BackendConfig{
			TimeoutSec: 120,
		},
		Sessions: SessionConfig{
			IdleTimeoutSec:   3600,
			SweepIntervalSec: 300,
		},
		Agent: AgentConfig{
			MaxIterations:   10,
			ToolParallelism: 4,
			ToolTimeoutSec:  60,
		},
		Store: StoreConfig{
			Driver: "file",
			Path:   "mcpgate-store.yaml",
		},
	}
}

// Timeout returns the backend call bound as a duration.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// IdleTimeout returns the session idle window as a duration.
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// SweepInterval returns the eviction sweep cadence as a duration.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// ToolTimeout returns the per-tool-call budget as a duration.
func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

// DefaultModel returns the configured default model id, or the first
// model when none is flagged, or empty when no models are configured.
func (c *Config) DefaultModel() string {
	for _, m := range c.Models {
		if m.Default {
			return m.ID
		}
	}
	if len(c.Models) > 0 {
		return c.Models[0].ID
	}
	return ""
}
