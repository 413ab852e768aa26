// Package store persists gateway configuration that outlives a
// process: the advertised model list and MCP server descriptors.
// Global entries come from the config file; per-user entries are added
// through the API and survive restarts via a file or SQLite backend.
package store

import (
	"context"

	"github.com/mcpgate/mcpgate/internal/config"
)

// ServerDescriptor describes how to reach one MCP server.
type ServerDescriptor struct {
	ID          string            `yaml:"id" json:"server_id"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Transport   string            `yaml:"transport" json:"transport"` // stdio, http
	Command     string            `yaml:"command" json:"command,omitempty"`
	Args        []string          `yaml:"args" json:"args,omitempty"`
	Env         map[string]string `yaml:"env" json:"env,omitempty"`
	URL         string            `yaml:"url" json:"url,omitempty"`
	Token       string            `yaml:"token" json:"-"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	// Global descriptors come from the config file and cannot be
	// removed through the API.
	Global bool `yaml:"-" json:"global"`
}

// Model is one model advertised by the gateway.
type Model struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name,omitempty"`
	Description   string `yaml:"description" json:"description,omitempty"`
	SupportsTools bool   `yaml:"supports_tools" json:"supports_tools"`
	ContextWindow int    `yaml:"context_window" json:"context_window,omitempty"`
	Default       bool   `yaml:"default" json:"default"`
}

// ConfigStore serves model and server descriptors. Reads merge the
// global set with the user's own; writes touch only the user's set.
type ConfigStore interface {
	ListModels(ctx context.Context) ([]Model, error)
	ListServers(ctx context.Context, userID string) ([]ServerDescriptor, error)
	GetServer(ctx context.Context, userID, serverID string) (ServerDescriptor, bool, error)
	AddServer(ctx context.Context, userID string, desc ServerDescriptor) error
	RemoveServer(ctx context.Context, userID, serverID string) (bool, error)
	Close() error
}

// FromConfig converts config file entries into store types.
func FromConfig(cfg *config.Config) ([]Model, []ServerDescriptor) {
	models := make([]Model, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		models = append(models, Model{
			ID:            m.ID,
			Name:          m.Name,
			Description:   m.Description,
			SupportsTools: m.SupportsTools,
			ContextWindow: m.ContextWindow,
			Default:       m.Default,
		})
	}

	servers := make([]ServerDescriptor, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		servers = append(servers, ServerDescriptor{
			ID:          s.ID,
			Description: s.Description,
			Transport:   s.Transport,
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			URL:         s.URL,
			Token:       s.Token,
			Enabled:     enabled,
			Global:      true,
		})
	}

	return models, servers
}
