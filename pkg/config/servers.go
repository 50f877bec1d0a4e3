package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ToolServersFile is the external tool-server table inside the config dir.
const ToolServersFile = "mcp.json"

// ServerConfig describes one external tool server: a long-lived subprocess
// spoken to over line-delimited JSON-RPC, or a single-shot HTTP JSON-RPC
// endpoint. Command selects the process form, URL the HTTP form.
type ServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	Priority int           `yaml:"priority"`
	Enabled  *bool         `yaml:"enabled"`
	Timeout  time.Duration `yaml:"timeout"`
}

// IsEnabled reports whether the server participates in registry builds.
// Absent means enabled.
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsProcess reports whether the server is the subprocess form.
func (s *ServerConfig) IsProcess() bool {
	return s.Command != ""
}

// ToolServers is the decoded mcp.json.
type ToolServers struct {
	MCPServers              map[string]ServerConfig `yaml:"mcpServers"`
	MaxFunctionDeclarations int                     `yaml:"maxFunctionDeclarations"`
	DisableAllTools         bool                    `yaml:"disableAllTools"`
}

// LoadToolServers reads <configDir>/mcp.json. A missing file yields an empty
// table (built-in tools only).
func LoadToolServers(configDir string) (*ToolServers, error) {
	path := filepath.Join(configDir, ToolServersFile)

	servers := &ToolServers{MCPServers: map[string]ServerConfig{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			servers.SetDefaults()
			return servers, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           servers,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(rawMap); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if servers.MCPServers == nil {
		servers.MCPServers = map[string]ServerConfig{}
	}
	servers.SetDefaults()

	if err := servers.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return servers, nil
}

// SetDefaults fills zero values with defaults.
func (t *ToolServers) SetDefaults() {
	if t.MaxFunctionDeclarations == 0 {
		t.MaxFunctionDeclarations = 64
	}
}

// Validate rejects servers that declare neither or both transports.
func (t *ToolServers) Validate() error {
	for id, server := range t.MCPServers {
		if id == "" {
			return fmt.Errorf("server with empty id")
		}
		if server.Command == "" && server.URL == "" {
			return fmt.Errorf("server %q needs a command or a url", id)
		}
		if server.Command != "" && server.URL != "" {
			return fmt.Errorf("server %q declares both a command and a url", id)
		}
	}
	return nil
}

// EnabledIDs returns enabled server ids ordered by descending priority, ties
// by name. Registry builds probe servers in this order so a higher-priority
// server wins a tool name collision.
func (t *ToolServers) EnabledIDs() []string {
	ids := make([]string, 0, len(t.MCPServers))
	for id, server := range t.MCPServers {
		if server.IsEnabled() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := t.MCPServers[ids[i]].Priority, t.MCPServers[ids[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
	return ids
}
