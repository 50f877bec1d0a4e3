// Package config holds the proxy's runtime configuration and its persisted
// stores: scalar settings backed by environment variables (with an optional
// config.yaml overlay), the named API key store, the external tool-server
// table, and the prompt profile tables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Environment variables recognized at boot. UpstreamURL is the only
// required setting.
const (
	EnvUpstreamURL              = "UPSTREAM_URL"
	EnvUpstreamCACert           = "UPSTREAM_CA_CERT"
	EnvUpstreamTLSSkipVerify    = "UPSTREAM_TLS_SKIP_VERIFY"
	EnvServerHost               = "SERVER_HOST"
	EnvServerPort               = "SERVER_PORT"
	EnvAsyncMode                = "ASYNC_MODE"
	EnvSelectiveContextEnabled  = "SELECTIVE_CONTEXT_ENABLED"
	EnvContextMinRelevanceScore = "CONTEXT_MIN_RELEVANCE_SCORE"
	EnvContextAlwaysKeepRecent  = "CONTEXT_ALWAYS_KEEP_RECENT"
	EnvMinContextCachingTokens  = "MIN_CONTEXT_CACHING_TOKENS"
	EnvMaxCodeInjectionSizeKB   = "MAX_CODE_INJECTION_SIZE_KB"
	EnvAllowedCodePaths         = "ALLOWED_CODE_PATHS"
	EnvVerboseLogging           = "VERBOSE_LOGGING"
	EnvDebugClientLogging       = "DEBUG_CLIENT_LOGGING"
)

// Config is the typed record of general settings.
type Config struct {
	UpstreamURL string `yaml:"upstream_url"`
	ServerHost  string `yaml:"server_host"`
	ServerPort  int    `yaml:"server_port"`

	// UpstreamCACert points at a PEM CA bundle for upstreams behind a
	// private CA; UpstreamTLSSkipVerify disables verification outright
	// (dev/test only).
	UpstreamCACert        string `yaml:"upstream_ca_cert"`
	UpstreamTLSSkipVerify bool   `yaml:"upstream_tls_skip_verify"`

	// AsyncMode allows concurrent tool dispatch within a request. When
	// false every tool batch runs sequentially.
	AsyncMode bool `yaml:"async_mode"`

	SelectiveContextEnabled  bool    `yaml:"selective_context_enabled"`
	ContextMinRelevanceScore float64 `yaml:"context_min_relevance_score"`
	ContextAlwaysKeepRecent  int     `yaml:"context_always_keep_recent"`
	MinContextCachingTokens  int     `yaml:"min_context_caching_tokens"`

	MaxCodeInjectionSizeKB int      `yaml:"max_code_injection_size_kb"`
	AllowedCodePaths       []string `yaml:"allowed_code_paths"`

	VerboseLogging     bool `yaml:"verbose_logging"`
	DebugClientLogging bool `yaml:"debug_client_logging"`

	// Operational knobs without environment variables.
	MaxToolIterations  int           `yaml:"max_tool_iterations"`
	RateLimitRequests  int           `yaml:"rate_limit_requests"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	ToolCallTimeout    time.Duration `yaml:"tool_call_timeout"`
	ToolCacheTTL       time.Duration `yaml:"tool_cache_ttl"`
	ToolCacheSize      int           `yaml:"tool_cache_size"`
	ContextCacheTTL    time.Duration `yaml:"context_cache_ttl"`
	UpstreamMaxRetries int           `yaml:"upstream_max_retries"`

	// ConfigDir is where the persisted JSON stores live. Set by the CLI,
	// not by file or environment.
	ConfigDir string `yaml:"-"`
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	if c.ServerHost == "" {
		c.ServerHost = "127.0.0.1"
	}
	if c.ServerPort == 0 {
		c.ServerPort = 8000
	}
	if c.ContextMinRelevanceScore == 0 {
		c.ContextMinRelevanceScore = 0.3
	}
	if c.ContextAlwaysKeepRecent == 0 {
		c.ContextAlwaysKeepRecent = 4
	}
	if c.MinContextCachingTokens == 0 {
		c.MinContextCachingTokens = 2048
	}
	if c.MaxCodeInjectionSizeKB == 0 {
		c.MaxCodeInjectionSizeKB = 256
	}
	if c.MaxToolIterations == 0 {
		c.MaxToolIterations = 16
	}
	if c.RateLimitRequests == 0 {
		c.RateLimitRequests = 30
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = 60 * time.Second
	}
	if c.ToolCallTimeout == 0 {
		c.ToolCallTimeout = 120 * time.Second
	}
	if c.ToolCacheTTL == 0 {
		c.ToolCacheTTL = 5 * time.Minute
	}
	if c.ToolCacheSize == 0 {
		c.ToolCacheSize = 100
	}
	if c.ContextCacheTTL == 0 {
		c.ContextCacheTTL = time.Hour
	}
	if c.UpstreamMaxRetries == 0 {
		c.UpstreamMaxRetries = 5
	}
	if c.ConfigDir == "" {
		c.ConfigDir = "config"
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("%s is required", EnvUpstreamURL)
	}
	if !strings.HasPrefix(c.UpstreamURL, "http://") && !strings.HasPrefix(c.UpstreamURL, "https://") {
		return fmt.Errorf("upstream URL %q must be http(s)", c.UpstreamURL)
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server port %d out of range", c.ServerPort)
	}
	if c.UpstreamMaxRetries > 5 {
		return fmt.Errorf("upstream_max_retries %d exceeds the maximum of 5", c.UpstreamMaxRetries)
	}
	if c.MaxToolIterations < 1 {
		return fmt.Errorf("max_tool_iterations must be positive")
	}
	return nil
}

// Address returns the host:port the server binds to.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// AllowedRoots returns the cleaned absolute allow-list for project roots.
// An empty list means no restriction.
func (c *Config) AllowedRoots() []string {
	out := make([]string, 0, len(c.AllowedCodePaths))
	for _, p := range c.AllowedCodePaths {
		if abs, err := filepath.Abs(p); err == nil {
			out = append(out, abs)
		}
	}
	return out
}

// Load builds the configuration for the given config dir: the optional
// config.yaml overlay first, then environment variable overrides, then
// defaults and validation.
func Load(configDir string) (*Config, error) {
	// Flags that default to on must be seeded before the overlay so an
	// absent key keeps the default and an explicit false wins.
	cfg := &Config{
		AsyncMode:               true,
		SelectiveContextEnabled: true,
	}

	yamlPath := filepath.Join(configDir, "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		rawMap, err := parseBytes(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", yamlPath, err)
		}
		if err := decodeConfig(expandEnvVars(rawMap), cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", yamlPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", yamlPath, err)
	}

	cfg.applyEnv()
	cfg.ConfigDir = configDir
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file-sourced values with recognized environment
// variables. Unset variables leave the current value alone.
func (c *Config) applyEnv() {
	c.UpstreamURL = envString(EnvUpstreamURL, c.UpstreamURL)
	c.UpstreamCACert = envString(EnvUpstreamCACert, c.UpstreamCACert)
	c.UpstreamTLSSkipVerify = envBool(EnvUpstreamTLSSkipVerify, c.UpstreamTLSSkipVerify)
	c.ServerHost = envString(EnvServerHost, c.ServerHost)
	c.ServerPort = envInt(EnvServerPort, c.ServerPort)
	c.AsyncMode = envBool(EnvAsyncMode, c.AsyncMode)
	c.SelectiveContextEnabled = envBool(EnvSelectiveContextEnabled, c.SelectiveContextEnabled)
	c.ContextMinRelevanceScore = envFloat(EnvContextMinRelevanceScore, c.ContextMinRelevanceScore)
	c.ContextAlwaysKeepRecent = envInt(EnvContextAlwaysKeepRecent, c.ContextAlwaysKeepRecent)
	c.MinContextCachingTokens = envInt(EnvMinContextCachingTokens, c.MinContextCachingTokens)
	c.MaxCodeInjectionSizeKB = envInt(EnvMaxCodeInjectionSizeKB, c.MaxCodeInjectionSizeKB)
	c.AllowedCodePaths = envStringSlice(EnvAllowedCodePaths, c.AllowedCodePaths)
	c.VerboseLogging = envBool(EnvVerboseLogging, c.VerboseLogging)
	c.DebugClientLogging = envBool(EnvDebugClientLogging, c.DebugClientLogging)
}

// PersistEnv writes the scalar settings back to the given .env file so an
// edited setting survives restart. Existing unrelated entries are kept.
func (c *Config) PersistEnv(path string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		env = map[string]string{}
	}

	env[EnvUpstreamURL] = c.UpstreamURL
	env[EnvUpstreamCACert] = c.UpstreamCACert
	env[EnvUpstreamTLSSkipVerify] = strconv.FormatBool(c.UpstreamTLSSkipVerify)
	env[EnvServerHost] = c.ServerHost
	env[EnvServerPort] = strconv.Itoa(c.ServerPort)
	env[EnvAsyncMode] = strconv.FormatBool(c.AsyncMode)
	env[EnvSelectiveContextEnabled] = strconv.FormatBool(c.SelectiveContextEnabled)
	env[EnvContextMinRelevanceScore] = strconv.FormatFloat(c.ContextMinRelevanceScore, 'f', -1, 64)
	env[EnvContextAlwaysKeepRecent] = strconv.Itoa(c.ContextAlwaysKeepRecent)
	env[EnvMinContextCachingTokens] = strconv.Itoa(c.MinContextCachingTokens)
	env[EnvMaxCodeInjectionSizeKB] = strconv.Itoa(c.MaxCodeInjectionSizeKB)
	env[EnvAllowedCodePaths] = strings.Join(c.AllowedCodePaths, ",")
	env[EnvVerboseLogging] = strconv.FormatBool(c.VerboseLogging)
	env[EnvDebugClientLogging] = strconv.FormatBool(c.DebugClientLogging)

	return godotenv.Write(env, path)
}

// parseBytes parses raw bytes into a map.
// Supports YAML (primary) and JSON (fallback).
func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any

	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse as YAML or JSON: %w", err)
	}

	return result, nil
}

// decodeConfig decodes a map into a Config struct using mapstructure.
func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}

// expandEnvVars recursively expands ${VAR} and $VAR patterns in a map.
func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		expanded := expandEnvString(val)
		if expanded != val {
			return parseValue(expanded)
		}
		return expanded
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]

			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}

			return os.Getenv(inner)
		}

		return os.Getenv(match[1:])
	})
}
