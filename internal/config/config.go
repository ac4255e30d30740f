// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the server configuration from YAML
// with PARLEY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	parleyerrors "github.com/tombee/parley/pkg/errors"
	"github.com/tombee/parley/pkg/llm"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`

	// DefaultProvider selects which configured provider handles chat.
	// Environment: PARLEY_DEFAULT_PROVIDER
	DefaultProvider string `yaml:"default_provider"`

	// Providers maps provider names to their settings.
	Providers map[string]ProviderConfig `yaml:"providers"`

	Chat       ChatConfig       `yaml:"chat"`
	Tools      ToolsConfig      `yaml:"tools"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	MCP        MCPConfig        `yaml:"mcp"`
	Store      StoreConfig      `yaml:"store"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the address to bind (e.g., ":8080").
	// Environment: PARLEY_LISTEN
	// Default: :8080
	Listen string `yaml:"listen"`

	// ShutdownTimeout is the maximum duration to wait for graceful
	// shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: PARLEY_LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: PARLEY_LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	// Type selects the adapter (anthropic, openai, gemini, local).
	// Defaults to the map key.
	Type string `yaml:"type,omitempty"`

	// Model is the provider-native model identifier.
	Model string `yaml:"model,omitempty"`

	// APIKey authenticates with the provider.
	// Environment: PARLEY_<NAME>_API_KEY
	APIKey string `yaml:"api_key,omitempty"`

	// Endpoint overrides the provider's default base URL.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Temperature controls randomness.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// TopP is the nucleus sampling parameter.
	TopP *float64 `yaml:"top_p,omitempty"`

	// MaxTokens limits the response length.
	MaxTokens *int `yaml:"max_tokens,omitempty"`
}

// LLM converts the provider settings to the adapter config.
func (p ProviderConfig) LLM() llm.Config {
	return llm.Config{
		Model:       p.Model,
		APIKey:      p.APIKey,
		Endpoint:    p.Endpoint,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
	}
}

// ChatConfig configures conversation behavior.
type ChatConfig struct {
	// WindowSize is how many recent messages load into model context.
	// Default: 10
	WindowSize int `yaml:"window_size"`

	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// SessionTimeoutDays is how long an idle session lives before the
	// sweep archives it.
	// Default: 30
	SessionTimeoutDays int `yaml:"session_timeout_days"`
}

// ToolsConfig configures tool calling.
type ToolsConfig struct {
	// Enabled gates tool calling globally.
	// Environment: PARLEY_TOOLS_ENABLED
	Enabled bool `yaml:"enabled"`

	// CacheTTL is how long discovered tool lists stay cached.
	// Default: 5m
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// ResultTTL is how long successful tool results stay cached.
	// Default: 5m
	ResultTTL time.Duration `yaml:"result_ttl"`

	// MaxRetries is how many times a failed tool call is retried on
	// transport errors.
	// Default: 2
	MaxRetries int `yaml:"max_retries"`
}

// RateLimitsConfig holds per-user thresholds. Zero disables a limit.
// These reload live on config file changes.
type RateLimitsConfig struct {
	// MessagesPerHour caps messages per user per hour.
	// Environment: PARLEY_MESSAGES_PER_HOUR
	MessagesPerHour int `yaml:"messages_per_hour"`

	// TokensPerDay caps tokens per user per day.
	// Environment: PARLEY_TOKENS_PER_DAY
	TokensPerDay int `yaml:"tokens_per_day"`

	// MaxConcurrent caps in-flight requests per user.
	// Environment: PARLEY_MAX_CONCURRENT
	MaxConcurrent int `yaml:"max_concurrent"`
}

// MCPConfig configures the remote tool server connection.
type MCPConfig struct {
	// ServerURL is the JSON-RPC endpoint.
	// Environment: PARLEY_MCP_SERVER_URL
	ServerURL string `yaml:"server_url,omitempty"`

	// TokenURL is the OAuth token endpoint for refresh grants.
	// Environment: PARLEY_MCP_TOKEN_URL
	TokenURL string `yaml:"token_url,omitempty"`

	// ClientID identifies this client to the token endpoint.
	// Environment: PARLEY_MCP_CLIENT_ID
	ClientID string `yaml:"client_id,omitempty"`

	// ClientSecret authenticates this client to the token endpoint.
	// Environment: PARLEY_MCP_CLIENT_SECRET
	ClientSecret string `yaml:"client_secret,omitempty"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	// Environment: PARLEY_STORE_BACKEND
	// Default: memory
	Backend string `yaml:"backend"`

	// Path is the sqlite database path. Required for the sqlite backend.
	// Environment: PARLEY_STORE_PATH
	Path string `yaml:"path,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DefaultProvider: "anthropic",
		Chat: ChatConfig{
			WindowSize:         10,
			SessionTimeoutDays: 30,
		},
		Tools: ToolsConfig{
			Enabled:    false,
			CacheTTL:   5 * time.Minute,
			ResultTTL:  5 * time.Minute,
			MaxRetries: 2,
		},
		RateLimits: RateLimitsConfig{
			MessagesPerHour: 60,
			TokensPerDay:    500000,
			MaxConcurrent:   3,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
	}
}

// Load loads configuration from a YAML file and the environment.
// Environment variables take precedence over file values. An empty path
// uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &parleyerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &parleyerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values so minimal configs work without
// specifying everything.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = defaults.Server.Listen
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Chat.WindowSize == 0 {
		c.Chat.WindowSize = defaults.Chat.WindowSize
	}
	if c.Chat.SessionTimeoutDays == 0 {
		c.Chat.SessionTimeoutDays = defaults.Chat.SessionTimeoutDays
	}
	if c.Tools.CacheTTL == 0 {
		c.Tools.CacheTTL = defaults.Tools.CacheTTL
	}
	if c.Tools.ResultTTL == 0 {
		c.Tools.ResultTTL = defaults.Tools.ResultTTL
	}
	if c.Tools.MaxRetries == 0 {
		c.Tools.MaxRetries = defaults.Tools.MaxRetries
	}
	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}

	// The provider type defaults to the map key.
	for name, provider := range c.Providers {
		if provider.Type == "" {
			provider.Type = name
			c.Providers[name] = provider
		}
	}
}

// loadFromEnv applies PARLEY_* environment overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("PARLEY_LISTEN"); val != "" {
		c.Server.Listen = val
	}
	if val := os.Getenv("PARLEY_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("PARLEY_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("PARLEY_DEFAULT_PROVIDER"); val != "" {
		c.DefaultProvider = strings.ToLower(val)
	}

	if val := os.Getenv("PARLEY_TOOLS_ENABLED"); val != "" {
		c.Tools.Enabled = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("PARLEY_MESSAGES_PER_HOUR"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.RateLimits.MessagesPerHour = n
		}
	}
	if val := os.Getenv("PARLEY_TOKENS_PER_DAY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.RateLimits.TokensPerDay = n
		}
	}
	if val := os.Getenv("PARLEY_MAX_CONCURRENT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.RateLimits.MaxConcurrent = n
		}
	}

	if val := os.Getenv("PARLEY_MCP_SERVER_URL"); val != "" {
		c.MCP.ServerURL = val
	}
	if val := os.Getenv("PARLEY_MCP_TOKEN_URL"); val != "" {
		c.MCP.TokenURL = val
	}
	if val := os.Getenv("PARLEY_MCP_CLIENT_ID"); val != "" {
		c.MCP.ClientID = val
	}
	if val := os.Getenv("PARLEY_MCP_CLIENT_SECRET"); val != "" {
		c.MCP.ClientSecret = val
	}

	if val := os.Getenv("PARLEY_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("PARLEY_STORE_PATH"); val != "" {
		c.Store.Path = val
	}

	// Per-provider API keys: PARLEY_ANTHROPIC_API_KEY and friends.
	for name, provider := range c.Providers {
		env := "PARLEY_" + strings.ToUpper(name) + "_API_KEY"
		if val := os.Getenv(env); val != "" {
			provider.APIKey = val
			c.Providers[name] = provider
		}
	}
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Listen == "" {
		errs = append(errs, "server.listen must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if len(c.Providers) > 0 {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("default_provider %q not found in providers %v", c.DefaultProvider, providerNames(c.Providers)))
		}
	}
	validTypes := map[string]bool{"anthropic": true, "openai": true, "gemini": true, "local": true}
	for name, provider := range c.Providers {
		if !validTypes[provider.Type] {
			errs = append(errs, fmt.Sprintf("providers.%s.type must be one of [anthropic, openai, gemini, local], got %q", name, provider.Type))
		}
	}

	if c.Chat.WindowSize <= 0 {
		errs = append(errs, fmt.Sprintf("chat.window_size must be positive, got %d", c.Chat.WindowSize))
	}
	if c.Chat.SessionTimeoutDays <= 0 {
		errs = append(errs, fmt.Sprintf("chat.session_timeout_days must be positive, got %d", c.Chat.SessionTimeoutDays))
	}

	if c.RateLimits.MessagesPerHour < 0 {
		errs = append(errs, fmt.Sprintf("rate_limits.messages_per_hour must be non-negative, got %d", c.RateLimits.MessagesPerHour))
	}
	if c.RateLimits.TokensPerDay < 0 {
		errs = append(errs, fmt.Sprintf("rate_limits.tokens_per_day must be non-negative, got %d", c.RateLimits.TokensPerDay))
	}
	if c.RateLimits.MaxConcurrent < 0 {
		errs = append(errs, fmt.Sprintf("rate_limits.max_concurrent must be non-negative, got %d", c.RateLimits.MaxConcurrent))
	}

	if c.Tools.Enabled && c.MCP.ServerURL == "" {
		errs = append(errs, "mcp.server_url is required when tools.enabled is true")
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be one of [memory, sqlite], got %q", c.Store.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func providerNames(m map[string]ProviderConfig) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}
