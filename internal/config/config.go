package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main parley configuration
type Config struct {
	// Model selection
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Credentials and endpoints per provider (gemini, anthropic, openai)
	Providers map[string]ProviderConfig `json:"providers" mapstructure:"providers"`

	// Outbound HTTP proxy for every provider
	ProxyURL string `json:"proxy_url" mapstructure:"proxy_url"`

	// AuthMode is api_key or oauth. Persistent quota fallback only applies to oauth.
	AuthMode string `json:"auth_mode" mapstructure:"auth_mode"`

	// Session
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Retry
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Prometheus listen address, empty disables the metrics server
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
}

// ModelConfig selects the backend and models of a session
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"`
	Active      string  `json:"active" mapstructure:"active"`
	Fallback    string  `json:"fallback" mapstructure:"fallback"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	// SystemPrompt is sent as the system instruction of every request
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
}

// ProviderConfig holds credentials for one backend
type ProviderConfig struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// SessionConfig bounds a conversation
type SessionConfig struct {
	MaxTurns             int     `json:"max_turns" mapstructure:"max_turns"`
	CompressionThreshold float64 `json:"compression_threshold" mapstructure:"compression_threshold"`
	PreserveFraction     float64 `json:"preserve_fraction" mapstructure:"preserve_fraction"`
	// CleanupDays prunes transcripts older than this many days on `sessions prune`
	CleanupDays int `json:"cleanup_days" mapstructure:"cleanup_days"`
}

// RetryConfig controls backoff for provider calls
type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayMs int `json:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MaxDelayMs     int `json:"max_delay_ms" mapstructure:"max_delay_ms"`
}

// ToolsConfig controls tool execution
type ToolsConfig struct {
	// OutputBudget maps a tool name to the max bytes of output returned to the model
	OutputBudget        map[string]int `json:"output_budget" mapstructure:"output_budget"`
	DefaultOutputBudget int            `json:"default_output_budget" mapstructure:"default_output_budget"`
	TimeoutSeconds      int            `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	ErrorLoopThreshold  int            `json:"error_loop_threshold" mapstructure:"error_loop_threshold"`
	AutoApprove         bool           `json:"auto_approve" mapstructure:"auto_approve"`
	Concurrency         int            `json:"concurrency" mapstructure:"concurrency"`
	Shell               string         `json:"shell" mapstructure:"shell"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

var validProviders = []string{"gemini", "anthropic", "openai"}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    "gemini",
			Active:      "gemini-2.5-pro",
			Fallback:    "gemini-2.5-flash",
			Temperature: 0,
			MaxTokens:   8192,
		},
		Providers: map[string]ProviderConfig{},
		AuthMode:  "api_key",
		Session: SessionConfig{
			MaxTurns:             0,
			CompressionThreshold: 0.7,
			PreserveFraction:     0.3,
			CleanupDays:          30,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialDelayMs: 5000,
			MaxDelayMs:     30000,
		},
		Tools: ToolsConfig{
			OutputBudget:        map[string]int{},
			DefaultOutputBudget: 10 * 1024,
			TimeoutSeconds:      120,
			ErrorLoopThreshold:  3,
			AutoApprove:         false,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config with API keys masked
func (c *Config) String() string {
	masked := *c
	masked.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Providers[name] = p
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// APIKey returns the configured key of the active provider
func (c *Config) APIKey() string {
	return c.Providers[c.Model.Provider].APIKey
}

// RetryDelays converts the millisecond settings into durations
func (c *Config) RetryDelays() (initial, max time.Duration) {
	return time.Duration(c.Retry.InitialDelayMs) * time.Millisecond,
		time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	valid := false
	for _, vp := range validProviders {
		if c.Model.Provider == vp {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid provider %q (must be: gemini, anthropic, openai)", c.Model.Provider)
	}
	for name := range c.Providers {
		known := false
		for _, vp := range validProviders {
			if name == vp {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("providers.%s: unknown provider", name)
		}
	}

	if c.Model.Active == "" {
		return fmt.Errorf("model.active is required")
	}
	if c.Model.Fallback == c.Model.Active {
		return fmt.Errorf("model.fallback must differ from model.active")
	}
	if c.APIKey() == "" {
		return fmt.Errorf("no API key configured for provider %s", c.Model.Provider)
	}

	if c.AuthMode != "api_key" && c.AuthMode != "oauth" {
		return fmt.Errorf("invalid auth_mode %q (must be: api_key, oauth)", c.AuthMode)
	}

	if c.Session.MaxTurns < 0 {
		return fmt.Errorf("session.max_turns must be >= 0")
	}
	if c.Session.CompressionThreshold <= 0 || c.Session.CompressionThreshold > 1 {
		return fmt.Errorf("session.compression_threshold must be in (0, 1]")
	}
	if c.Session.PreserveFraction < 0 || c.Session.PreserveFraction >= 1 {
		return fmt.Errorf("session.preserve_fraction must be in [0, 1)")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.InitialDelayMs < 0 || c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		return fmt.Errorf("retry delays must satisfy 0 <= initial_delay_ms <= max_delay_ms")
	}

	if c.Tools.TimeoutSeconds <= 0 {
		return fmt.Errorf("tools.timeout_seconds must be positive")
	}
	if c.Tools.DefaultOutputBudget <= 0 {
		return fmt.Errorf("tools.default_output_budget must be positive")
	}
	for name, budget := range c.Tools.OutputBudget {
		if budget <= 0 {
			return fmt.Errorf("tools.output_budget.%s must be positive", name)
		}
	}
	if c.Tools.ErrorLoopThreshold < 0 || c.Tools.Concurrency < 0 {
		return fmt.Errorf("tools.error_loop_threshold and tools.concurrency must be >= 0")
	}

	return nil
}
