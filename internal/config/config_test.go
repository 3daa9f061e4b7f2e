package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers["gemini"] = ProviderConfig{APIKey: "AIzaTestKey"}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "gemini", cfg.Model.Provider)
	assert.Equal(t, "gemini-2.5-pro", cfg.Model.Active)
	assert.Equal(t, "gemini-2.5-flash", cfg.Model.Fallback)
	assert.Equal(t, "api_key", cfg.AuthMode)
	assert.Equal(t, 0.7, cfg.Session.CompressionThreshold)
	assert.Equal(t, 0.3, cfg.Session.PreserveFraction)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 10*1024, cfg.Tools.DefaultOutputBudget)
	assert.False(t, cfg.Tools.AutoApprove)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown provider", func(c *Config) { c.Model.Provider = "mistral" }, "invalid provider"},
		{"unknown provider section", func(c *Config) { c.Providers["cohere"] = ProviderConfig{APIKey: "x"} }, "unknown provider"},
		{"missing model", func(c *Config) { c.Model.Active = "" }, "model.active"},
		{"fallback equals active", func(c *Config) { c.Model.Fallback = c.Model.Active }, "fallback"},
		{"missing API key", func(c *Config) { delete(c.Providers, "gemini") }, "no API key"},
		{"bad auth mode", func(c *Config) { c.AuthMode = "cookie" }, "auth_mode"},
		{"negative max turns", func(c *Config) { c.Session.MaxTurns = -1 }, "max_turns"},
		{"threshold out of range", func(c *Config) { c.Session.CompressionThreshold = 1.5 }, "compression_threshold"},
		{"preserve out of range", func(c *Config) { c.Session.PreserveFraction = 1 }, "preserve_fraction"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"inverted delays", func(c *Config) { c.Retry.MaxDelayMs = 10 }, "retry delays"},
		{"zero timeout", func(c *Config) { c.Tools.TimeoutSeconds = 0 }, "timeout_seconds"},
		{"zero tool budget", func(c *Config) { c.Tools.OutputBudget["read_file"] = 0 }, "output_budget.read_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := validConfig()

	out := cfg.String()
	assert.Contains(t, out, `"provider": "gemini"`)
	assert.NotContains(t, out, "AIzaTestKey")
	// masking never touches the original
	assert.Equal(t, "AIzaTestKey", cfg.APIKey())
}

func TestConfigRetryDelays(t *testing.T) {
	cfg := DefaultConfig()
	initial, max := cfg.RetryDelays()
	assert.Equal(t, 5*time.Second, initial)
	assert.Equal(t, 30*time.Second, max)
}
