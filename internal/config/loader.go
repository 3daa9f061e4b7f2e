package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// vendor key variables read in addition to PARLEY_* overrides
var vendorKeyEnv = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigType("json")

	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about
	defaults := DefaultConfig()
	setDefaults(v, defaults)

	for name, env := range vendorKeyEnv {
		key := fmt.Sprintf("providers.%s.api_key", name)
		if err := v.BindEnv(key, fmt.Sprintf("PARLEY_PROVIDERS_%s_API_KEY", strings.ToUpper(name)), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// keys coming only from the environment
	for name := range vendorKeyEnv {
		key := v.GetString(fmt.Sprintf("providers.%s.api_key", name))
		if key == "" {
			continue
		}
		if cfg.Providers == nil {
			cfg.Providers = map[string]ProviderConfig{}
		}
		p := cfg.Providers[name]
		p.APIKey = key
		cfg.Providers[name] = p
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".parley")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "parley.log")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("model.provider", cfg.Model.Provider)
	v.SetDefault("model.active", cfg.Model.Active)
	v.SetDefault("model.fallback", cfg.Model.Fallback)
	v.SetDefault("model.temperature", cfg.Model.Temperature)
	v.SetDefault("model.max_tokens", cfg.Model.MaxTokens)
	v.SetDefault("model.system_prompt", cfg.Model.SystemPrompt)
	v.SetDefault("proxy_url", cfg.ProxyURL)
	v.SetDefault("auth_mode", cfg.AuthMode)
	v.SetDefault("session.max_turns", cfg.Session.MaxTurns)
	v.SetDefault("session.compression_threshold", cfg.Session.CompressionThreshold)
	v.SetDefault("session.preserve_fraction", cfg.Session.PreserveFraction)
	v.SetDefault("session.cleanup_days", cfg.Session.CleanupDays)
	v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay_ms", cfg.Retry.InitialDelayMs)
	v.SetDefault("retry.max_delay_ms", cfg.Retry.MaxDelayMs)
	v.SetDefault("tools.default_output_budget", cfg.Tools.DefaultOutputBudget)
	v.SetDefault("tools.timeout_seconds", cfg.Tools.TimeoutSeconds)
	v.SetDefault("tools.error_loop_threshold", cfg.Tools.ErrorLoopThreshold)
	v.SetDefault("tools.auto_approve", cfg.Tools.AutoApprove)
	v.SetDefault("tools.concurrency", cfg.Tools.Concurrency)
	v.SetDefault("tools.shell", cfg.Tools.Shell)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("model", cfg.Model)
	v.Set("providers", cfg.Providers)
	v.Set("proxy_url", cfg.ProxyURL)
	v.Set("auth_mode", cfg.AuthMode)
	v.Set("session", cfg.Session)
	v.Set("retry", cfg.Retry)
	v.Set("tools", cfg.Tools)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)
	v.Set("metrics_addr", cfg.MetricsAddr)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	// the file carries API keys
	if err := os.Chmod(configPath, 0600); err != nil {
		return fmt.Errorf("failed to restrict config file permissions: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".parley", "parley.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
