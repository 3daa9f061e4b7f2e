package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// maxOutputTokens is the largest max_tokens any supported provider accepts.
const maxOutputTokens = 200000

var logLevels = []string{"debug", "info", "warn", "error"}

// keyFormats are the documented key prefixes of each provider's hosted API.
var keyFormats = map[string]struct{ label, prefix string }{
	"anthropic": {"Anthropic", "sk-ant-"},
	"openai":    {"OpenAI", "sk-"},
	"gemini":    {"Gemini", "AIza"},
}

// Validator checks individual settings for the wizard, the status command and
// --log-level. Config.Validate covers what a chat needs to start.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(what, value string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", what, value, strings.Join(allowed, ", "))
}

func (v *Validator) ValidateProvider(provider string) error {
	return oneOf("provider", provider, validProviders)
}

// ValidateAPIKey checks the key against the provider's hosted key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}
	format, known := keyFormats[provider]
	if known && !strings.HasPrefix(key, format.prefix) {
		return fmt.Errorf("invalid %s API key format (should start with %s)", format.label, format.prefix)
	}
	return nil
}

// ValidateModel checks only the shape of a model id; custom deployments use arbitrary ids.
func (v *Validator) ValidateModel(model string) error {
	switch {
	case model == "":
		return fmt.Errorf("model name cannot be empty")
	case strings.ContainsAny(model, " \t\n"):
		return fmt.Errorf("model name cannot contain whitespace: %q", model)
	}
	return nil
}

func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 || tokens > maxOutputTokens {
		return fmt.Errorf("max tokens must be between 1 and %d, got %d", maxOutputTokens, tokens)
	}
	return nil
}

func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, logLevels)
}

// ValidateURL accepts an empty value or an absolute URL
func (v *Validator) ValidateURL(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}
	return nil
}

// ValidateConfig reports every problem in cfg instead of stopping at the first.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var problems []error
	report := func(field string, err error) {
		if err == nil {
			return
		}
		if field != "" {
			err = fmt.Errorf("%s: %w", field, err)
		}
		problems = append(problems, err)
	}

	report("", cfg.Validate())

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		p := cfg.Providers[name]
		// custom endpoints issue their own key formats
		if p.APIKey != "" && p.BaseURL == "" {
			report("providers."+name, v.ValidateAPIKey(p.APIKey, name))
		}
		report("", v.ValidateURL("providers."+name+".base_url", p.BaseURL))
	}
	report("", v.ValidateURL("proxy_url", cfg.ProxyURL))

	report("model.active", v.ValidateModel(cfg.Model.Active))
	if cfg.Model.Fallback != "" {
		report("model.fallback", v.ValidateModel(cfg.Model.Fallback))
	}
	report("", v.ValidateTemperature(cfg.Model.Temperature))
	if cfg.Model.MaxTokens != 0 {
		report("", v.ValidateMaxTokens(cfg.Model.MaxTokens))
	}
	report("", v.ValidateLogLevel(cfg.Logging.Level))

	return problems
}
