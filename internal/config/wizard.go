package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== parley configuration ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	validator := NewValidator()

	// Provider
	for {
		fmt.Fprintf(w.out, "Provider (gemini/anthropic/openai) [%s]: ", cfg.Model.Provider)
		provider, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if provider == "" {
			provider = cfg.Model.Provider
		}
		if err := validator.ValidateProvider(provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		if provider != cfg.Model.Provider {
			active, fallback := DefaultModels(provider)
			cfg.Model.Active = active
			cfg.Model.Fallback = fallback
		}
		cfg.Model.Provider = provider
		break
	}

	// API Key
	current := cfg.Providers[cfg.Model.Provider]
	for {
		if current.APIKey != "" {
			fmt.Fprintf(w.out, "%s API key (press Enter to keep the current key): ", cfg.Model.Provider)
		} else {
			fmt.Fprintf(w.out, "%s API key: ", cfg.Model.Provider)
		}
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if key == "" && current.APIKey != "" {
			break
		}
		if err := validator.ValidateAPIKey(key, cfg.Model.Provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		current.APIKey = key
		break
	}
	cfg.Providers[cfg.Model.Provider] = current

	fmt.Fprintln(w.out)

	// Models
	fmt.Fprintf(w.out, "Model [%s]: ", cfg.Model.Active)
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if model != "" {
		if err := validator.ValidateModel(model); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Model.Active)
		} else {
			cfg.Model.Active = model
		}
	}

	fmt.Fprintf(w.out, "Fallback model, used after persistent quota errors [%s]: ", cfg.Model.Fallback)
	fallback, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if fallback != "" && validator.ValidateModel(fallback) == nil {
		cfg.Model.Fallback = fallback
	}
	if cfg.Model.Fallback == cfg.Model.Active {
		cfg.Model.Fallback = ""
	}

	fmt.Fprintln(w.out)

	// Log Level
	fmt.Fprintf(w.out, "Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level)
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// DefaultModels returns the active and fallback models parley suggests for a provider
func DefaultModels(provider string) (active, fallback string) {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5", "claude-haiku-4-5"
	case "openai":
		return "gpt-4.1", "gpt-4.1-mini"
	default:
		return "gemini-2.5-pro", "gemini-2.5-flash"
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
