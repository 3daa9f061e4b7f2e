package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearKeyEnv keeps the host's credentials out of loader tests
func clearKeyEnv(t *testing.T) {
	t.Helper()
	for _, env := range vendorKeyEnv {
		t.Setenv(env, "")
	}
	t.Setenv("PARLEY_MODEL_ACTIVE", "")
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		clearKeyEnv(t)
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, "gemini", cfg.Model.Provider)
		assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	})

	t.Run("load config from file", func(t *testing.T) {
		clearKeyEnv(t)
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"model": {"provider": "anthropic", "active": "claude-sonnet-4-5"},
			"providers": {"anthropic": {"api_key": "sk-ant-file"}},
			"session": {"preserve_fraction": 0.4},
			"tools": {"output_budget": {"read_file": 2048}}
		}`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.Model.Provider)
		assert.Equal(t, "claude-sonnet-4-5", cfg.Model.Active)
		assert.Equal(t, "sk-ant-file", cfg.APIKey())
		assert.Equal(t, 0.4, cfg.Session.PreserveFraction)
		assert.Equal(t, 2048, cfg.Tools.OutputBudget["read_file"])
		// untouched keys keep their defaults
		assert.Equal(t, 0.7, cfg.Session.CompressionThreshold)
	})

	t.Run("vendor key from environment", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("GEMINI_API_KEY", "AIzaFromEnv")
		configPath := filepath.Join(t.TempDir(), "none.json")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "AIzaFromEnv", cfg.APIKey())
		assert.NoError(t, cfg.Validate())
	})

	t.Run("prefixed override", func(t *testing.T) {
		clearKeyEnv(t)
		t.Setenv("PARLEY_MODEL_ACTIVE", "gemini-2.5-flash-lite")
		configPath := filepath.Join(t.TempDir(), "none.json")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "gemini-2.5-flash-lite", cfg.Model.Active)
	})

	t.Run("set default paths", func(t *testing.T) {
		clearKeyEnv(t)
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		err := os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`"}`), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "parley.log"), cfg.Logging.File)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")

		err := os.WriteFile(configPath, []byte("invalid json"), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		_, err = loader.Load()

		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save config to file", func(t *testing.T) {
		clearKeyEnv(t)
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		cfg := DefaultConfig()
		cfg.Model.Provider = "openai"
		cfg.Model.Active = "gpt-4.1"
		cfg.Providers["openai"] = ProviderConfig{APIKey: "sk-test-key", BaseURL: "http://localhost:8080/v1"}

		loader := NewLoader(configPath)
		err := loader.Save(cfg)
		require.NoError(t, err)

		info, err := os.Stat(configPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		loadedCfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "openai", loadedCfg.Model.Provider)
		assert.Equal(t, "gpt-4.1", loadedCfg.Model.Active)
		assert.Equal(t, "sk-test-key", loadedCfg.APIKey())
		assert.Equal(t, "http://localhost:8080/v1", loadedCfg.Providers["openai"].BaseURL)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "subdir", "config.json")

		cfg := DefaultConfig()
		cfg.Providers["gemini"] = ProviderConfig{APIKey: "AIzaKey"}

		loader := NewLoader(configPath)
		err := loader.Save(cfg)

		require.NoError(t, err)

		_, err = os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		path := loader.GetConfigPath()
		assert.Equal(t, "/custom/path/config.json", path)
	})

	t.Run("default path", func(t *testing.T) {
		loader := NewLoader("")
		path := loader.GetConfigPath()
		assert.NotEmpty(t, path)
		assert.Contains(t, path, filepath.Join(".parley", "parley.json"))
	})
}
