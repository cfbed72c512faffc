package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, BackendOllama, cfg.Backend)
	assert.Equal(t, "http://localhost:11434", cfg.BackendURL)
	assert.Equal(t, "qwen2.5:0.5b-instruct", cfg.Model)
	assert.True(t, cfg.Stream)
	assert.True(t, cfg.KeepAlive)
	assert.InDelta(t, 0.7, cfg.Temperature, 1e-9)
	assert.Equal(t, ":8501", cfg.Listen)
	assert.Equal(t, 5*time.Minute, cfg.ResponseHeaderTimeout)
	assert.Zero(t, cfg.RequestTimeout)
	assert.Equal(t, 2*time.Minute, cfg.StreamIdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.ModelsCacheTTL)
}

func TestLoadEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CHATUI_MODEL", "llama3:latest")
	t.Setenv("CHATUI_BACKEND", "openai")
	t.Setenv("CHATUI_BACKEND_URL", "http://127.0.0.1:8080")
	t.Setenv("CHATUI_REQUEST_TIMEOUT", "90s")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "llama3:latest", cfg.Model)
	assert.Equal(t, BackendOpenAI, cfg.Backend)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.BackendURL)
	assert.Equal(t, 90*time.Second, cfg.RequestTimeout)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	content := "model: mistral:7b\nstream: false\nsystem_prompt: be brief\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chatui.yaml"), []byte(content), 0o644))

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "mistral:7b", cfg.Model)
	assert.False(t, cfg.Stream)
	assert.Equal(t, "be brief", cfg.SystemPrompt)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Backend:    BackendOllama,
			BackendURL: "http://localhost:11434",
			Model:      "m",
			Listen:     ":8501",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.Backend = "anthropic" }, false},
		{"empty url", func(c *Config) { c.BackendURL = "" }, false},
		{"relative url", func(c *Config) { c.BackendURL = "localhost" }, false},
		{"empty model", func(c *Config) { c.Model = "" }, false},
		{"bad listen", func(c *Config) { c.Listen = "8501" }, false},
		{"negative timeout", func(c *Config) { c.ConnectTimeout = -time.Second }, false},
		{"negative idle timeout", func(c *Config) { c.StreamIdleTimeout = -time.Second }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestKeepAliveValue(t *testing.T) {
	cfg := Config{KeepAlive: true}
	assert.Equal(t, -1, cfg.KeepAliveValue())

	cfg.KeepAlive = false
	assert.Equal(t, "5m", cfg.KeepAliveValue())
}
