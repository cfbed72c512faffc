package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai" // any OpenAI-compatible local server (llama.cpp, LM Studio, vLLM)
)

// EnvPrefix is prepended to every key when read from the environment
const EnvPrefix = "CHATUI"

// Config holds application configuration
type Config struct {
	Backend      string  `mapstructure:"backend"`
	BackendURL   string  `mapstructure:"backend_url"`
	Model        string  `mapstructure:"model"`
	Stream       bool    `mapstructure:"stream"`
	KeepAlive    bool    `mapstructure:"keep_alive"` // keep the model loaded indefinitely
	Temperature  float64 `mapstructure:"temperature"`
	SystemPrompt string  `mapstructure:"system_prompt"`

	// Backend HTTP timeouts. RequestTimeout of zero leaves the total duration
	// of a generation unbounded. StreamIdleTimeout bounds the silence between
	// two frames of a reply; zero disables it.
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	StreamIdleTimeout     time.Duration `mapstructure:"stream_idle_timeout"`

	Listen string `mapstructure:"listen"`

	LogDir    string `mapstructure:"log_dir"`
	Verbose   bool   `mapstructure:"verbose"`
	Telemetry bool   `mapstructure:"telemetry"`

	// StatsDB is the SQLite file for the turn ledger, empty disables it
	StatsDB        string        `mapstructure:"stats_db"`
	ModelsCacheTTL time.Duration `mapstructure:"models_cache_ttl"`
}

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendOllama)
	v.SetDefault("backend_url", "http://localhost:11434")
	v.SetDefault("model", "qwen2.5:0.5b-instruct")
	v.SetDefault("stream", true)
	v.SetDefault("keep_alive", true)
	v.SetDefault("temperature", 0.7)
	v.SetDefault("system_prompt", "")
	v.SetDefault("request_timeout", time.Duration(0))
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("response_header_timeout", 5*time.Minute)
	v.SetDefault("stream_idle_timeout", 2*time.Minute)
	v.SetDefault("listen", ":8501")
	v.SetDefault("log_dir", "logs")
	v.SetDefault("verbose", false)
	v.SetDefault("telemetry", true)
	v.SetDefault("stats_db", "chatui.db")
	v.SetDefault("models_cache_ttl", 30*time.Second)
}

// Load reads the optional chatui.yaml config file and CHATUI_* environment
// variables on top of the defaults. Flags bound to v take precedence.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("chatui")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "chatui"))
		}
	}

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama, BackendOpenAI:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}

	if c.BackendURL == "" {
		return errors.New("backend_url is required")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid backend_url: %q", c.BackendURL)
	}

	if c.Model == "" {
		return errors.New("model is required")
	}

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}

	if c.RequestTimeout < 0 || c.ConnectTimeout < 0 || c.ResponseHeaderTimeout < 0 || c.StreamIdleTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// KeepAliveValue returns the keep_alive value sent to Ollama: -1 keeps the
// model loaded indefinitely, "5m" is Ollama's own default.
func (c *Config) KeepAliveValue() any {
	if c.KeepAlive {
		return -1
	}
	return "5m"
}
