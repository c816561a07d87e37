// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Reads YAML or TOML with ${VAR} expansion, then applies COVEN_CHAT_* environment overrides

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const minJWTSecretLen = 32

// Config represents the complete coven-chat configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Hub        HubConfig        `yaml:"hub" toml:"hub"`
	Agent      AgentConfig      `yaml:"agent" toml:"agent"`
	Completion CompletionConfig `yaml:"completion" toml:"completion"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"COVEN_CHAT_HTTP_ADDR"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"COVEN_CHAT_TAILSCALE_ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname" env:"COVEN_CHAT_TAILSCALE_HOSTNAME"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve TLS with a certificate from the tailnet
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"COVEN_CHAT_DB_PATH"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"COVEN_CHAT_JWT_SECRET"`
}

// HubConfig tunes the session hub
type HubConfig struct {
	RecallWindow  time.Duration `yaml:"-" toml:"-"`
	SessionBuffer int           `yaml:"session_buffer" toml:"session_buffer" env:"COVEN_CHAT_SESSION_BUFFER"`

	RecallWindowRaw string `yaml:"recall_window" toml:"recall_window" env:"COVEN_CHAT_RECALL_WINDOW"`
}

// AgentConfig configures the built-in chat agent
type AgentConfig struct {
	Enabled            bool          `yaml:"enabled" toml:"enabled" env:"COVEN_CHAT_AGENT_ENABLED"`
	Handle             string        `yaml:"handle" toml:"handle" env:"COVEN_CHAT_AGENT_HANDLE"`
	DisplayName        string        `yaml:"display_name" toml:"display_name"`
	SystemPrompt       string        `yaml:"system_prompt" toml:"system_prompt"`
	MaxContextMessages int           `yaml:"max_context_messages" toml:"max_context_messages" env:"COVEN_CHAT_AGENT_MAX_CONTEXT"`
	Timeout            time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout" env:"COVEN_CHAT_AGENT_TIMEOUT"`
}

// CompletionConfig selects where agent replies come from
type CompletionConfig struct {
	Provider string `yaml:"provider" toml:"provider" env:"COVEN_CHAT_COMPLETION_PROVIDER"` // echo or openai
	BaseURL  string `yaml:"base_url" toml:"base_url" env:"COVEN_CHAT_COMPLETION_BASE_URL"`
	APIKey   string `yaml:"api_key" toml:"api_key" env:"COVEN_CHAT_COMPLETION_API_KEY"`
	Model    string `yaml:"model" toml:"model" env:"COVEN_CHAT_COMPLETION_MODEL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"COVEN_CHAT_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"COVEN_CHAT_LOG_FORMAT"`
}

// TelemetryConfig holds OpenTelemetry trace export configuration
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled" env:"COVEN_CHAT_OTEL_ENABLED"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint" env:"COVEN_CHAT_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

// Load reads the configuration at path, or starts from defaults when path is
// empty. Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, COVEN_CHAT_*
// variables override file values, and duration strings are parsed.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := expandEnvVars(string(data))

		if strings.EqualFold(filepath.Ext(path), ".toml") {
			_, err = toml.Decode(expanded, &cfg)
		} else {
			err = yaml.Unmarshal([]byte(expanded), &cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = ":8080"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "coven-chat.db"
	}
	if cfg.Hub.RecallWindowRaw == "" {
		cfg.Hub.RecallWindowRaw = "2m"
	}
	if cfg.Hub.SessionBuffer == 0 {
		cfg.Hub.SessionBuffer = 256
	}
	if cfg.Agent.Handle == "" {
		cfg.Agent.Handle = "coven"
	}
	if cfg.Agent.DisplayName == "" {
		cfg.Agent.DisplayName = "Coven"
	}
	if cfg.Agent.MaxContextMessages == 0 {
		cfg.Agent.MaxContextMessages = 30
	}
	if cfg.Agent.TimeoutRaw == "" {
		cfg.Agent.TimeoutRaw = "2m"
	}
	if cfg.Completion.Provider == "" {
		cfg.Completion.Provider = "echo"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "coven-chat"
	}
	if cfg.Tailscale.Hostname == "" && cfg.Tailscale.Enabled {
		cfg.Tailscale.Hostname = "coven-chat"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLen)
	}
	if c.Hub.SessionBuffer < 1 {
		return fmt.Errorf("hub.session_buffer must be positive")
	}
	if c.Hub.RecallWindow <= 0 {
		return fmt.Errorf("hub.recall_window must be positive")
	}
	if c.Agent.MaxContextMessages < 0 {
		return fmt.Errorf("agent.max_context_messages must not be negative")
	}

	switch c.Completion.Provider {
	case "echo":
	case "openai":
		if c.Completion.Model == "" {
			return fmt.Errorf("completion.model is required for the openai provider")
		}
	default:
		return fmt.Errorf("completion.provider must be echo or openai, got %q", c.Completion.Provider)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Hub.RecallWindowRaw != "" {
		cfg.Hub.RecallWindow, err = time.ParseDuration(cfg.Hub.RecallWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing recall_window %q: %w", cfg.Hub.RecallWindowRaw, err)
		}
	}

	if cfg.Agent.TimeoutRaw != "" {
		cfg.Agent.Timeout, err = time.ParseDuration(cfg.Agent.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing agent timeout %q: %w", cfg.Agent.TimeoutRaw, err)
		}
	}

	return nil
}
