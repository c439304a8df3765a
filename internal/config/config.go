// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion, .env files and duration parsing

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-chat/internal/chat"
)

// Defaults applied before the file is read.
const (
	DefaultHTTPAddr             = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultReconnectBase        = time.Second
	DefaultReconnectMax         = 30 * time.Second
	DefaultJitterFraction       = 0.3
	DefaultMaxReconnectAttempts = 10
	DefaultDeliveryTimeout      = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultResponseTimeout      = 30 * time.Second
	DefaultGlobalTimeout        = 60 * time.Second

	// MinJWTSecretLength matches what the HS256 verifier accepts.
	MinJWTSecretLength = 32
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Agents   AgentsConfig   `yaml:"agents" toml:"agents"`
	Routing  RoutingConfig  `yaml:"routing" toml:"routing"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AgentsConfig holds the agent directory and connection timing
type AgentsConfig struct {
	Directory []chat.Agent `yaml:"directory" toml:"directory"`

	// MaxReconnectAttempts caps automatic reconnects; negative disables them.
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	JitterFraction       float64 `yaml:"jitter_fraction" toml:"jitter_fraction"`

	// RequestAcks asks agents to acknowledge every outbound message.
	RequestAcks bool `yaml:"request_acks" toml:"request_acks"`

	ReconnectBase    time.Duration `yaml:"-" toml:"-"`
	ReconnectMax     time.Duration `yaml:"-" toml:"-"`
	DeliveryTimeout  time.Duration `yaml:"-" toml:"-"`
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReconnectBaseRaw    string `yaml:"reconnect_base" toml:"reconnect_base"`
	ReconnectMaxRaw     string `yaml:"reconnect_max" toml:"reconnect_max"`
	DeliveryTimeoutRaw  string `yaml:"delivery_timeout" toml:"delivery_timeout"`
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// RoutingConfig holds message routing timeouts
type RoutingConfig struct {
	ResponseTimeout time.Duration `yaml:"-" toml:"-"`
	GlobalTimeout   time.Duration `yaml:"-" toml:"-"`

	ResponseTimeoutRaw string `yaml:"response_timeout" toml:"response_timeout"`
	GlobalTimeoutRaw   string `yaml:"global_timeout" toml:"global_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// SlogLevel maps the configured level onto slog, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns a configuration with every default applied and no agents.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        DefaultHTTPAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Database: DatabaseConfig{Path: DefaultDatabasePath()},
		Agents: AgentsConfig{
			MaxReconnectAttempts: DefaultMaxReconnectAttempts,
			JitterFraction:       DefaultJitterFraction,
			ReconnectBase:        DefaultReconnectBase,
			ReconnectMax:         DefaultReconnectMax,
			DeliveryTimeout:      DefaultDeliveryTimeout,
			HandshakeTimeout:     DefaultHandshakeTimeout,
		},
		Routing: RoutingConfig{
			ResponseTimeout: DefaultResponseTimeout,
			GlobalTimeout:   DefaultGlobalTimeout,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultDatabasePath returns the XDG data location of the chat database.
func DefaultDatabasePath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "coven", "chat.db")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "coven", "chat.db")
	}
	return "chat.db"
}

// DefaultPath returns the config file location: COVEN_CONFIG when set,
// otherwise the XDG config directory.
func DefaultPath() string {
	if p := os.Getenv("COVEN_CONFIG"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "coven", "chat.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "coven", "chat.yaml")
	}
	return "chat.yaml"
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded; a .env file
// next to the config supplies values the process environment lacks.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	dotenv, err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data), dotenv)

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv parses a .env file. A missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading .env file %s: %w", path, err)
	}
	env, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing .env file %s: %w", path, err)
	}
	return env, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the process environment
// value, falling back to fallback. Unset variables expand to an empty string.
func expandEnvVars(s string, fallback map[string]string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(varName); ok {
			return v
		}
		return fallback[varName]
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if s := c.Auth.JWTSecret; s != "" && len(s) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	seen := make(map[string]bool, len(c.Agents.Directory))
	for i, a := range c.Agents.Directory {
		if a.ID == "" {
			return fmt.Errorf("agents.directory[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents.directory: duplicate id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Endpoint == "" {
			return fmt.Errorf("agents.directory[%s].endpoint is required", a.ID)
		}
		u, err := url.Parse(a.Endpoint)
		if err != nil {
			return fmt.Errorf("agents.directory[%s].endpoint: %w", a.ID, err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("agents.directory[%s].endpoint must be a ws, wss, http or https URL", a.ID)
		}
	}

	if c.Agents.JitterFraction < 0 || c.Agents.JitterFraction > 1 {
		return fmt.Errorf("agents.jitter_fraction must be between 0 and 1")
	}
	if c.Agents.ReconnectMax < c.Agents.ReconnectBase {
		return fmt.Errorf("agents.reconnect_max must not be less than agents.reconnect_base")
	}

	for name, d := range map[string]time.Duration{
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"agents.reconnect_base":    c.Agents.ReconnectBase,
		"agents.delivery_timeout":  c.Agents.DeliveryTimeout,
		"agents.handshake_timeout": c.Agents.HandshakeTimeout,
		"routing.response_timeout": c.Routing.ResponseTimeout,
		"routing.global_timeout":   c.Routing.GlobalTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"reconnect_base", cfg.Agents.ReconnectBaseRaw, &cfg.Agents.ReconnectBase},
		{"reconnect_max", cfg.Agents.ReconnectMaxRaw, &cfg.Agents.ReconnectMax},
		{"delivery_timeout", cfg.Agents.DeliveryTimeoutRaw, &cfg.Agents.DeliveryTimeout},
		{"handshake_timeout", cfg.Agents.HandshakeTimeoutRaw, &cfg.Agents.HandshakeTimeout},
		{"response_timeout", cfg.Routing.ResponseTimeoutRaw, &cfg.Routing.ResponseTimeout},
		{"global_timeout", cfg.Routing.GlobalTimeoutRaw, &cfg.Routing.GlobalTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
