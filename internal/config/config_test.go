// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var and .env expansion, defaults and duration parsing

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9090"
  shutdown_timeout: "3s"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret-0123456789abcdef0123456789"

agents:
  max_reconnect_attempts: 5
  jitter_fraction: 0.1
  request_acks: true
  reconnect_base: "500ms"
  reconnect_max: "10s"
  delivery_timeout: "15s"
  handshake_timeout: "2s"
  directory:
    - id: chloe
      name: Chloe
      color: "#ff00aa"
      capabilities: [chat, code]
      endpoint: "ws://localhost:9001/agent"
    - id: phil
      name: Phil
      endpoint: "https://agents.example.com/phil"

routing:
  response_timeout: "20s"
  global_timeout: "45s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 3s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.JWTSecret != "test-secret-0123456789abcdef0123456789" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "test-secret-0123456789abcdef0123456789")
	}

	if cfg.Agents.MaxReconnectAttempts != 5 {
		t.Errorf("Agents.MaxReconnectAttempts = %d, want 5", cfg.Agents.MaxReconnectAttempts)
	}
	if cfg.Agents.JitterFraction != 0.1 {
		t.Errorf("Agents.JitterFraction = %v, want 0.1", cfg.Agents.JitterFraction)
	}
	if !cfg.Agents.RequestAcks {
		t.Error("Agents.RequestAcks = false, want true")
	}
	if cfg.Agents.ReconnectBase != 500*time.Millisecond {
		t.Errorf("Agents.ReconnectBase = %v, want 500ms", cfg.Agents.ReconnectBase)
	}
	if cfg.Agents.ReconnectMax != 10*time.Second {
		t.Errorf("Agents.ReconnectMax = %v, want 10s", cfg.Agents.ReconnectMax)
	}
	if cfg.Agents.DeliveryTimeout != 15*time.Second {
		t.Errorf("Agents.DeliveryTimeout = %v, want 15s", cfg.Agents.DeliveryTimeout)
	}
	if cfg.Agents.HandshakeTimeout != 2*time.Second {
		t.Errorf("Agents.HandshakeTimeout = %v, want 2s", cfg.Agents.HandshakeTimeout)
	}

	if len(cfg.Agents.Directory) != 2 {
		t.Fatalf("Agents.Directory len = %d, want 2", len(cfg.Agents.Directory))
	}
	chloe := cfg.Agents.Directory[0]
	if chloe.ID != "chloe" || chloe.Name != "Chloe" || chloe.Color != "#ff00aa" {
		t.Errorf("Directory[0] = %+v", chloe)
	}
	if len(chloe.Capabilities) != 2 || chloe.Capabilities[1] != "code" {
		t.Errorf("Directory[0].Capabilities = %v, want [chat code]", chloe.Capabilities)
	}
	if chloe.Endpoint != "ws://localhost:9001/agent" {
		t.Errorf("Directory[0].Endpoint = %q", chloe.Endpoint)
	}

	if cfg.Routing.ResponseTimeout != 20*time.Second {
		t.Errorf("Routing.ResponseTimeout = %v, want 20s", cfg.Routing.ResponseTimeout)
	}
	if cfg.Routing.GlobalTimeout != 45*time.Second {
		t.Errorf("Routing.GlobalTimeout = %v, want 45s", cfg.Routing.GlobalTimeout)
	}

	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Errorf("Logging.SlogLevel() = %v, want debug", cfg.Logging.SlogLevel())
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	checks := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"ReconnectBase", cfg.Agents.ReconnectBase, time.Second},
		{"ReconnectMax", cfg.Agents.ReconnectMax, 30 * time.Second},
		{"DeliveryTimeout", cfg.Agents.DeliveryTimeout, 30 * time.Second},
		{"HandshakeTimeout", cfg.Agents.HandshakeTimeout, 10 * time.Second},
		{"ResponseTimeout", cfg.Routing.ResponseTimeout, 30 * time.Second},
		{"GlobalTimeout", cfg.Routing.GlobalTimeout, 60 * time.Second},
		{"ShutdownTimeout", cfg.Server.ShutdownTimeout, 10 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.Agents.MaxReconnectAttempts != 10 {
		t.Errorf("Agents.MaxReconnectAttempts = %d, want 10", cfg.Agents.MaxReconnectAttempts)
	}
	if cfg.Agents.JitterFraction != 0.3 {
		t.Errorf("Agents.JitterFraction = %v, want 0.3", cfg.Agents.JitterFraction)
	}
	if cfg.Logging.SlogLevel() != slog.LevelInfo {
		t.Errorf("Logging.SlogLevel() = %v, want info", cfg.Logging.SlogLevel())
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:7070"

[database]
path = "./chat.db"

[routing]
response_timeout = "5s"

[[agents.directory]]
id = "orchid"
name = "Orchid"
endpoint = "wss://orchid.example.com/ws"
capabilities = ["search"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:7070" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:7070")
	}
	if cfg.Routing.ResponseTimeout != 5*time.Second {
		t.Errorf("Routing.ResponseTimeout = %v, want 5s", cfg.Routing.ResponseTimeout)
	}
	if cfg.Routing.GlobalTimeout != DefaultGlobalTimeout {
		t.Errorf("Routing.GlobalTimeout = %v, want default", cfg.Routing.GlobalTimeout)
	}
	if len(cfg.Agents.Directory) != 1 || cfg.Agents.Directory[0].Endpoint != "wss://orchid.example.com/ws" {
		t.Errorf("Agents.Directory = %+v", cfg.Agents.Directory)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_COVEN_SECRET", "secret-from-env-0123456789abcdef0123")
	t.Setenv("TEST_COVEN_AGENT_HOST", "agents.internal")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
auth:
  jwt_secret: "${TEST_COVEN_SECRET}"
agents:
  directory:
    - id: chloe
      endpoint: "ws://${TEST_COVEN_AGENT_HOST}/chloe"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "secret-from-env-0123456789abcdef0123" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "secret-from-env-0123456789abcdef0123")
	}
	if cfg.Agents.Directory[0].Endpoint != "ws://agents.internal/chloe" {
		t.Errorf("Endpoint = %q, want %q", cfg.Agents.Directory[0].Endpoint, "ws://agents.internal/chloe")
	}
}

func TestLoad_DotEnvFallback(t *testing.T) {
	t.Setenv("TEST_COVEN_FROM_PROCESS", "process-wins-0123456789abcdef0123456")

	dir := t.TempDir()
	dotenv := "TEST_COVEN_FROM_FILE=file-value\nTEST_COVEN_FROM_PROCESS=file-loses\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	content := `
database:
  path: "${TEST_COVEN_FROM_FILE}.db"
auth:
  jwt_secret: "${TEST_COVEN_FROM_PROCESS}"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "file-value.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "file-value.db")
	}
	if cfg.Auth.JWTSecret != "process-wins-0123456789abcdef0123456" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "process-wins-0123456789abcdef0123456")
	}
	if _, set := os.LookupEnv("TEST_COVEN_FROM_FILE"); set {
		t.Error(".env values must not leak into the process environment")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "server:\n  http_addr: [unclosed\n")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("Load() error = %q, want parsing error", err.Error())
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  path: "./test.db"
routing:
  response_timeout: "soon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "response_timeout") {
		t.Errorf("Load() error = %q, want error mentioning response_timeout", err.Error())
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
server:
  http_addr: ""
database:
  path: "./test.db"
`,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "missing database path",
			configContent: `
database:
  path: ""
`,
			wantErrSubstr: "database.path is required",
		},
		{
			name: "agent without id",
			configContent: `
database:
  path: "./test.db"
agents:
  directory:
    - name: Nobody
      endpoint: "ws://localhost/x"
`,
			wantErrSubstr: "agents.directory[0].id is required",
		},
		{
			name: "duplicate agent",
			configContent: `
database:
  path: "./test.db"
agents:
  directory:
    - id: chloe
      endpoint: "ws://localhost/a"
    - id: chloe
      endpoint: "ws://localhost/b"
`,
			wantErrSubstr: `duplicate id "chloe"`,
		},
		{
			name: "agent without endpoint",
			configContent: `
database:
  path: "./test.db"
agents:
  directory:
    - id: chloe
`,
			wantErrSubstr: "agents.directory[chloe].endpoint is required",
		},
		{
			name: "unsupported endpoint scheme",
			configContent: `
database:
  path: "./test.db"
agents:
  directory:
    - id: chloe
      endpoint: "ftp://localhost/chloe"
`,
			wantErrSubstr: "must be a ws, wss, http or https URL",
		},
		{
			name: "jitter out of range",
			configContent: `
database:
  path: "./test.db"
agents:
  jitter_fraction: 1.5
`,
			wantErrSubstr: "agents.jitter_fraction",
		},
		{
			name: "max below base",
			configContent: `
database:
  path: "./test.db"
agents:
  reconnect_base: "10s"
  reconnect_max: "1s"
`,
			wantErrSubstr: "agents.reconnect_max",
		},
		{
			name: "zero timeout",
			configContent: `
database:
  path: "./test.db"
routing:
  global_timeout: "0s"
`,
			wantErrSubstr: "routing.global_timeout must be positive",
		},
		{
			name: "unknown log format",
			configContent: `
database:
  path: "./test.db"
logging:
  format: "xml"
`,
			wantErrSubstr: "logging.format",
		},
		{
			name: "short jwt secret",
			configContent: `
database:
  path: "./test.db"
auth:
  jwt_secret: "too-short"
`,
			wantErrSubstr: "auth.jwt_secret must be at least 32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")
	fallback := map[string]string{"FROM_DOTENV": "dot", "FOO": "shadowed"}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "fallback value",
			input:    "${FROM_DOTENV}",
			expected: "dot",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR_FOR_COVEN_TEST}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input, fallback)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COVEN_CONFIG", "/etc/coven/chat.toml")
	if got := DefaultPath(); got != "/etc/coven/chat.toml" {
		t.Errorf("DefaultPath() = %q, want COVEN_CONFIG value", got)
	}

	t.Setenv("COVEN_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "coven", "chat.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG location", got)
	}
}

func TestDefaultDatabasePath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DefaultDatabasePath(); got != filepath.Join("/data", "coven", "chat.db") {
		t.Errorf("DefaultDatabasePath() = %q", got)
	}
}
