// ABOUTME: Interactive config file generation for coven-chat init
// ABOUTME: Writes a YAML config and keeps the generated JWT secret in a .env file beside it

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/config"
)

// secretEnvVar names the .env entry the generated config refers to.
const secretEnvVar = "COVEN_JWT_SECRET"

type initAnswers struct {
	HTTPAddr  string
	DBPath    string
	Auth      bool
	Agents    []chat.Agent
	LogLevel  string
	LogFormat string
}

// renderConfig produces the YAML written by init.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-chat configuration\n")
	cfg.WriteString("# Generated by coven-chat init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
	cfg.WriteString("\n")

	if a.Auth {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: \"${%s}\"\n", secretEnvVar))
		cfg.WriteString("\n")
	}

	cfg.WriteString("agents:\n")
	cfg.WriteString("  reconnect_base: \"1s\"\n")
	cfg.WriteString("  reconnect_max: \"30s\"\n")
	cfg.WriteString("  max_reconnect_attempts: 10\n")
	if len(a.Agents) == 0 {
		cfg.WriteString("  directory: []\n")
	} else {
		cfg.WriteString("  directory:\n")
		for _, ag := range a.Agents {
			cfg.WriteString(fmt.Sprintf("    - id: %q\n", ag.ID))
			cfg.WriteString(fmt.Sprintf("      name: %q\n", ag.Name))
			cfg.WriteString(fmt.Sprintf("      endpoint: %q\n", ag.Endpoint))
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("routing:\n")
	cfg.WriteString("  response_timeout: \"30s\"\n")
	cfg.WriteString("  global_timeout: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	return cfg.String()
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-chat configuration setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a := initAnswers{
		HTTPAddr: prompt(reader, out, "HTTP address", config.DefaultHTTPAddr),
		DBPath:   prompt(reader, out, "SQLite database path", config.DefaultDatabasePath()),
		Auth:     isYes(prompt(reader, out, "Require API tokens?", "yes")),
	}

	fmt.Fprintln(out, "\n--- Agents ---")
	for {
		id := prompt(reader, out, "Agent ID (empty to finish)", "")
		if id == "" {
			break
		}
		a.Agents = append(a.Agents, chat.Agent{
			ID:       id,
			Name:     prompt(reader, out, "  Display name", id),
			Endpoint: prompt(reader, out, "  WebSocket endpoint", "ws://localhost:9001/agent"),
		})
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if a.Auth {
		envPath := filepath.Join(configDir, ".env")
		env, err := godotenv.Read(envPath)
		if err != nil {
			env = map[string]string{}
		}
		if env[secretEnvVar] == "" {
			secret, err := generateSecret()
			if err != nil {
				return err
			}
			env[secretEnvVar] = secret
			if err := godotenv.Write(env, envPath); err != nil {
				return fmt.Errorf("writing %s: %w", envPath, err)
			}
			if err := os.Chmod(envPath, 0o600); err != nil {
				return fmt.Errorf("securing %s: %w", envPath, err)
			}
			fmt.Fprintf(out, "\nJWT secret written to %s\n", envPath)
		}
	}

	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-chat serve")
	if a.Auth {
		fmt.Fprintln(out, "To issue a client token:")
		fmt.Fprintln(out, "  coven-chat token --subject you")
	}
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
