// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Every field has a default, so a file only needs what differs.
//
// # Configuration File
//
// DefaultPath resolves the location:
//
//  1. Path from COVEN_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// A .env file next to the config file supplies values missing from the
// process environment. It never overrides the environment and is never
// exported into it.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("500ms", "30s", "5m").
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  shutdown_timeout: "10s"
//
//	database:
//	  path: "~/.local/share/coven/chat.db"
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"   # empty disables auth
//
//	agents:
//	  max_reconnect_attempts: 10          # negative disables reconnects
//	  reconnect_base: "1s"
//	  reconnect_max: "30s"
//	  jitter_fraction: 0.3
//	  delivery_timeout: "30s"
//	  handshake_timeout: "10s"
//	  request_acks: false
//	  directory:
//	    - id: chloe
//	      name: Chloe
//	      endpoint: "ws://localhost:9001/agent"
//
//	routing:
//	  response_timeout: "30s"
//	  global_timeout: "60s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
