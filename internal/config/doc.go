// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file, then overridden by
// COVEN_CHAT_* environment variables. Every field has a default except the
// JWT secret, so a server can start from environment alone.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Values in the file can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: ":8080"
//
//	database:
//	  path: "/var/lib/coven/chat.db"
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_SECRET}"   # at least 32 bytes
//
//	hub:
//	  recall_window: "2m"
//	  session_buffer: 256
//
//	agent:
//	  enabled: true
//	  handle: "coven"
//	  display_name: "Coven"
//	  max_context_messages: 30            # clamped to 5..100
//	  timeout: "2m"
//
//	completion:
//	  provider: "openai"                  # echo or openai
//	  base_url: "http://localhost:11434/v1/"
//	  api_key: "${OPENAI_API_KEY}"
//	  model: "llama3"
//
//	logging:
//	  level: "info"                       # debug, info, warn, error
//	  format: "text"                      # text or json
//
//	telemetry:
//	  enabled: true
//	  endpoint: "http://localhost:4318"
//
// # Environment Overrides
//
// Selected fields can be set directly, for example COVEN_CHAT_HTTP_ADDR,
// COVEN_CHAT_DB_PATH, COVEN_CHAT_JWT_SECRET, COVEN_CHAT_AGENT_ENABLED and
// COVEN_CHAT_COMPLETION_MODEL. Overrides win over the file.
package config
