// ABOUTME: Writes a starter configuration with a freshly generated JWT secret
// ABOUTME: Refuses to overwrite an existing config file

package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
)

const configTemplate = `# coven-chat configuration
# Generated by coven-chat init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

hub:
  recall_window: "2m"
  session_buffer: 256

agent:
  enabled: true
  handle: "coven"
  display_name: "Coven"
  max_context_messages: 30
  timeout: "2m"

completion:
  provider: "echo"
  # provider: "openai"
  # base_url: "http://localhost:11434/v1/"
  # api_key: "${OPENAI_API_KEY}"
  # model: "llama3"

logging:
  level: "info"
  format: "text"
`

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// writeStarterConfig writes the template to configPath with the database under dataPath.
func writeStarterConfig(configPath, dataPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(configTemplate, filepath.Join(dataPath, "chat.db"), secret)
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func runInit() error {
	configPath := getConfigPath()
	if err := writeStarterConfig(configPath, getDataPath()); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Print("    Next: ")
	cyan.Println("coven-chat user add --handle alice --name Alice")
	return nil
}
