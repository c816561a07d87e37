// ABOUTME: Health check command against a running server
// ABOUTME: Queries the readiness endpoint on the configured address

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if cfg.Tailscale.Enabled {
		addr = cfg.Tailscale.Hostname
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	scheme := "http"
	if cfg.Tailscale.Enabled && (cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel) {
		scheme = "https"
	}

	return checkHealth(ctx, scheme+"://"+addr)
}

func checkHealth(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Printf("healthy: %s\n", strings.TrimSpace(string(body)))
	return nil
}
