// ABOUTME: Tests for the Gateway lifecycle and health endpoints
// ABOUTME: Builds a gateway from config with a real SQLite store and runs it on a free port

package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/coven-chat/internal/config"
)

// testConfig creates a minimal config with an available port and a temp database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := config.Default()
	cfg.Server.HTTPAddr = addr
	cfg.Database.Path = filepath.Join(t.TempDir(), "chat.db")
	cfg.Auth.JWTSecret = string(testSecret)
	cfg.Agent.Enabled = true
	return cfg
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(t.Context(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.hub == nil {
		t.Error("hub should not be nil")
	}
	if gw.agent == nil {
		t.Fatal("agent should be created when enabled")
	}

	u, err := gw.store.GetUserByHandle(t.Context(), "coven")
	if err != nil {
		t.Fatalf("agent user missing: %v", err)
	}
	if u.ID != gw.agent.AgentID() {
		t.Errorf("agent id = %q, want %q", gw.agent.AgentID(), u.ID)
	}
}

func TestGatewayNew_AgentDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Enabled = false

	gw, err := New(t.Context(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.agent != nil {
		t.Error("agent should be nil when disabled")
	}
}

func TestGatewayNew_BadProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Completion.Provider = "openai" // no model

	if _, err := New(t.Context(), cfg, testLogger()); err == nil {
		t.Fatal("New() should fail without a completion model")
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestGateway(t)

	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}

	rec := httptest.NewRecorder()
	env.gw.handleReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d, want 200", rec.Code)
	}

	if err := env.gw.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	rec = httptest.NewRecorder()
	env.gw.handleReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready after shutdown = %d, want 503", rec.Code)
	}
}

func TestGatewayRun(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(t.Context(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	// Wait for the listener
	url := "http://" + cfg.Server.HTTPAddr + "/health"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
