// ABOUTME: Gateway orchestrator that wires the chat hub behind an HTTP server
// ABOUTME: Manages store, agent, websocket and REST routes, health endpoints and the listener lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/completion"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/hub"
	"github.com/2389/coven-chat/internal/membership"
	"github.com/2389/coven-chat/internal/store"
)

// Gateway hosts the chat hub over HTTP: the /ws transport, the REST API and health checks.
type Gateway struct {
	config      *config.Config
	store       store.Store
	hub         *hub.Hub
	verifier    auth.TokenVerifier
	agent       *agent.Orchestrator // nil when the agent is disabled
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// draining is set once shutdown begins so readiness probes fail first
	draining atomic.Bool
}

// Deps are the collaborators a gateway serves. Agent may be nil.
type Deps struct {
	Store    store.Store
	Hub      *hub.Hub
	Verifier auth.TokenVerifier
	Agent    *agent.Orchestrator
}

// initStore opens the SQLite store named by config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newCompletionSource builds the completion source selected by config.
func newCompletionSource(cfg config.CompletionConfig, logger *slog.Logger) (completion.Source, error) {
	switch cfg.Provider {
	case "openai":
		src, err := completion.NewOpenAI(completion.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}, logger.With("component", "completion"))
		if err != nil {
			return nil, fmt.Errorf("creating openai source: %w", err)
		}
		return src, nil
	case "echo", "":
		return &completion.Echo{Delay: 50 * time.Millisecond}, nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// New creates a Gateway from configuration: it opens the store, creates the
// broadcaster, membership mutator, optional agent and hub, and registers routes.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	bus := broadcast.New(logger)
	members := membership.NewMutator(s, bus, logger)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	var orchestrator *agent.Orchestrator
	if cfg.Agent.Enabled {
		src, err := newCompletionSource(cfg.Completion, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		orchestrator = agent.NewOrchestrator(s, members, bus, src, agent.Config{
			Handle:             cfg.Agent.Handle,
			DisplayName:        cfg.Agent.DisplayName,
			SystemPrompt:       cfg.Agent.SystemPrompt,
			MaxContextMessages: cfg.Agent.MaxContextMessages,
			Timeout:            cfg.Agent.Timeout,
		}, logger)
		if _, err := orchestrator.EnsureAgentUser(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ensuring agent user: %w", err)
		}
	}

	opts := hub.Options{
		Store:       s,
		Verifier:    verifier,
		Broadcaster: bus,
		Members:     members,
	}
	if orchestrator != nil {
		opts.Replier = orchestrator
	}
	h := hub.New(opts, hub.Config{
		RecallWindow:  cfg.Hub.RecallWindow,
		SessionBuffer: cfg.Hub.SessionBuffer,
	}, logger)

	return NewWithDeps(cfg, Deps{Store: s, Hub: h, Verifier: verifier, Agent: orchestrator}, logger), nil
}

// NewWithDeps creates a Gateway around already constructed collaborators.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	gw := &Gateway{
		config:   cfg,
		store:    deps.Store,
		hub:      deps.Hub,
		verifier: deps.Verifier,
		agent:    deps.Agent,
		logger:   logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw
}

// routes registers health, websocket and API handlers.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// The websocket handler authenticates through the hub itself
	mux.HandleFunc("GET /ws", g.handleWebSocket)

	authMiddleware := auth.HTTPAuthMiddleware(g.store, g.verifier)
	mux.Handle("GET /api/me", authMiddleware(http.HandlerFunc(g.handleMe)))
	mux.Handle("GET /api/conversations", authMiddleware(http.HandlerFunc(g.handleListConversations)))
	mux.Handle("POST /api/conversations/direct", authMiddleware(http.HandlerFunc(g.handleCreateDirect)))
	mux.Handle("POST /api/conversations/group", authMiddleware(http.HandlerFunc(g.handleCreateGroup)))
	mux.Handle("GET /api/conversations/{id}", authMiddleware(http.HandlerFunc(g.handleGetConversation)))
	mux.Handle("POST /api/conversations/{id}/members", authMiddleware(http.HandlerFunc(g.handleAddMembers)))
	mux.Handle("GET /api/conversations/{id}/messages", authMiddleware(http.HandlerFunc(g.handleHistory)))
	mux.Handle("GET /api/users", authMiddleware(http.HandlerFunc(g.handleListUsers)))
	mux.Handle("GET /api/users/search", authMiddleware(http.HandlerFunc(g.handleSearchUsers)))
	mux.Handle("GET /api/presence/online", authMiddleware(http.HandlerFunc(g.handleOnline)))

	return mux
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-chat", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet with tsnet and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleListener picks plain HTTP, tailnet HTTPS or Funnel.
func (g *Gateway) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, lets in-flight agent replies persist and
// releases the store and tailnet node.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.draining.Store(true)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.agent != nil {
		errs = appendCloseError(errs, "agent shutdown", g.agent.Shutdown(ctx))
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts connections.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d users online)", g.hub.OnlineUsers())
}
