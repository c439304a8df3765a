// ABOUTME: Gateway orchestrator that serves the chat HTTP API and browser WebSocket
// ABOUTME: Builds the store, agent registry and conversation service and manages their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/routing"
	"github.com/2389/coven-chat/internal/store"
)

// Gateway serves the chat API over HTTP and streams session events to
// browsers over WebSocket.
type Gateway struct {
	config       *config.Config
	store        store.SessionStore
	registry     *agent.Registry
	conversation *conversation.Service
	httpServer   *http.Server
	upgrader     websocket.Upgrader
	markdown     goldmark.Markdown
	logger       *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initStore opens the SQLite database, creating its directory if needed.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// RegistryParams maps the agents section of the configuration onto the registry.
func RegistryParams(cfg *config.Config, logger *slog.Logger) agent.RegistryParams {
	dialer := agent.NewWebSocketDialer(cfg.Agents.HandshakeTimeout)
	dialer.RequestAcks = cfg.Agents.RequestAcks
	return agent.RegistryParams{
		Dialer: dialer,
		Backoff: agent.Backoff{
			Base:           cfg.Agents.ReconnectBase,
			Max:            cfg.Agents.ReconnectMax,
			JitterFraction: cfg.Agents.JitterFraction,
		},
		MaxReconnectAttempts: cfg.Agents.MaxReconnectAttempts,
		DeliveryTimeout:      cfg.Agents.DeliveryTimeout,
		HandshakeTimeout:     cfg.Agents.HandshakeTimeout,
		Logger:               logger.With("component", "agent-registry"),
	}
}

// New creates a Gateway backed by SQLite and WebSocket agents.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := agent.NewRegistry(RegistryParams(cfg, logger))
	svc := conversation.New(conversation.Params{
		Store:    s,
		Registry: registry,
		Routing: routing.Config{
			ResponseTimeout: cfg.Routing.ResponseTimeout,
			GlobalTimeout:   cfg.Routing.GlobalTimeout,
		},
		Logger: logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.RegisterAgents(ctx, cfg.Agents.Directory); err != nil {
		svc.Close()
		_ = s.Close()
		return nil, err
	}

	gw, err := newGateway(cfg, svc, logger)
	if err != nil {
		svc.Close()
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires the HTTP routes around an existing conversation service.
func newGateway(cfg *config.Config, svc *conversation.Service, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config:       cfg,
		store:        svc.Store(),
		registry:     svc.Registry(),
		conversation: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   logger.With("component", "gateway"),
		serverID: generateServerID(),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if err := gw.registerAPIRoutes(mux, cfg, logger); err != nil {
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// registerAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) error {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("GET /api/sessions", g.handleListSessions)
	api.HandleFunc("POST /api/sessions", g.handleCreateSession)
	api.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	api.HandleFunc("DELETE /api/sessions/{id}", g.handleDeleteSession)
	api.HandleFunc("POST /api/sessions/{id}/activate", g.handleActivateSession)
	api.HandleFunc("PUT /api/sessions/{id}/agents", g.handleSetAgents)
	api.HandleFunc("POST /api/sessions/{id}/agents/{agentID}/reconnect", g.handleReconnectAgent)
	api.HandleFunc("GET /api/sessions/{id}/messages", g.handleListMessages)
	api.HandleFunc("POST /api/sessions/{id}/messages", g.handleSendMessage)
	api.HandleFunc("POST /api/sessions/{id}/messages/{mid}/retry", g.handleRetry)
	api.HandleFunc("GET /ws", g.handleWebSocket)

	if cfg.Auth.JWTSecret == "" {
		mux.Handle("/api/", api)
		mux.Handle("/ws", api)
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating HTTP JWT verifier: %w", err)
	}
	protected := auth.HTTPAuthMiddleware(verifier, logger.With("component", "auth"))(api)
	mux.Handle("/api/", protected)
	mux.Handle("/ws", protected)
	logger.Info("HTTP auth middleware enabled")
	return nil
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Conversation returns the service behind the API.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// Run serves HTTP until ctx is canceled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

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

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, disconnects every agent and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.conversation.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent of the active session is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	connected := 0
	for _, st := range g.registry.Statuses() {
		if st.Connection == chat.ConnectionConnected {
			connected++
		}
	}
	if connected == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", connected)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("coven-chat-%d", time.Now().UnixNano()%1000000)
}
