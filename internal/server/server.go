// Package server wires the gateway's HTTP surface: the built-in OAuth
// authorization endpoints, the streamable MCP session endpoint, the direct
// tool endpoints, and the legacy bootstrap callbacks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mcpgate/mcpgate-go/internal/auth"
	"github.com/mcpgate/mcpgate-go/internal/config"
	"github.com/mcpgate/mcpgate-go/internal/storage"
	"github.com/mcpgate/mcpgate-go/internal/upstream"
)

// Server is the assembled gateway.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *storage.BoltDB
	provider   *auth.Provider
	signer     *auth.Signer
	pool       *upstream.Pool
	dispatcher *Dispatcher
	sessions   *SessionRegistry

	streamable *mcpserver.StreamableHTTPServer
	httpServer *http.Server
}

// New opens the credential store and assembles all components without
// touching any downstream server.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	store, err := storage.NewBoltDB(cfg.DataDir, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		provider: auth.NewProvider(store, cfg.Auth, cfg.BaseURL, logger.Named("auth")),
		signer:   auth.NewSigner(cfg.Auth.SigningSecret),
		pool:     upstream.NewPool(cfg.Servers, upstream.Dial, logger.Named("upstream")),
		sessions: NewSessionRegistry(logger.Named("sessions")),
	}
	s.dispatcher = NewDispatcher(s.pool, cfg.CallToolTimeout.Duration(), logger.Named("dispatcher"))

	mcpSrv := newMCPServer(s.dispatcher, s.sessions, logger.Named("mcp"))
	s.streamable = mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithEndpointPath("/mcp"))

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// router builds the chi route tree.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	// Authorization server
	r.Route(s.cfg.Auth.BasePath, func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Get("/authorize", s.handleAuthorize)
		r.Post("/token", s.handleToken)
	})
	r.Get("/.well-known/oauth-authorization-server", s.handleDiscovery)

	// Legacy bootstrap flow
	r.Get("/auth/url", s.handleAuthURL)
	r.Get("/authorized", s.handleAuthorized)

	// Credentialed surface: protocol sessions and direct tool access
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Handle("/mcp", s.streamable)
		r.Get("/api/v1/tools", s.handleListTools)
		r.Post("/api/v1/tools/call", s.handleCallTool)
		r.Get("/api/v1/sessions", s.handleListSessions)
	})

	return r
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts the HTTP listener,
// the downstream pool, and the credential store down in that order.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening",
			zap.String("addr", s.cfg.Listen),
			zap.Int("servers", len(s.pool.Servers())),
			zap.Bool("auth", s.cfg.Auth.Enabled))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown did not complete cleanly", zap.Error(err))
	}

	s.close()
	s.logger.Info("gateway stopped")
	return nil
}

func (s *Server) close() {
	s.pool.ShutdownAll()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close credential store", zap.Error(err))
	}
}
