// Package http is the inbound HTTP adapter: the JSON-RPC MCP front
// end, the OAuth discovery surface, and the REST admin endpoints.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datacline/mcp-gateway/internal/config"
	"github.com/datacline/mcp-gateway/internal/service"
)

// TokenVerifier validates a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (map[string]any, error)
}

// Server is the gateway's HTTP front end.
type Server struct {
	aggregator  *service.Aggregator
	proxy       *service.Proxy
	broadcaster *service.Broadcaster
	settings    *config.Settings
	verifier    TokenVerifier
	logger      *slog.Logger
	metrics     *Metrics
	registry    *prometheus.Registry
	server      *http.Server
	started     time.Time
}

// Option configures the server.
type Option func(*Server)

// WithVerifier installs the bearer token verifier. Without one every
// request runs as the anonymous subject.
func WithVerifier(v TokenVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer wires the HTTP front end over the application services.
func NewServer(aggregator *service.Aggregator, proxy *service.Proxy, broadcaster *service.Broadcaster, settings *config.Settings, opts ...Option) *Server {
	s := &Server{
		aggregator:  aggregator,
		proxy:       proxy,
		broadcaster: broadcaster,
		settings:    settings,
		logger:      slog.Default(),
		started:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.registry)
	return s
}

// Handler builds the full route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// MCP protocol endpoint. Authentication happens per-method inside
	// the RPC handler because initialize must stay reachable.
	mux.HandleFunc("POST /mcp", s.handleRPC)
	mux.HandleFunc("GET /mcp", s.handleGatewayDiscovery)

	// OAuth discovery surface, always unauthenticated.
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp", s.handleProtectedResourceMetadata)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleAuthorizationServerMetadata)
	mux.HandleFunc("GET /.well-known/openid-configuration", s.handleOpenIDConfiguration)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)
	mux.HandleFunc("POST /token", s.handleTokenProxy)

	// REST surface.
	mux.HandleFunc("GET /tools", s.requireAuth(s.handleListTools))
	mux.HandleFunc("POST /tools/{name}/invoke", s.requireAuth(s.handleInvokeTool))
	mux.HandleFunc("GET /mcp/servers", s.requireAuth(s.handleListServers))
	mux.HandleFunc("GET /mcp/server/{name}/info", s.requireAuth(s.handleServerInfo))
	mux.HandleFunc("POST /mcp/register", s.requireAuth(s.handleRegisterServer))
	mux.HandleFunc("POST /mcp/invoke-broadcast", s.requireAuth(s.handleInvokeBroadcast))

	// Operational surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfigSummary)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	var handler http.Handler = mux
	handler = RequestIDMiddleware(s.logger)(handler)
	handler = MetricsMiddleware(s.metrics)(handler)
	return handler
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.settings.Server.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close shuts the server down outside of Start's lifecycle.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
