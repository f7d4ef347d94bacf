// Package service holds the gateway's application services: the
// upstream proxy, the broadcast engine, and the aggregator that
// presents one virtual MCP server.
package service

import (
	"context"
	"log/slog"

	"github.com/datacline/mcp-gateway/internal/ctxkey"
	"github.com/datacline/mcp-gateway/internal/domain/identity"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
	"github.com/datacline/mcp-gateway/internal/port/outbound"
	"github.com/datacline/mcp-gateway/pkg/mcpwire"
)

// loggerFromContext retrieves the request-scoped logger, falling back
// to the default logger outside a request.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// requestIDFromContext returns the correlation ID set by the HTTP
// middleware, or an empty string.
func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxkey.RequestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// withSubject stamps the caller's display name onto the request logger
// so downstream proxy and session logs attribute the call.
func withSubject(ctx context.Context, subject *identity.Subject) context.Context {
	logger := loggerFromContext(ctx).With("subject", subject.DisplayName)
	return context.WithValue(ctx, ctxkey.LoggerKey{}, logger)
}

// Proxy resolves upstream names against the registry snapshot and
// carries single operations through the upstream client. All failures
// are *upstream.ProxyError.
type Proxy struct {
	registry *upstream.Registry
	client   outbound.UpstreamClient
}

// NewProxy creates the proxy service.
func NewProxy(registry *upstream.Registry, client outbound.UpstreamClient) *Proxy {
	return &Proxy{registry: registry, client: client}
}

// lookup fetches an enabled descriptor from the current snapshot.
func (p *Proxy) lookup(name string) (*upstream.Descriptor, error) {
	desc, err := p.registry.Snapshot().Get(name)
	if err != nil {
		return nil, upstream.NewProxyError(upstream.KindNotConfigured, name,
			"upstream is not configured", err)
	}
	if !desc.Enabled {
		return nil, upstream.NewProxyError(upstream.KindDisabled, name,
			"upstream is disabled", nil)
	}
	return desc, nil
}

// Descriptor returns the registry entry for name regardless of its
// enable flag. Used by admin reads.
func (p *Proxy) Descriptor(name string) (*upstream.Descriptor, error) {
	desc, err := p.registry.Snapshot().Get(name)
	if err != nil {
		return nil, upstream.NewProxyError(upstream.KindNotConfigured, name,
			"upstream is not configured", err)
	}
	return desc, nil
}

// Registry exposes the backing registry for admin operations.
func (p *Proxy) Registry() *upstream.Registry { return p.registry }

// ListTools lists one upstream's tools.
func (p *Proxy) ListTools(ctx context.Context, server string) ([]mcpwire.ToolDescriptor, error) {
	desc, err := p.lookup(server)
	if err != nil {
		return nil, err
	}
	return p.client.ListTools(ctx, desc)
}

// CallTool invokes one tool on one upstream.
func (p *Proxy) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcpwire.CallResult, error) {
	desc, err := p.lookup(server)
	if err != nil {
		return nil, err
	}
	return p.client.CallTool(ctx, desc, tool, args)
}

// ListResources lists one upstream's resources.
func (p *Proxy) ListResources(ctx context.Context, server string) ([]mcpwire.ResourceDescriptor, error) {
	desc, err := p.lookup(server)
	if err != nil {
		return nil, err
	}
	return p.client.ListResources(ctx, desc)
}

// ReadResource reads one resource from one upstream.
func (p *Proxy) ReadResource(ctx context.Context, server, uri string) (*mcpwire.ResourceContents, error) {
	desc, err := p.lookup(server)
	if err != nil {
		return nil, err
	}
	return p.client.ReadResource(ctx, desc, uri)
}

// ListPrompts lists one upstream's prompts.
func (p *Proxy) ListPrompts(ctx context.Context, server string) ([]mcpwire.PromptDescriptor, error) {
	desc, err := p.lookup(server)
	if err != nil {
		return nil, err
	}
	return p.client.ListPrompts(ctx, desc)
}

// GetPrompt fetches one prompt from one upstream.
func (p *Proxy) GetPrompt(ctx context.Context, server, name string, args map[string]string) (*mcpwire.PromptResult, error) {
	desc, err := p.lookup(server)
	if err != nil {
		return nil, err
	}
	return p.client.GetPrompt(ctx, desc, name, args)
}

// ServerInfo reports one upstream's registry entry plus a liveness
// probe: a tools listing over a fresh session. Probe failures do not
// fail the call, they are reported in the payload.
func (p *Proxy) ServerInfo(ctx context.Context, server string) (*outbound.ServerInfo, error) {
	desc, err := p.Descriptor(server)
	if err != nil {
		return nil, err
	}
	info := &outbound.ServerInfo{
		Name:        desc.Name,
		URL:         desc.URL,
		Transport:   desc.Transport,
		Enabled:     desc.Enabled,
		Description: desc.Description,
		Tags:        desc.Tags,
	}
	if !desc.Enabled {
		return info, nil
	}
	tools, err := p.client.ListTools(ctx, desc)
	if err != nil {
		info.Error = err.Error()
		loggerFromContext(ctx).Warn("server info probe failed", "server", server, "error", err)
		return info, nil
	}
	info.Reachable = true
	info.ToolCount = len(tools)
	return info, nil
}
