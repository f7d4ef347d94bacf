// Package mcpclient implements the upstream client port on the official
// MCP Go SDK. Every operation runs in its own session: open transport,
// initialize, perform the call, close.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/datacline/mcp-gateway/internal/adapter/outbound/credential"
	"github.com/datacline/mcp-gateway/internal/ctxkey"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
	"github.com/datacline/mcp-gateway/internal/port/outbound"
	"github.com/datacline/mcp-gateway/pkg/mcpwire"
)

// clientSession is the slice of mcp.ClientSession the proxy uses.
// Narrowing the type lets tests substitute a fake session.
type clientSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context, params *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context, params *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error)
	Close() error
}

// connect is swapped by tests to avoid real network sessions.
var connect = func(ctx context.Context, client *mcp.Client, transport mcp.Transport) (clientSession, error) {
	return client.Connect(ctx, transport, nil)
}

// Config holds client construction parameters.
type Config struct {
	// ClientName and ClientVersion identify the gateway to upstreams.
	ClientName    string
	ClientVersion string
	// DefaultTimeout bounds sessions for upstreams without their own.
	DefaultTimeout time.Duration
}

// Client implements outbound.UpstreamClient.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	resolver *credential.Resolver
	base     http.RoundTripper
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBaseTransport overrides the HTTP transport used for upstreams.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

// New creates an upstream client.
func New(cfg Config, resolver *credential.Resolver, opts ...Option) *Client {
	if cfg.ClientName == "" {
		cfg.ClientName = mcpwire.ServerName
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	c := &Client{
		cfg:      cfg,
		logger:   slog.Default(),
		resolver: resolver,
		base: &http.Transport{
			MaxConnsPerHost:     16,
			MaxIdleConnsPerHost: 8,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// log returns the request-scoped logger when the inbound layer put one
// on the context, so session logs carry the request ID and subject.
func (c *Client) log(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return c.logger
}

// withSession resolves credentials, opens a session bounded by the
// upstream's timeout, runs fn, and tears the session down.
func (c *Client) withSession(ctx context.Context, desc *upstream.Descriptor, fn func(context.Context, clientSession) error) error {
	cred, err := c.resolver.Resolve(desc.Auth)
	if err != nil {
		return upstream.NewProxyError(upstream.KindCredentialUnresolved, desc.Name, err.Error(), err)
	}

	endpoint, rt, err := applyAuth(desc.URL, desc.Auth, cred, c.base)
	if err != nil {
		return upstream.NewProxyError(upstream.KindUpstreamError, desc.Name, "build endpoint: "+err.Error(), err)
	}
	httpClient := &http.Client{Transport: rt}

	var transport mcp.Transport
	switch desc.Transport {
	case upstream.TransportSSE:
		transport = &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	default:
		transport = &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}
	}

	sessionCtx, cancel := context.WithTimeout(ctx, desc.Timeout(c.cfg.DefaultTimeout))
	defer cancel()

	c.log(ctx).Debug("upstream session open", "server", desc.Name)

	client := mcp.NewClient(&mcp.Implementation{Name: c.cfg.ClientName, Version: c.cfg.ClientVersion}, nil)
	session, err := connect(sessionCtx, client, transport)
	if err != nil {
		return c.classify(ctx, desc.Name, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			c.log(ctx).Debug("upstream session close failed", "server", desc.Name, "error", err)
		}
	}()

	if err := fn(sessionCtx, session); err != nil {
		return c.classify(ctx, desc.Name, err)
	}
	return nil
}

// classify maps a raw session error onto the proxy error taxonomy.
func (c *Client) classify(ctx context.Context, server string, err error) error {
	if pe, ok := upstream.AsProxyError(err); ok {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return upstream.NewProxyError(upstream.KindCancelled, server, "client cancelled the request", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return upstream.NewProxyError(upstream.KindTimeout, server, "upstream session exceeded its timeout", err)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &netErr):
		c.log(ctx).Warn("upstream transport broke mid-session; the server may have crashed",
			"server", server, "error", err)
		return upstream.NewProxyError(upstream.KindTransportBroken, server,
			"stream closed before response (upstream may have crashed): "+err.Error(), err)
	}

	return upstream.NewProxyError(upstream.KindUpstreamError, server, err.Error(), err)
}

// ListTools implements outbound.UpstreamClient.
func (c *Client) ListTools(ctx context.Context, desc *upstream.Descriptor) ([]mcpwire.ToolDescriptor, error) {
	var out []mcpwire.ToolDescriptor
	err := c.withSession(ctx, desc, func(ctx context.Context, s clientSession) error {
		result, err := s.ListTools(ctx, &mcp.ListToolsParams{})
		if err != nil {
			return err
		}
		out = make([]mcpwire.ToolDescriptor, 0, len(result.Tools))
		for _, tool := range result.Tools {
			out = append(out, toolDescriptor(tool))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CallTool implements outbound.UpstreamClient.
func (c *Client) CallTool(ctx context.Context, desc *upstream.Descriptor, tool string, args map[string]any) (*mcpwire.CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var out *mcpwire.CallResult
	err := c.withSession(ctx, desc, func(ctx context.Context, s clientSession) error {
		result, err := s.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
		if err != nil {
			return err
		}
		out = &mcpwire.CallResult{
			Content: contentParts(result.Content),
			IsError: result.IsError,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListResources implements outbound.UpstreamClient.
func (c *Client) ListResources(ctx context.Context, desc *upstream.Descriptor) ([]mcpwire.ResourceDescriptor, error) {
	var out []mcpwire.ResourceDescriptor
	err := c.withSession(ctx, desc, func(ctx context.Context, s clientSession) error {
		result, err := s.ListResources(ctx, &mcp.ListResourcesParams{})
		if err != nil {
			return err
		}
		out = make([]mcpwire.ResourceDescriptor, 0, len(result.Resources))
		for _, res := range result.Resources {
			out = append(out, mcpwire.ResourceDescriptor{
				URI:         res.URI,
				Name:        res.Name,
				Description: res.Description,
				MIMEType:    res.MIMEType,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadResource implements outbound.UpstreamClient.
func (c *Client) ReadResource(ctx context.Context, desc *upstream.Descriptor, uri string) (*mcpwire.ResourceContents, error) {
	var out *mcpwire.ResourceContents
	err := c.withSession(ctx, desc, func(ctx context.Context, s clientSession) error {
		result, err := s.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
		if err != nil {
			return err
		}
		out = &mcpwire.ResourceContents{}
		for _, contents := range result.Contents {
			out.Contents = append(out.Contents, mcpwire.EmbeddedResource{
				URI:      contents.URI,
				MIMEType: contents.MIMEType,
				Text:     string(contents.Text),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPrompts implements outbound.UpstreamClient.
func (c *Client) ListPrompts(ctx context.Context, desc *upstream.Descriptor) ([]mcpwire.PromptDescriptor, error) {
	var out []mcpwire.PromptDescriptor
	err := c.withSession(ctx, desc, func(ctx context.Context, s clientSession) error {
		result, err := s.ListPrompts(ctx, &mcp.ListPromptsParams{})
		if err != nil {
			return err
		}
		out = make([]mcpwire.PromptDescriptor, 0, len(result.Prompts))
		for _, prompt := range result.Prompts {
			pd := mcpwire.PromptDescriptor{Name: prompt.Name, Description: prompt.Description}
			for _, arg := range prompt.Arguments {
				pd.Arguments = append(pd.Arguments, mcpwire.PromptArgument{
					Name:        arg.Name,
					Description: arg.Description,
					Required:    arg.Required,
				})
			}
			out = append(out, pd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetPrompt implements outbound.UpstreamClient.
func (c *Client) GetPrompt(ctx context.Context, desc *upstream.Descriptor, name string, args map[string]string) (*mcpwire.PromptResult, error) {
	var out *mcpwire.PromptResult
	err := c.withSession(ctx, desc, func(ctx context.Context, s clientSession) error {
		result, err := s.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
		if err != nil {
			return err
		}
		out = &mcpwire.PromptResult{Description: result.Description}
		for _, msg := range result.Messages {
			parts := contentParts([]mcp.Content{msg.Content})
			part := mcpwire.TextPart("")
			if len(parts) > 0 {
				part = parts[0]
			}
			out.Messages = append(out.Messages, mcpwire.PromptMessage{
				Role:    string(msg.Role),
				Content: part,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// toolDescriptor converts an SDK tool, carrying the input schema through
// as raw JSON so upstream schemas are never normalised.
func toolDescriptor(tool *mcp.Tool) mcpwire.ToolDescriptor {
	td := mcpwire.ToolDescriptor{Name: tool.Name, Description: tool.Description}
	if tool.InputSchema != nil {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			td.InputSchema = raw
		}
	}
	return td
}

// contentParts converts SDK content to wire parts. Unknown content kinds
// degrade to a JSON text part rather than being dropped.
func contentParts(content []mcp.Content) []mcpwire.ContentPart {
	out := make([]mcpwire.ContentPart, 0, len(content))
	for _, item := range content {
		switch c := item.(type) {
		case *mcp.TextContent:
			out = append(out, mcpwire.TextPart(c.Text))
		case *mcp.EmbeddedResource:
			part := mcpwire.ContentPart{Type: "resource"}
			if c.Resource != nil {
				part.Resource = &mcpwire.EmbeddedResource{
					URI:      c.Resource.URI,
					MIMEType: c.Resource.MIMEType,
					Text:     string(c.Resource.Text),
				}
			}
			out = append(out, part)
		default:
			if raw, err := json.Marshal(item); err == nil {
				out = append(out, mcpwire.TextPart(string(raw)))
			} else {
				out = append(out, mcpwire.TextPart(fmt.Sprintf("%v", item)))
			}
		}
	}
	return out
}

var _ outbound.UpstreamClient = (*Client)(nil)
