// Package outbound defines the ports implemented by outbound adapters.
package outbound

import (
	"context"

	"github.com/datacline/mcp-gateway/internal/domain/upstream"
	"github.com/datacline/mcp-gateway/pkg/mcpwire"
)

// ServerInfo is the normalised payload of an upstream info query.
type ServerInfo struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Transport   upstream.Transport `json:"transport"`
	Enabled     bool              `json:"enabled"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	ToolCount   int               `json:"tool_count"`
	Reachable   bool              `json:"reachable"`
	Error       string            `json:"error,omitempty"`
}

// UpstreamClient carries single operations to one upstream MCP server.
// Each call opens a fresh session (connect, initialize, op, close) so
// requests cannot interfere with each other. Failures surface as
// *upstream.ProxyError.
type UpstreamClient interface {
	ListTools(ctx context.Context, desc *upstream.Descriptor) ([]mcpwire.ToolDescriptor, error)
	CallTool(ctx context.Context, desc *upstream.Descriptor, tool string, args map[string]any) (*mcpwire.CallResult, error)
	ListResources(ctx context.Context, desc *upstream.Descriptor) ([]mcpwire.ResourceDescriptor, error)
	ReadResource(ctx context.Context, desc *upstream.Descriptor, uri string) (*mcpwire.ResourceContents, error)
	ListPrompts(ctx context.Context, desc *upstream.Descriptor) ([]mcpwire.PromptDescriptor, error)
	GetPrompt(ctx context.Context, desc *upstream.Descriptor, name string, args map[string]string) (*mcpwire.PromptResult, error)
}
