package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/datacline/mcp-gateway/internal/domain/identity"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
	"github.com/datacline/mcp-gateway/internal/service"
	"github.com/datacline/mcp-gateway/pkg/mcpwire"
)

// maxRPCBody caps request bodies at 4 MiB.
const maxRPCBody = 4 << 20

// handleRPC is the MCP protocol endpoint. Replies are HTTP 200 with a
// JSON-RPC envelope, except that a missing or invalid bearer gets the
// 401 OAuth challenge with WWW-Authenticate. initialize and
// notifications bypass authentication so clients can bootstrap and
// discover the OAuth flow.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		writeJSON(w, http.StatusOK, mcpwire.NewError(nil, mcpwire.CodeParseError, "unreadable request body"))
		return
	}

	req, rpcErr := mcpwire.DecodeRequest(body)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, mcpwire.NewErrorResponse(nil, rpcErr))
		return
	}

	// Notifications are acknowledged and dropped. The gateway keeps no
	// client session state to update.
	if req.IsNotification() {
		LoggerFromContext(r.Context()).Debug("notification acknowledged", "method", req.Method)
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	if req.Method == "initialize" {
		writeJSON(w, http.StatusOK, mcpwire.NewResult(req.ID, s.initializeResult()))
		return
	}

	subject, aerr := s.authenticate(r)
	if aerr != nil {
		// No valid token: emit the OAuth challenge outside the
		// envelope so clients can enrol. Only authorization failures
		// after authentication stay inside the envelope.
		s.challenge(w, aerr)
		return
	}

	result, rpcErr := s.dispatch(r.Context(), subject, req)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, mcpwire.NewErrorResponse(req.ID, rpcErr))
		return
	}
	writeJSON(w, http.StatusOK, mcpwire.NewResult(req.ID, result))
}

// initializeResult advertises the virtual server. With authentication
// enabled the oauth block tells clients where to get a token.
func (s *Server) initializeResult() map[string]any {
	result := map[string]any{
		"protocolVersion": mcpwire.ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    mcpwire.ServerName,
			"version": Version,
		},
	}
	if s.settings.Auth.Enabled {
		result["oauth"] = s.oauthMetadataHints()
	}
	return result
}

// dispatch routes one authenticated JSON-RPC method.
func (s *Server) dispatch(ctx context.Context, subject *identity.Subject, req *mcpwire.Request) (any, *mcpwire.Error) {
	switch req.Method {
	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		tools, err := s.aggregator.ListTools(ctx, subject)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		if tools == nil {
			tools = []mcpwire.ToolDescriptor{}
		}
		return map[string]any{"tools": tools}, nil

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, &mcpwire.Error{Code: mcpwire.CodeInvalidParams, Message: "tools/call requires a name"}
		}
		result, err := s.aggregator.CallTool(ctx, subject, params.Name, params.Arguments)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		return result, nil

	case "resources/list":
		resources, err := s.aggregator.ListResources(ctx, subject)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		if resources == nil {
			resources = []mcpwire.ResourceDescriptor{}
		}
		return map[string]any{"resources": resources}, nil

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.URI == "" {
			return nil, &mcpwire.Error{Code: mcpwire.CodeInvalidParams, Message: "resources/read requires a uri"}
		}
		contents, err := s.aggregator.ReadResource(ctx, subject, params.URI)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		return contents, nil

	case "prompts/list":
		prompts, err := s.aggregator.ListPrompts(ctx, subject)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		if prompts == nil {
			prompts = []mcpwire.PromptDescriptor{}
		}
		return map[string]any{"prompts": prompts}, nil

	case "prompts/get":
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, &mcpwire.Error{Code: mcpwire.CodeInvalidParams, Message: "prompts/get requires a name"}
		}
		result, err := s.aggregator.GetPrompt(ctx, subject, params.Name, params.Arguments)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		return result, nil

	default:
		return nil, &mcpwire.Error{
			Code:    mcpwire.CodeMethodNotFound,
			Message: fmt.Sprintf("method %q is not supported", req.Method),
		}
	}
}

// toRPCError maps service errors onto JSON-RPC errors.
func (s *Server) toRPCError(err error) *mcpwire.Error {
	var denied *service.PolicyDenied
	if errors.As(err, &denied) {
		s.metrics.PolicyDenialsTotal.Inc()
		return &mcpwire.Error{
			Code:    mcpwire.CodeInternalError,
			Message: fmt.Sprintf("access denied: %s", denied.Reason),
			Data:    map[string]any{"reason": denied.Reason},
		}
	}
	if pe, ok := upstream.AsProxyError(err); ok {
		return &mcpwire.Error{
			Code:    mcpwire.CodeInternalError,
			Message: pe.Error(),
			Data:    map[string]any{"kind": string(pe.Kind), "server": pe.Server},
		}
	}
	if strings.Contains(err.Error(), "malformed") {
		return &mcpwire.Error{Code: mcpwire.CodeInvalidParams, Message: err.Error()}
	}
	return &mcpwire.Error{Code: mcpwire.CodeInternalError, Message: err.Error()}
}

func unmarshalParams(raw json.RawMessage, v any) *mcpwire.Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &mcpwire.Error{
			Code:    mcpwire.CodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		}
	}
	return nil
}
