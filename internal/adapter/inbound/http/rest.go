package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/datacline/mcp-gateway/internal/domain/identity"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
	"github.com/datacline/mcp-gateway/internal/service"
)

// restError maps a service error to an HTTP status and JSON body.
func (s *Server) restError(w http.ResponseWriter, err error) {
	var denied *service.PolicyDenied
	if errors.As(err, &denied) {
		s.metrics.PolicyDenialsTotal.Inc()
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "access denied", "reason": denied.Reason})
		return
	}
	if pe, ok := upstream.AsProxyError(err); ok {
		status := http.StatusBadGateway
		switch pe.Kind {
		case upstream.KindNotConfigured:
			status = http.StatusNotFound
		case upstream.KindDisabled, upstream.KindNoTargets:
			status = http.StatusConflict
		case upstream.KindTimeout:
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, map[string]any{"error": pe.Error(), "kind": string(pe.Kind), "server": pe.Server})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
}

// handleListTools is GET /tools: the aggregated virtual tool list.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request, subject *identity.Subject) {
	tools, err := s.aggregator.ListTools(r.Context(), subject)
	if err != nil {
		s.restError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools, "count": len(tools)})
}

// handleInvokeTool is POST /tools/{name}/invoke with a JSON arguments
// body. The name is a virtual tool name, broadcast names included.
func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request, subject *identity.Subject) {
	name := r.PathValue("name")
	args, ok := decodeArgs(w, r)
	if !ok {
		return
	}
	result, err := s.aggregator.CallTool(r.Context(), subject, name, args)
	if err != nil {
		s.restError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListServers is GET /mcp/servers: every registry entry.
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request, _ *identity.Subject) {
	snap := s.proxy.Registry().Snapshot()
	type entry struct {
		Name        string   `json:"name"`
		URL         string   `json:"url"`
		Transport   string   `json:"transport"`
		Enabled     bool     `json:"enabled"`
		Description string   `json:"description,omitempty"`
		Tags        []string `json:"tags,omitempty"`
	}
	var servers []entry
	for _, desc := range snap.All() {
		servers = append(servers, entry{
			Name:        desc.Name,
			URL:         desc.URL,
			Transport:   string(desc.Transport),
			Enabled:     desc.Enabled,
			Description: desc.Description,
			Tags:        desc.Tags,
		})
	}
	if servers == nil {
		servers = []entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers, "count": len(servers)})
}

// handleServerInfo is GET /mcp/server/{name}/info: registry entry plus
// a liveness probe.
func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request, _ *identity.Subject) {
	info, err := s.proxy.ServerInfo(r.Context(), r.PathValue("name"))
	if err != nil {
		s.restError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleRegisterServer is POST /mcp/register: add or replace an
// upstream entry. The change persists to the registry file.
func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request, subject *identity.Subject) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	var desc upstream.Descriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}

	if err := s.proxy.Registry().Register(&desc); err != nil {
		if errors.Is(err, upstream.ErrAlreadyExists) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	LoggerFromContext(r.Context()).Info("upstream registered",
		"server", desc.Name, "subject", subject.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"registered": desc.Name})
}

// handleInvokeBroadcast is POST /mcp/invoke-broadcast: fan a tool call
// out across upstreams and return the joined result document.
func (s *Server) handleInvokeBroadcast(w http.ResponseWriter, r *http.Request, subject *identity.Subject) {
	var payload struct {
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
		Servers   []string       `json:"servers"`
		Tags      []string       `json:"tags"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return
	}
	if payload.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tool is required"})
		return
	}

	result, err := s.aggregator.Broadcast(r.Context(), subject, payload.Tool, payload.Servers, payload.Tags, payload.Arguments)
	if err != nil {
		s.restError(w, err)
		return
	}
	s.metrics.BroadcastChildren.Observe(float64(len(payload.Servers)))
	writeJSON(w, http.StatusOK, result)
}

// handleHealth is the liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.proxy.Registry().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         Version,
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"servers":         snap.Len(),
		"servers_enabled": len(snap.Enabled()),
	})
}

// handleConfigSummary is GET /config: the effective non-secret
// configuration for operators.
func (s *Server) handleConfigSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"addr":      s.settings.Server.Addr(),
			"log_level": s.settings.Server.LogLevel,
		},
		"auth": map[string]any{
			"enabled":         s.settings.Auth.Enabled,
			"issuer":          s.settings.Auth.Issuer(),
			"jwt_algorithm":   s.settings.Auth.JWTAlgorithm,
			"required_scopes": s.settings.Auth.RequiredScopes,
			"token_cache_ttl": s.settings.Auth.TokenCacheTTL,
		},
		"gateway": map[string]any{
			"servers_file":        s.settings.Gateway.ServersFile,
			"policy_file":         s.settings.Gateway.PolicyFile,
			"resource_server_url": s.settings.Gateway.ResourceServerURL,
			"proxy_timeout":       s.settings.Gateway.ProxyTimeout,
		},
		"audit": map[string]any{
			"log_file":  s.settings.Audit.LogFile,
			"to_stdout": s.settings.Audit.ToStdout,
			"db_file":   s.settings.Audit.DBFile,
		},
	})
}

// decodeArgs parses an optional JSON object body into tool arguments.
func decodeArgs(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return nil, false
	}
	if len(body) == 0 {
		return map[string]any{}, true
	}
	var args map[string]any
	if err := json.Unmarshal(body, &args); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON: " + err.Error()})
		return nil, false
	}
	return args, true
}
