package http

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/datacline/mcp-gateway/pkg/mcpwire"
)

// Version is the gateway build version, overridden at link time.
var Version = "dev"

// resourceMetadataURL is the absolute protected-resource metadata URL
// advertised in WWW-Authenticate challenges.
func (s *Server) resourceMetadataURL() string {
	base := strings.TrimRight(s.settings.Gateway.ResourceServerURL, "/")
	return base + "/.well-known/oauth-protected-resource"
}

// oauthMetadataHints summarises the OAuth endpoints for clients that
// cannot follow the discovery documents.
func (s *Server) oauthMetadataHints() map[string]any {
	auth := s.settings.Auth
	hints := map[string]any{
		"enabled":  auth.Enabled,
		"resource": s.settings.Gateway.ResourceServerURL,
	}
	if auth.Enabled && auth.KeycloakURL != "" {
		hints["issuer"] = auth.Issuer()
		hints["authorization_endpoint"] = auth.AuthorizeEndpoint()
		hints["token_endpoint"] = auth.TokenEndpoint()
		hints["jwks_uri"] = auth.JWKSEndpoint()
		hints["scopes_supported"] = auth.RequiredScopes
	}
	return hints
}

// handleGatewayDiscovery answers GET /mcp with a human-oriented
// description of the gateway and its endpoints.
func (s *Server) handleGatewayDiscovery(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(s.settings.Gateway.ResourceServerURL, "/")
	doc := map[string]any{
		"name":             mcpwire.ServerName,
		"version":          Version,
		"protocol_version": mcpwire.ProtocolVersion,
		"mcp_endpoint":     base + "/mcp",
		"transport":        "streamable_http",
		"endpoints": map[string]any{
			"tools":            base + "/tools",
			"servers":          base + "/mcp/servers",
			"invoke_broadcast": base + "/mcp/invoke-broadcast",
			"health":           base + "/health",
			"metrics":          base + "/metrics",
		},
	}
	if s.settings.Auth.Enabled {
		doc["oauth"] = s.oauthMetadataHints()
		doc["resource_metadata"] = s.resourceMetadataURL()
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleProtectedResourceMetadata implements RFC 9728 for this
// resource server.
func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	auth := s.settings.Auth
	doc := map[string]any{
		"resource":                              s.settings.Gateway.ResourceServerURL,
		"bearer_methods_supported":              []string{"header"},
		"resource_signing_alg_values_supported": []string{auth.JWTAlgorithm},
		"resource_capabilities":                 []string{"mcp-protocol"},
		"mcp_version":                           mcpwire.ProtocolVersion,
		"public_clients_supported":              true,
		"authorization_code_flow_supported":     true,
	}
	if auth.KeycloakURL != "" {
		doc["authorization_servers"] = []string{auth.Issuer()}
	}
	if len(auth.RequiredScopes) > 0 {
		doc["scopes_supported"] = auth.RequiredScopes
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleAuthorizationServerMetadata republishes the provider's
// authorization server metadata under this host, so clients that only
// know the gateway can complete the OAuth flow.
func (s *Server) handleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	auth := s.settings.Auth
	if auth.KeycloakURL == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no authorization server configured"})
		return
	}
	base := strings.TrimRight(s.settings.Gateway.ResourceServerURL, "/")
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                auth.Issuer(),
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              auth.JWKSEndpoint(),
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	})
}

// handleOpenIDConfiguration proxies the provider's discovery document.
func (s *Server) handleOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	endpoint := s.settings.Auth.OpenIDConfigurationEndpoint()
	if endpoint == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no authorization server configured"})
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, endpoint, nil)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "authorization server unreachable: " + err.Error()})
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleAuthorize redirects the browser to the provider's
// authorization endpoint, preserving the query string.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	auth := s.settings.Auth
	if auth.KeycloakURL == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no authorization server configured"})
		return
	}
	target, err := url.Parse(auth.AuthorizeEndpoint())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	target.RawQuery = r.URL.RawQuery
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleTokenProxy forwards token requests to the provider, keeping
// single-host clients working without CORS exceptions.
func (s *Server) handleTokenProxy(w http.ResponseWriter, r *http.Request) {
	auth := s.settings.Auth
	if auth.KeycloakURL == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no authorization server configured"})
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, auth.TokenEndpoint(), r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	if authz := r.Header.Get("Authorization"); authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "authorization server unreachable: " + err.Error()})
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
