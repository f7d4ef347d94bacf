// Package config provides the gateway's configuration schema and
// loading. Configuration comes from an optional YAML file plus flat
// environment variables (HOST, PORT, KEYCLOAK_URL, ...), env winning
// over file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Settings is the top-level gateway configuration.
type Settings struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Auth configures token verification. When disabled every request
	// runs as the anonymous subject.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Gateway configures the proxy and aggregation behaviour.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Audit configures where audit events are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the bind address. Default: "0.0.0.0".
	Host string `yaml:"host" mapstructure:"host" validate:"required"`
	// Port is the listen port. Default: 8000.
	Port int `yaml:"port" mapstructure:"port" validate:"gte=1,lte=65535"`
	// LogLevel is one of debug, info, warn, error. Default: "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig configures bearer token verification against an OAuth2
// provider. JWKS verification is used for JWTs; opaque tokens fall
// back to RFC 7662 introspection when an endpoint is configured.
type AuthConfig struct {
	// Enabled turns authentication on. Default: true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// KeycloakURL is the provider base URL (e.g. "http://keycloak:8080").
	KeycloakURL string `yaml:"keycloak_url" mapstructure:"keycloak_url" validate:"omitempty,url"`
	// KeycloakRealm is the realm name. Default: "mcp".
	KeycloakRealm string `yaml:"keycloak_realm" mapstructure:"keycloak_realm"`
	// KeycloakPublicURL is the provider base URL as clients see it
	// (e.g. "http://localhost:8080" when KeycloakURL is a Docker
	// hostname). Tokens minted under either issuer form are accepted.
	KeycloakPublicURL string `yaml:"keycloak_public_url" mapstructure:"keycloak_public_url" validate:"omitempty,url"`
	// JWKSURL overrides the derived JWKS endpoint.
	JWKSURL string `yaml:"jwks_url" mapstructure:"jwks_url" validate:"omitempty,url"`
	// JWTAlgorithm is the accepted signing algorithm. Default: "RS256".
	JWTAlgorithm string `yaml:"jwt_algorithm" mapstructure:"jwt_algorithm" validate:"omitempty,oneof=RS256 RS384 RS512 ES256 ES384 ES512"`
	// JWTAudience is the required aud claim. Empty skips the check.
	JWTAudience string `yaml:"jwt_audience" mapstructure:"jwt_audience"`
	// TokenCacheTTL bounds how long verification results are cached
	// (e.g. "300s"). A token's own expiry always wins when shorter.
	TokenCacheTTL string `yaml:"token_cache_ttl" mapstructure:"token_cache_ttl" validate:"omitempty,duration"`
	// IntrospectionClientID authenticates the gateway to the
	// introspection endpoint.
	IntrospectionClientID string `yaml:"introspection_client_id" mapstructure:"introspection_client_id"`
	// IntrospectionClientSecret is the matching client secret.
	IntrospectionClientSecret string `yaml:"introspection_client_secret" mapstructure:"introspection_client_secret"`
	// RequiredScopes lists scopes every verified token must carry.
	RequiredScopes []string `yaml:"required_scopes" mapstructure:"required_scopes"`
}

// Issuer returns the expected iss claim for realm tokens.
func (c AuthConfig) Issuer() string {
	return fmt.Sprintf("%s/realms/%s", strings.TrimRight(c.KeycloakURL, "/"), c.KeycloakRealm)
}

// ExternalIssuer returns the iss claim clients see when the provider
// is published under a different hostname, or empty when it is not.
func (c AuthConfig) ExternalIssuer() string {
	if c.KeycloakPublicURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/realms/%s", strings.TrimRight(c.KeycloakPublicURL, "/"), c.KeycloakRealm)
}

// JWKSEndpoint returns the configured JWKS URL, or the one derived
// from the provider base URL and realm.
func (c AuthConfig) JWKSEndpoint() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	if c.KeycloakURL == "" {
		return ""
	}
	return c.Issuer() + "/protocol/openid-connect/certs"
}

// AuthorizeEndpoint returns the provider's authorization endpoint.
func (c AuthConfig) AuthorizeEndpoint() string {
	return c.Issuer() + "/protocol/openid-connect/auth"
}

// TokenEndpoint returns the provider's token endpoint.
func (c AuthConfig) TokenEndpoint() string {
	return c.Issuer() + "/protocol/openid-connect/token"
}

// IntrospectionEndpoint returns the provider's RFC 7662 endpoint, or
// empty when no provider is configured.
func (c AuthConfig) IntrospectionEndpoint() string {
	if c.KeycloakURL == "" {
		return ""
	}
	return c.Issuer() + "/protocol/openid-connect/token/introspect"
}

// OpenIDConfigurationEndpoint returns the provider's discovery document URL.
func (c AuthConfig) OpenIDConfigurationEndpoint() string {
	if c.KeycloakURL == "" {
		return ""
	}
	return c.Issuer() + "/.well-known/openid-configuration"
}

// CacheTTL parses TokenCacheTTL, defaulting to 5 minutes.
func (c AuthConfig) CacheTTL() time.Duration {
	if d, err := time.ParseDuration(c.TokenCacheTTL); err == nil && d > 0 {
		return d
	}
	return 5 * time.Minute
}

// GatewayConfig configures proxying and aggregation.
type GatewayConfig struct {
	// ServersFile is the upstream registry path. Default: "mcp_servers.yaml".
	ServersFile string `yaml:"servers_file" mapstructure:"servers_file" validate:"required"`
	// PolicyFile is the access policy document path. Default: "policies.yaml".
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file" validate:"required"`
	// ResourceServerURL is this gateway's public base URL, advertised
	// in OAuth protected-resource metadata and 401 challenges.
	ResourceServerURL string `yaml:"resource_server_url" mapstructure:"resource_server_url" validate:"omitempty,url"`
	// ProxyTimeout bounds each upstream operation, overridable per
	// server in the registry (e.g. "30s"). Default: "30s".
	ProxyTimeout string `yaml:"proxy_timeout" mapstructure:"proxy_timeout" validate:"omitempty,duration"`
}

// Timeout parses ProxyTimeout, defaulting to 30 seconds.
func (c GatewayConfig) Timeout() time.Duration {
	if d, err := time.ParseDuration(c.ProxyTimeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// AuditConfig configures the audit sinks. The JSONL file is the
// primary record; stdout and SQLite are optional mirrors.
type AuditConfig struct {
	// LogFile is the JSONL audit path. Default: "logs/audit.jsonl".
	LogFile string `yaml:"log_file" mapstructure:"log_file" validate:"required"`
	// ToStdout mirrors events to stdout. Default: false.
	ToStdout bool `yaml:"to_stdout" mapstructure:"to_stdout"`
	// DBFile is the optional SQLite mirror path. Empty disables it.
	DBFile string `yaml:"db_file" mapstructure:"db_file"`
	// MaxFileSizeMB rotates the JSONL file past this size. Default: 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"gte=0"`
}

// SetDefaults applies default values for unset optional fields.
func (s *Settings) SetDefaults() {
	if s.Server.Host == "" {
		s.Server.Host = "0.0.0.0"
	}
	if s.Server.Port == 0 {
		s.Server.Port = 8000
	}
	if s.Server.LogLevel == "" {
		s.Server.LogLevel = "info"
	}
	if s.Auth.KeycloakRealm == "" {
		s.Auth.KeycloakRealm = "mcp"
	}
	if s.Auth.JWTAlgorithm == "" {
		s.Auth.JWTAlgorithm = "RS256"
	}
	if s.Auth.TokenCacheTTL == "" {
		s.Auth.TokenCacheTTL = "300s"
	}
	if s.Gateway.ServersFile == "" {
		s.Gateway.ServersFile = "mcp_servers.yaml"
	}
	if s.Gateway.PolicyFile == "" {
		s.Gateway.PolicyFile = "policies.yaml"
	}
	if s.Gateway.ProxyTimeout == "" {
		s.Gateway.ProxyTimeout = "30s"
	}
	if s.Gateway.ResourceServerURL == "" {
		s.Gateway.ResourceServerURL = fmt.Sprintf("http://localhost:%d", s.Server.Port)
	}
	if s.Audit.LogFile == "" {
		s.Audit.LogFile = "logs/audit.jsonl"
	}
	if s.Audit.MaxFileSizeMB == 0 {
		s.Audit.MaxFileSizeMB = 100
	}
}
