package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty the standard
// locations are searched for gateway.yaml/.yml; env-only operation is
// supported when none exists.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError, which callers tolerate.
		viper.SetConfigName("gateway")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindEnvKeys()
}

// findConfigFile searches standard locations for a gateway config
// file with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcp-gateway"),
		"/etc/mcp-gateway",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "gateway"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindEnvKeys maps the flat deployment environment variables onto the
// nested config keys. Example: KEYCLOAK_URL overrides auth.keycloak_url.
func bindEnvKeys() {
	_ = viper.BindEnv("server.host", "HOST")
	_ = viper.BindEnv("server.port", "PORT")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")

	_ = viper.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = viper.BindEnv("auth.keycloak_url", "KEYCLOAK_URL")
	_ = viper.BindEnv("auth.keycloak_realm", "KEYCLOAK_REALM")
	_ = viper.BindEnv("auth.keycloak_public_url", "KEYCLOAK_PUBLIC_URL")
	_ = viper.BindEnv("auth.jwks_url", "JWKS_URL")
	_ = viper.BindEnv("auth.jwt_algorithm", "JWT_ALGORITHM")
	_ = viper.BindEnv("auth.jwt_audience", "JWT_AUDIENCE")
	_ = viper.BindEnv("auth.token_cache_ttl", "TOKEN_CACHE_TTL")
	_ = viper.BindEnv("auth.introspection_client_id", "INTROSPECTION_CLIENT_ID")
	_ = viper.BindEnv("auth.introspection_client_secret", "INTROSPECTION_CLIENT_SECRET")
	// MCP_REQUIRED_SCOPES is comma or space separated.
	_ = viper.BindEnv("auth.required_scopes", "MCP_REQUIRED_SCOPES")

	_ = viper.BindEnv("gateway.servers_file", "MCP_SERVERS_FILE")
	_ = viper.BindEnv("gateway.policy_file", "POLICY_FILE")
	_ = viper.BindEnv("gateway.resource_server_url", "MCP_RESOURCE_SERVER_URL")
	_ = viper.BindEnv("gateway.proxy_timeout", "PROXY_TIMEOUT")

	_ = viper.BindEnv("audit.log_file", "AUDIT_LOG_FILE")
	_ = viper.BindEnv("audit.to_stdout", "AUDIT_TO_STDOUT")
	_ = viper.BindEnv("audit.db_file", "AUDIT_DB_FILE")
}

// Load reads the configuration file, applies environment overrides
// and defaults, and validates the result.
func Load() (*Settings, error) {
	viper.SetDefault("auth.enabled", true)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: environment variables alone are enough.
	}

	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	s.Auth.RequiredScopes = splitScopes(s.Auth.RequiredScopes)
	s.SetDefaults()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &s, nil
}

// splitScopes re-splits scope entries that arrived as one comma or
// space separated env value.
func splitScopes(scopes []string) []string {
	var out []string
	for _, entry := range scopes {
		for _, scope := range strings.FieldsFunc(entry, func(r rune) bool {
			return r == ',' || r == ' '
		}) {
			if scope = strings.TrimSpace(scope); scope != "" {
				out = append(out, scope)
			}
		}
	}
	return out
}
