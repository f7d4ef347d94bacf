// Package upstream contains domain types for the gateway's registry of
// upstream MCP servers.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Transport identifies the wire protocol used to reach an upstream.
type Transport string

const (
	// TransportStreamableHTTP is the MCP streamable HTTP transport.
	TransportStreamableHTTP Transport = "streamable_http"
	// TransportSSE is the legacy HTTP+SSE transport.
	TransportSSE Transport = "sse"
)

// AuthMethod names the credential scheme applied to upstream requests.
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthAPIKey AuthMethod = "api_key"
	AuthBearer AuthMethod = "bearer"
	AuthBasic  AuthMethod = "basic"
	AuthOAuth2 AuthMethod = "oauth2"
	AuthCustom AuthMethod = "custom"
)

// AuthLocation says where the formatted credential is placed.
type AuthLocation string

const (
	LocationHeader AuthLocation = "header"
	LocationQuery  AuthLocation = "query"
	LocationBody   AuthLocation = "body"
)

// AuthFormat selects how the raw credential is turned into the final value.
type AuthFormat string

const (
	// FormatRaw sends the credential unchanged.
	FormatRaw AuthFormat = "raw"
	// FormatPrefix prepends Prefix to the credential.
	FormatPrefix AuthFormat = "prefix"
	// FormatTemplate substitutes the credential into Template at "{credential}".
	FormatTemplate AuthFormat = "template"
)

// AuthSpec describes how to authenticate against one upstream.
// At most one of CredentialRef and CredentialValue is set; inline values
// are accepted but flagged at validation time.
type AuthSpec struct {
	Method   AuthMethod   `yaml:"method" json:"method"`
	Location AuthLocation `yaml:"location,omitempty" json:"location,omitempty"`
	// Name is the header, query parameter, or body field the credential
	// is written to.
	Name     string     `yaml:"name,omitempty" json:"name,omitempty"`
	Format   AuthFormat `yaml:"format,omitempty" json:"format,omitempty"`
	Prefix   string     `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Template string     `yaml:"template,omitempty" json:"template,omitempty"`
	// CredentialRef is a resolver URI: env://VAR, file:///path, vault://path.
	CredentialRef string `yaml:"credential_ref,omitempty" json:"credential_ref,omitempty"`
	// CredentialValue is an inline secret. Discouraged; prefer CredentialRef.
	CredentialValue string `yaml:"credential_value,omitempty" json:"credential_value,omitempty"`
}

// Validate checks the auth spec's internal consistency.
func (a *AuthSpec) Validate() error {
	switch a.Method {
	case AuthNone, AuthAPIKey, AuthBearer, AuthBasic, AuthOAuth2, AuthCustom:
	case "":
		return fmt.Errorf("auth method is required")
	default:
		return fmt.Errorf("unknown auth method %q", a.Method)
	}
	if a.Method == AuthNone {
		return nil
	}
	switch a.Location {
	case LocationHeader, LocationQuery, LocationBody, "":
	default:
		return fmt.Errorf("unknown auth location %q", a.Location)
	}
	switch a.Format {
	case FormatRaw, FormatPrefix, "":
	case FormatTemplate:
		if !strings.Contains(a.Template, "{credential}") {
			return fmt.Errorf("template format requires a template containing {credential}")
		}
	default:
		return fmt.Errorf("unknown auth format %q", a.Format)
	}
	if a.CredentialRef != "" && a.CredentialValue != "" {
		return fmt.Errorf("credential_ref and credential_value are mutually exclusive")
	}
	return nil
}

// ParamName returns the parameter name for the credential, defaulting to
// Authorization for header placement and api_key otherwise.
func (a *AuthSpec) ParamName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Location == LocationHeader || a.Location == "" {
		return "Authorization"
	}
	return "api_key"
}

// namePattern restricts server names so the tool namespace stays
// parseable after the name is joined to a tool with a double underscore.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const nameMaxLength = 100

// Descriptor is one configured upstream MCP server.
type Descriptor struct {
	Name        string    `yaml:"-" json:"name"`
	URL         string    `yaml:"url" json:"url"`
	Transport   Transport `yaml:"type,omitempty" json:"type,omitempty"`
	Enabled     bool      `yaml:"enabled" json:"enabled"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	// TimeoutSeconds bounds a whole upstream session including connect.
	// Zero means the gateway default applies.
	TimeoutSeconds float64  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Tags           []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Tools lists the tool names this upstream declares, or ["*"] for
	// "answers any tool". Drives broadcast target selection.
	Tools    []string          `yaml:"tools,omitempty" json:"tools,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Auth     *AuthSpec         `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// Timeout returns the session timeout, falling back to def.
func (d *Descriptor) Timeout(def time.Duration) time.Duration {
	if d.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(d.TimeoutSeconds * float64(time.Second))
}

// HasTag reports whether the descriptor carries the given tag.
func (d *Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// DeclaresTool reports whether the upstream declares the tool by name or
// via the "*" wildcard.
func (d *Descriptor) DeclaresTool(tool string) bool {
	for _, t := range d.Tools {
		if t == tool || t == "*" {
			return true
		}
	}
	return false
}

// Validate checks that the descriptor can be served. warn, when non-nil,
// receives non-fatal findings such as inline credential values.
func (d *Descriptor) Validate(warn func(string)) error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(d.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if strings.Contains(d.Name, "__") {
		return fmt.Errorf("name must not contain %q", "__")
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, hyphens, underscores)")
	}
	switch d.Transport {
	case TransportStreamableHTTP, TransportSSE:
	case "":
		return fmt.Errorf("type must be %q or %q", TransportStreamableHTTP, TransportSSE)
	default:
		return fmt.Errorf("unknown transport type %q", d.Transport)
	}
	if d.URL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(d.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url is not a valid URL")
	}
	if d.Auth != nil {
		if err := d.Auth.Validate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if d.Auth.CredentialValue != "" && warn != nil {
			warn(fmt.Sprintf("upstream %q carries an inline credential value; prefer credential_ref", d.Name))
		}
	}
	return nil
}
