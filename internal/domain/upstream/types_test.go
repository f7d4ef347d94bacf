package upstream

import (
	"strings"
	"testing"
	"time"
)

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr string
	}{
		{
			name: "valid http upstream",
			desc: Descriptor{Name: "weather", URL: "http://localhost:9001/mcp", Transport: TransportStreamableHTTP},
		},
		{
			name: "valid sse upstream",
			desc: Descriptor{Name: "files", URL: "https://files.internal/sse", Transport: TransportSSE},
		},
		{
			name:    "missing name",
			desc:    Descriptor{URL: "http://x/mcp", Transport: TransportStreamableHTTP},
			wantErr: "name is required",
		},
		{
			name:    "double underscore in name",
			desc:    Descriptor{Name: "a__b", URL: "http://x/mcp", Transport: TransportStreamableHTTP},
			wantErr: "must not contain",
		},
		{
			name:    "bad characters",
			desc:    Descriptor{Name: "srv one", URL: "http://x/mcp", Transport: TransportStreamableHTTP},
			wantErr: "invalid characters",
		},
		{
			name:    "missing transport",
			desc:    Descriptor{Name: "srv", URL: "http://x/mcp"},
			wantErr: "type must be",
		},
		{
			name:    "unknown transport",
			desc:    Descriptor{Name: "srv", URL: "http://x/mcp", Transport: "websocket"},
			wantErr: "unknown transport",
		},
		{
			name:    "relative url",
			desc:    Descriptor{Name: "srv", URL: "/mcp", Transport: TransportStreamableHTTP},
			wantErr: "not a valid URL",
		},
		{
			name: "invalid auth bubbles up",
			desc: Descriptor{
				Name: "srv", URL: "http://x/mcp", Transport: TransportStreamableHTTP,
				Auth: &AuthSpec{Method: "kerberos"},
			},
			wantErr: "unknown auth method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate(nil)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDescriptorValidateWarnsOnInlineCredential(t *testing.T) {
	desc := Descriptor{
		Name: "srv", URL: "http://x/mcp", Transport: TransportStreamableHTTP,
		Auth: &AuthSpec{Method: AuthBearer, CredentialValue: "secret"},
	}
	var warnings []string
	if err := desc.Validate(func(msg string) { warnings = append(warnings, msg) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "inline credential") {
		t.Errorf("warnings = %v, want one inline credential warning", warnings)
	}
}

func TestAuthSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		auth    AuthSpec
		wantErr string
	}{
		{name: "none needs nothing else", auth: AuthSpec{Method: AuthNone}},
		{name: "bearer with ref", auth: AuthSpec{Method: AuthBearer, Location: LocationHeader, Format: FormatPrefix, Prefix: "Bearer ", CredentialRef: "env://TOK"}},
		{name: "template requires placeholder", auth: AuthSpec{Method: AuthCustom, Format: FormatTemplate, Template: "Token {cred}"}, wantErr: "{credential}"},
		{name: "template ok", auth: AuthSpec{Method: AuthCustom, Format: FormatTemplate, Template: "Token {credential}"}},
		{name: "both credential sources", auth: AuthSpec{Method: AuthAPIKey, CredentialRef: "env://A", CredentialValue: "b"}, wantErr: "mutually exclusive"},
		{name: "bad location", auth: AuthSpec{Method: AuthAPIKey, Location: "cookie"}, wantErr: "unknown auth location"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.auth.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDescriptorTimeout(t *testing.T) {
	d := Descriptor{TimeoutSeconds: 2.5}
	if got := d.Timeout(30 * time.Second); got != 2500*time.Millisecond {
		t.Errorf("Timeout = %v, want 2.5s", got)
	}
	d.TimeoutSeconds = 0
	if got := d.Timeout(30 * time.Second); got != 30*time.Second {
		t.Errorf("Timeout fallback = %v, want 30s", got)
	}
}

func TestDeclaresTool(t *testing.T) {
	d := Descriptor{Tools: []string{"echo", "search"}}
	if !d.DeclaresTool("echo") || d.DeclaresTool("delete") {
		t.Error("declared tool matching is wrong")
	}
	wild := Descriptor{Tools: []string{"*"}}
	if !wild.DeclaresTool("anything") {
		t.Error("wildcard should declare every tool")
	}
}
