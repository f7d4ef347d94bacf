// Package credential resolves upstream credential references at request
// time. Supported schemes: env://VARIABLE, file:///path/to/secret, and
// vault://path (declared unimplemented).
package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/datacline/mcp-gateway/internal/domain/upstream"
)

// Sentinel errors for resolution failures.
var (
	// ErrUnresolved indicates the reference could not be materialised.
	ErrUnresolved = errors.New("credential unresolved")
	// ErrVaultUnimplemented is returned for every vault:// reference.
	ErrVaultUnimplemented = errors.New("vault credential resolution is not implemented; use env:// or file://")
)

// Resolver materialises credential references.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve returns the secret material for an auth spec. Inline values
// win over references. A spec with neither yields an empty credential
// without error, so method "custom" with a static template still works.
func (r *Resolver) Resolve(spec *upstream.AuthSpec) (string, error) {
	if spec == nil || spec.Method == upstream.AuthNone {
		return "", nil
	}
	if spec.CredentialValue != "" {
		return spec.CredentialValue, nil
	}
	if spec.CredentialRef == "" {
		return "", nil
	}
	return r.resolveRef(spec.CredentialRef)
}

func (r *Resolver) resolveRef(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env://"):
		name := strings.TrimPrefix(ref, "env://")
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("%w: environment variable %q is not set", ErrUnresolved, name)
		}
		return value, nil

	case strings.HasPrefix(ref, "file://"):
		path := strings.TrimPrefix(ref, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: read %q: %v", ErrUnresolved, path, err)
		}
		return strings.TrimSpace(string(data)), nil

	case strings.HasPrefix(ref, "vault://"):
		return "", fmt.Errorf("%w: %w", ErrUnresolved, ErrVaultUnimplemented)

	default:
		return "", fmt.Errorf("%w: unknown credential scheme in %q", ErrUnresolved, ref)
	}
}

// Format produces the final credential string: raw, "{prefix}{credential}",
// or the template with its {credential} placeholder substituted.
func Format(spec *upstream.AuthSpec, cred string) string {
	switch spec.Format {
	case upstream.FormatPrefix:
		return spec.Prefix + cred
	case upstream.FormatTemplate:
		return strings.ReplaceAll(spec.Template, "{credential}", cred)
	default:
		return cred
	}
}
