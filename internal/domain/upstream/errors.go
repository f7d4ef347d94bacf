package upstream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies upstream proxy failures.
type ErrorKind string

const (
	// KindNotConfigured means the upstream is absent from the registry.
	KindNotConfigured ErrorKind = "not_configured"
	// KindDisabled means the upstream exists but its enable flag is off.
	KindDisabled ErrorKind = "disabled"
	// KindCredentialUnresolved means the auth reference could not be read.
	KindCredentialUnresolved ErrorKind = "credential_unresolved"
	// KindTransportBroken means the stream closed before a response.
	KindTransportBroken ErrorKind = "transport_broken"
	// KindUpstreamError means the upstream returned a JSON-RPC error.
	KindUpstreamError ErrorKind = "upstream_error"
	// KindTimeout means the session exceeded its allowed wall time.
	KindTimeout ErrorKind = "timeout"
	// KindCancelled means the client abandoned the request mid-flight.
	KindCancelled ErrorKind = "client_cancelled"
	// KindNoTargets means a broadcast resolved to an empty target set.
	KindNoTargets ErrorKind = "no_targets"
)

// ProxyError is the typed failure surfaced by upstream operations.
type ProxyError struct {
	Kind   ErrorKind
	Server string
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("%s: %s: %s", e.Server, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying cause.
func (e *ProxyError) Unwrap() error { return e.Err }

// NewProxyError builds a typed proxy failure.
func NewProxyError(kind ErrorKind, server, detail string, err error) *ProxyError {
	return &ProxyError{Kind: kind, Server: server, Detail: detail, Err: err}
}

// AsProxyError extracts a ProxyError from an error chain.
func AsProxyError(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
