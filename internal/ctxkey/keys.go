// Package ctxkey defines shared context key types used across multiple
// packages. It must stay dependency-free to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the request-scoped logger.
// HTTP middleware stores a logger enriched with request_id and subject
// fields; services retrieve it for per-request logging.
type LoggerKey struct{}

// RequestIDKey is the context key type for the request correlation ID
// threaded into audit events.
type RequestIDKey struct{}
