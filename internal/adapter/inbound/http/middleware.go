package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/datacline/mcp-gateway/internal/adapter/outbound/tokenverify"
	"github.com/datacline/mcp-gateway/internal/ctxkey"
	"github.com/datacline/mcp-gateway/internal/domain/identity"
)

// RequestIDMiddleware extracts or generates a request ID and stores an
// enriched logger in the context.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger.With("request_id", requestID))

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context,
// falling back to slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// authError carries the HTTP mapping of an authentication failure.
type authError struct {
	status      int
	code        string
	description string
}

func (e *authError) Error() string { return e.description }

// authenticate resolves the request's subject from its bearer token.
// With authentication disabled it returns the anonymous subject.
func (s *Server) authenticate(r *http.Request) (*identity.Subject, *authError) {
	if !s.settings.Auth.Enabled || s.verifier == nil {
		return identity.Anonymous(), nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, &authError{
			status:      http.StatusUnauthorized,
			code:        "invalid_request",
			description: "missing Authorization header",
		}
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, &authError{
			status:      http.StatusUnauthorized,
			code:        "invalid_request",
			description: "Authorization header must use the Bearer scheme",
		}
	}

	claims, err := s.verifier.Verify(r.Context(), strings.TrimSpace(token))
	if err != nil {
		s.metrics.AuthFailuresTotal.Inc()
		if errors.Is(err, tokenverify.ErrMissingScopes) {
			return nil, &authError{
				status:      http.StatusForbidden,
				code:        "insufficient_scope",
				description: err.Error(),
			}
		}
		return nil, &authError{
			status:      http.StatusUnauthorized,
			code:        "invalid_token",
			description: err.Error(),
		}
	}
	return identity.FromClaims(claims), nil
}

// challenge writes the OAuth challenge response for a failed
// authentication: the WWW-Authenticate header pointing clients at the
// protected resource metadata plus a JSON body with discovery hints.
func (s *Server) challenge(w http.ResponseWriter, aerr *authError) {
	metadataURL := s.resourceMetadataURL()
	if aerr.status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf("Bearer realm=%q, resource_metadata=%q, error=%q, error_description=%q",
				"mcp", metadataURL, aerr.code, aerr.description))
	}
	writeJSON(w, aerr.status, map[string]any{
		"error":             aerr.code,
		"error_description": aerr.description,
		"oauth2_metadata":   s.oauthMetadataHints(),
	})
}

// requireAuth guards a REST handler with bearer authentication. The
// resolved subject is passed through.
func (s *Server) requireAuth(handler func(http.ResponseWriter, *http.Request, *identity.Subject)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subject, aerr := s.authenticate(r)
		if aerr != nil {
			s.challenge(w, aerr)
			return
		}
		handler(w, r, subject)
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
