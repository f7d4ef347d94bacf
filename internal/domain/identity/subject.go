// Package identity holds the authenticated caller identity derived from
// a verified bearer token. Subjects live for one request and are never
// persisted.
package identity

// Subject is the caller identity extracted from verified token claims.
type Subject struct {
	// ID is the stable subject identifier (the token's sub claim, or
	// preferred_username when sub is absent).
	ID string
	// DisplayName is a human-readable name for logs and audit events.
	DisplayName string
	Email       string
	Roles       []string
	Groups      []string
	// RawClaims keeps the full verified claim set for policy conditions.
	RawClaims map[string]any
}

// Anonymous is the subject used when authentication is disabled.
func Anonymous() *Subject {
	return &Subject{ID: "anonymous", DisplayName: "anonymous"}
}

// FromClaims builds a Subject from a verified claim map. Keycloak-style
// realm_access.roles and flat groups/roles claims are both understood.
func FromClaims(claims map[string]any) *Subject {
	s := &Subject{RawClaims: claims}

	if sub, ok := claims["sub"].(string); ok {
		s.ID = sub
	}
	if username, ok := claims["preferred_username"].(string); ok {
		s.DisplayName = username
		if s.ID == "" {
			s.ID = username
		}
	}
	if s.DisplayName == "" {
		s.DisplayName = s.ID
	}
	if email, ok := claims["email"].(string); ok {
		s.Email = email
	}

	s.Roles = stringSlice(claims["roles"])
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		s.Roles = append(s.Roles, stringSlice(realm["roles"])...)
	}
	s.Groups = stringSlice(claims["groups"])

	return s
}

// HasRole reports whether the subject carries the role.
func (s *Subject) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
