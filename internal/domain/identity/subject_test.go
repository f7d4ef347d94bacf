package identity

import (
	"reflect"
	"testing"
)

func TestFromClaims(t *testing.T) {
	tests := []struct {
		name       string
		claims     map[string]any
		wantID     string
		wantName   string
		wantRoles  []string
		wantGroups []string
	}{
		{
			name: "keycloak shaped token",
			claims: map[string]any{
				"sub":                "u-123",
				"preferred_username": "alice",
				"email":              "alice@example.com",
				"realm_access":       map[string]any{"roles": []any{"developer", "viewer"}},
				"groups":             []any{"/platform"},
			},
			wantID:     "u-123",
			wantName:   "alice",
			wantRoles:  []string{"developer", "viewer"},
			wantGroups: []string{"/platform"},
		},
		{
			name:     "username only",
			claims:   map[string]any{"preferred_username": "bob"},
			wantID:   "bob",
			wantName: "bob",
		},
		{
			name:      "flat roles claim",
			claims:    map[string]any{"sub": "svc-1", "roles": []any{"service"}},
			wantID:    "svc-1",
			wantName:  "svc-1",
			wantRoles: []string{"service"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := FromClaims(tt.claims)
			if s.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", s.ID, tt.wantID)
			}
			if s.DisplayName != tt.wantName {
				t.Errorf("DisplayName = %q, want %q", s.DisplayName, tt.wantName)
			}
			if !reflect.DeepEqual(s.Roles, tt.wantRoles) {
				t.Errorf("Roles = %v, want %v", s.Roles, tt.wantRoles)
			}
			if !reflect.DeepEqual(s.Groups, tt.wantGroups) {
				t.Errorf("Groups = %v, want %v", s.Groups, tt.wantGroups)
			}
		})
	}
}

func TestHasRole(t *testing.T) {
	s := &Subject{Roles: []string{"admin"}}
	if !s.HasRole("admin") || s.HasRole("viewer") {
		t.Error("HasRole matching is wrong")
	}
}
