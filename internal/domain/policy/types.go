// Package policy contains the role-and-rule authorization document and
// its evaluation engine.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Verdict is a rule or default-policy outcome.
type Verdict string

const (
	// VerdictAllow permits the request.
	VerdictAllow Verdict = "allow"
	// VerdictDeny blocks the request.
	VerdictDeny Verdict = "deny"
)

// Permission grants a set of actions on a resource pattern.
// Resource is "*", an exact resource identifier, or a regular
// expression matched against the full identifier.
type Permission struct {
	Resource string   `yaml:"resource"`
	Actions  []string `yaml:"actions"`
}

// Role is a named permission bundle.
type Role struct {
	Permissions []Permission `yaml:"permissions"`
}

// Condition restricts when a rule applies. Empty fields match anything.
// ToolNamePattern is a regex anchored-matched against the tool segment
// of the resource identifier. Expression is an optional CEL expression
// over {subject, action, server, tool}.
type Condition struct {
	User            string `yaml:"user,omitempty"`
	Action          string `yaml:"action,omitempty"`
	MCPServer       string `yaml:"mcp_server,omitempty"`
	ToolNamePattern string `yaml:"tool_name_pattern,omitempty"`
	Expression      string `yaml:"expression,omitempty"`
}

// Rule is a priority-ordered override. Higher priority wins; ties fall
// back to document order.
type Rule struct {
	Name      string    `yaml:"name"`
	Priority  int       `yaml:"priority"`
	Action    Verdict   `yaml:"action"`
	Condition Condition `yaml:"condition"`
}

// Document is the full policy configuration as loaded from YAML.
type Document struct {
	Roles         map[string]Role     `yaml:"roles"`
	UserRoles     map[string][]string `yaml:"user_roles"`
	GroupRoles    map[string][]string `yaml:"group_roles"`
	Rules         []Rule              `yaml:"rules"`
	DefaultPolicy Verdict             `yaml:"default_policy"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// LoadDocument reads and parses a policy YAML file.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if doc.DefaultPolicy == "" {
		doc.DefaultPolicy = VerdictDeny
	}
	if doc.DefaultPolicy != VerdictAllow && doc.DefaultPolicy != VerdictDeny {
		return nil, fmt.Errorf("default_policy must be %q or %q", VerdictAllow, VerdictDeny)
	}
	return &doc, nil
}
