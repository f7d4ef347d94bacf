package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// ExpressionEvaluator evaluates an optional rule condition expression
// against request variables. Implemented by the CEL adapter.
type ExpressionEvaluator interface {
	EvalBool(expr string, vars map[string]any) (bool, error)
}

// Engine evaluates (subject, groups, resource, action) tuples against a
// compiled policy document. Evaluation is pure with respect to the
// document the engine was built from; the engine never returns an error
// at decision time.
type Engine struct {
	doc    *Document
	rules  []compiledRule
	logger *slog.Logger
	exprs  ExpressionEvaluator

	// resourcePatterns caches compiled permission resource regexes.
	resourcePatterns map[string]*regexp.Regexp
}

type compiledRule struct {
	rule        *Rule
	toolPattern *regexp.Regexp
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithExpressionEvaluator enables CEL rule condition expressions.
func WithExpressionEvaluator(ev ExpressionEvaluator) Option {
	return func(e *Engine) { e.exprs = ev }
}

// NewEngine compiles a policy document. Rules are sorted by priority
// descending, stably, so document order breaks ties. Invalid patterns
// fail compilation rather than surfacing at decision time.
func NewEngine(doc *Document, opts ...Option) (*Engine, error) {
	e := &Engine{
		doc:              doc,
		logger:           slog.Default(),
		resourcePatterns: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(e)
	}

	rules := make([]compiledRule, 0, len(doc.Rules))
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if r.Action != VerdictAllow && r.Action != VerdictDeny {
			return nil, fmt.Errorf("rule %q: action must be %q or %q", r.Name, VerdictAllow, VerdictDeny)
		}
		cr := compiledRule{rule: r}
		if p := r.Condition.ToolNamePattern; p != "" {
			re, err := regexp.Compile(anchored(p))
			if err != nil {
				return nil, fmt.Errorf("rule %q: tool_name_pattern: %w", r.Name, err)
			}
			cr.toolPattern = re
		}
		rules = append(rules, cr)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].rule.Priority > rules[j].rule.Priority
	})
	e.rules = rules

	for _, role := range doc.Roles {
		for _, perm := range role.Permissions {
			if perm.Resource == "*" {
				continue
			}
			if re, err := regexp.Compile(anchored(perm.Resource)); err == nil {
				e.resourcePatterns[perm.Resource] = re
			}
			// A resource that fails to compile still matches exactly.
		}
	}

	return e, nil
}

// Evaluate decides whether subject may perform action on resource.
// Resource identifiers have the canonical form mcp:<server>:<tool>.
//
// Order: rules by priority, then the subject's roles, then roles
// granted through groups, then the default policy.
func (e *Engine) Evaluate(subject string, groups []string, resource, action string) Decision {
	server, tool := splitResource(resource)

	for _, cr := range e.rules {
		if !e.ruleMatches(cr, subject, action, server, tool) {
			continue
		}
		r := cr.rule
		if r.Action == VerdictAllow {
			return Decision{Allow: true, Reason: fmt.Sprintf("allowed by rule: %s", r.Name)}
		}
		return Decision{Allow: false, Reason: fmt.Sprintf("denied by rule: %s", r.Name)}
	}

	for _, role := range e.doc.UserRoles[subject] {
		if perm, ok := e.roleAllows(role, resource, action); ok {
			return Decision{Allow: true, Reason: fmt.Sprintf("allowed by role %q permission %q", role, perm)}
		}
	}

	for _, group := range groups {
		for _, role := range e.doc.GroupRoles[group] {
			if perm, ok := e.roleAllows(role, resource, action); ok {
				return Decision{Allow: true, Reason: fmt.Sprintf("allowed by group %q role %q permission %q", group, role, perm)}
			}
		}
	}

	if e.doc.DefaultPolicy == VerdictAllow {
		return Decision{Allow: true, Reason: "default policy: allow"}
	}
	return Decision{Allow: false, Reason: "default policy: deny"}
}

func (e *Engine) ruleMatches(cr compiledRule, subject, action, server, tool string) bool {
	c := cr.rule.Condition
	if c.User != "" && c.User != subject {
		return false
	}
	if c.Action != "" && c.Action != action {
		return false
	}
	if c.MCPServer != "" && c.MCPServer != server {
		return false
	}
	if cr.toolPattern != nil && !cr.toolPattern.MatchString(tool) {
		return false
	}
	if c.Expression != "" {
		if e.exprs == nil {
			e.logger.Warn("rule has an expression but no evaluator is configured", "rule", cr.rule.Name)
			return false
		}
		ok, err := e.exprs.EvalBool(c.Expression, map[string]any{
			"subject": subject,
			"action":  action,
			"server":  server,
			"tool":    tool,
		})
		if err != nil {
			e.logger.Warn("rule expression failed, skipping rule", "rule", cr.rule.Name, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// roleAllows reports whether the role grants action on resource, and
// returns the matching permission's resource pattern.
func (e *Engine) roleAllows(roleName, resource, action string) (string, bool) {
	role, ok := e.doc.Roles[roleName]
	if !ok {
		return "", false
	}
	for _, perm := range role.Permissions {
		if !e.resourceMatches(perm.Resource, resource) {
			continue
		}
		for _, a := range perm.Actions {
			if a == "*" || a == action {
				return perm.Resource, true
			}
		}
	}
	return "", false
}

func (e *Engine) resourceMatches(pattern, resource string) bool {
	if pattern == "*" || pattern == resource {
		return true
	}
	if re, ok := e.resourcePatterns[pattern]; ok {
		return re.MatchString(resource)
	}
	return false
}

// splitResource breaks mcp:<server>:<tool> into its segments. Missing
// segments come back empty.
func splitResource(resource string) (server, tool string) {
	parts := strings.SplitN(resource, ":", 3)
	if len(parts) > 1 {
		server = parts[1]
	}
	if len(parts) > 2 {
		tool = parts[2]
	}
	return server, tool
}

func anchored(pattern string) string {
	return "^(?:" + pattern + ")$"
}
