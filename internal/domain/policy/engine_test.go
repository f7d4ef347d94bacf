package policy

import (
	"errors"
	"strings"
	"testing"
)

func testDocument() *Document {
	return &Document{
		Roles: map[string]Role{
			"developer": {Permissions: []Permission{
				{Resource: "mcp:weather:.*", Actions: []string{"invoke_tool"}},
				{Resource: "mcp:files:readme", Actions: []string{"*"}},
			}},
			"admin": {Permissions: []Permission{
				{Resource: "*", Actions: []string{"*"}},
			}},
		},
		UserRoles: map[string][]string{
			"alice": {"developer"},
			"root":  {"admin"},
		},
		GroupRoles: map[string][]string{
			"/platform": {"developer"},
		},
		Rules: []Rule{
			{Name: "block-admin-tools", Priority: 100, Action: VerdictDeny,
				Condition: Condition{ToolNamePattern: "^admin_.*"}},
			{Name: "root-override", Priority: 200, Action: VerdictAllow,
				Condition: Condition{User: "root"}},
			{Name: "ban-eve", Priority: 50, Action: VerdictDeny,
				Condition: Condition{User: "eve"}},
		},
		DefaultPolicy: VerdictDeny,
	}
}

func TestEngineEvaluate(t *testing.T) {
	engine, err := NewEngine(testDocument())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	tests := []struct {
		name       string
		subject    string
		groups     []string
		resource   string
		action     string
		wantAllow  bool
		wantReason string
	}{
		{
			name: "deny rule on tool pattern", subject: "alice",
			resource: "mcp:myserver:admin_reset", action: "invoke_tool",
			wantAllow: false, wantReason: "denied by rule: block-admin-tools",
		},
		{
			name: "higher priority allow beats deny", subject: "root",
			resource: "mcp:myserver:admin_reset", action: "invoke_tool",
			wantAllow: true, wantReason: "allowed by rule: root-override",
		},
		{
			name: "user rule exact match", subject: "eve",
			resource: "mcp:weather:forecast", action: "invoke_tool",
			wantAllow: false, wantReason: "denied by rule: ban-eve",
		},
		{
			name: "role permission regex resource", subject: "alice",
			resource: "mcp:weather:forecast", action: "invoke_tool",
			wantAllow: true, wantReason: `allowed by role "developer"`,
		},
		{
			name: "role permission exact resource any action", subject: "alice",
			resource: "mcp:files:readme", action: "read_resource",
			wantAllow: true, wantReason: `allowed by role "developer"`,
		},
		{
			name: "group role grant", subject: "mallory", groups: []string{"/platform"},
			resource: "mcp:weather:forecast", action: "invoke_tool",
			wantAllow: true, wantReason: `allowed by group "/platform"`,
		},
		{
			name: "unknown subject falls to default", subject: "nobody",
			resource: "mcp:weather:forecast", action: "invoke_tool",
			wantAllow: false, wantReason: "default policy: deny",
		},
		{
			name: "action not granted", subject: "alice",
			resource: "mcp:weather:forecast", action: "delete_server",
			wantAllow: false, wantReason: "default policy: deny",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Evaluate(tt.subject, tt.groups, tt.resource, tt.action)
			if d.Allow != tt.wantAllow {
				t.Errorf("Allow = %v, want %v (reason %q)", d.Allow, tt.wantAllow, d.Reason)
			}
			if !strings.Contains(d.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want containing %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestEngineDeterminism(t *testing.T) {
	engine, err := NewEngine(testDocument())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	first := engine.Evaluate("alice", nil, "mcp:weather:forecast", "invoke_tool")
	for range 10 {
		if got := engine.Evaluate("alice", nil, "mcp:weather:forecast", "invoke_tool"); got != first {
			t.Fatalf("evaluation is not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestEnginePriorityTieBreaksBySourceOrder(t *testing.T) {
	doc := &Document{
		Rules: []Rule{
			{Name: "first", Priority: 10, Action: VerdictAllow},
			{Name: "second", Priority: 10, Action: VerdictDeny},
		},
		DefaultPolicy: VerdictDeny,
	}
	engine, err := NewEngine(doc)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	d := engine.Evaluate("anyone", nil, "mcp:a:b", "invoke_tool")
	if !d.Allow || !strings.Contains(d.Reason, "first") {
		t.Errorf("tie should resolve to source order, got %+v", d)
	}
}

func TestNewEngineRejectsBadPattern(t *testing.T) {
	doc := &Document{
		Rules:         []Rule{{Name: "broken", Priority: 1, Action: VerdictDeny, Condition: Condition{ToolNamePattern: "("}}},
		DefaultPolicy: VerdictDeny,
	}
	if _, err := NewEngine(doc); err == nil {
		t.Fatal("expected compile error for invalid tool_name_pattern")
	}
}

type fakeEvaluator struct {
	result bool
	err    error
}

func (f *fakeEvaluator) EvalBool(expr string, vars map[string]any) (bool, error) {
	return f.result, f.err
}

func TestEngineExpressionCondition(t *testing.T) {
	doc := &Document{
		Rules: []Rule{{Name: "expr-deny", Priority: 10, Action: VerdictDeny,
			Condition: Condition{Expression: `tool.startsWith("danger")`}}},
		DefaultPolicy: VerdictAllow,
	}

	t.Run("expression true applies rule", func(t *testing.T) {
		engine, err := NewEngine(doc, WithExpressionEvaluator(&fakeEvaluator{result: true}))
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		if d := engine.Evaluate("u", nil, "mcp:s:danger_zone", "invoke_tool"); d.Allow {
			t.Errorf("expected deny, got %+v", d)
		}
	})

	t.Run("expression error skips rule", func(t *testing.T) {
		engine, err := NewEngine(doc, WithExpressionEvaluator(&fakeEvaluator{err: errors.New("boom")}))
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		if d := engine.Evaluate("u", nil, "mcp:s:danger_zone", "invoke_tool"); !d.Allow {
			t.Errorf("expected fall-through to default allow, got %+v", d)
		}
	})

	t.Run("no evaluator skips rule", func(t *testing.T) {
		engine, err := NewEngine(doc)
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		if d := engine.Evaluate("u", nil, "mcp:s:danger_zone", "invoke_tool"); !d.Allow {
			t.Errorf("expected fall-through to default allow, got %+v", d)
		}
	})
}
