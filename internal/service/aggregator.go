package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/datacline/mcp-gateway/internal/domain/audit"
	"github.com/datacline/mcp-gateway/internal/domain/identity"
	"github.com/datacline/mcp-gateway/internal/domain/policy"
	"github.com/datacline/mcp-gateway/internal/domain/upstream"
	"github.com/datacline/mcp-gateway/pkg/mcpwire"
)

// Namespace separators for virtual names.
const (
	nameSep            = "__"
	broadcastPrefix    = "broadcast__"
	broadcastTagPrefix = "broadcast__by_tag__"
)

// Policy action names used for resource identifiers.
const (
	ActionListTools     = "list_tools"
	ActionInvokeTool    = "invoke_tool"
	ActionListResources = "list_resources"
	ActionReadResource  = "read_resource"
	ActionListPrompts   = "list_prompts"
	ActionGetPrompt     = "get_prompt"
)

// PolicyDenied is returned when the policy engine rejects an operation.
// The front end translates it to a JSON-RPC internal error carrying the
// reason.
type PolicyDenied struct {
	Reason string
}

// Error implements the error interface.
func (e *PolicyDenied) Error() string { return e.Reason }

var broadcastToolSchema = json.RawMessage(`{"type":"object","properties":{"arguments":{"type":"object"},"servers":{"type":"array","items":{"type":"string"}}},"required":[]}`)

var broadcastTagSchema = json.RawMessage(`{"type":"object","properties":{"tool_name":{"type":"string"},"arguments":{"type":"object"}},"required":["tool_name"]}`)

// Aggregator presents the upstream fleet as a single virtual MCP
// server: it namespaces listings, dispatches calls by prefix, gates
// every operation through the policy engine, and audits the outcomes.
type Aggregator struct {
	proxy       *Proxy
	broadcaster *Broadcaster
	engine      *policy.Engine
	sink        audit.Sink
}

// NewAggregator wires the aggregator.
func NewAggregator(proxy *Proxy, broadcaster *Broadcaster, engine *policy.Engine, sink audit.Sink) *Aggregator {
	return &Aggregator{proxy: proxy, broadcaster: broadcaster, engine: engine, sink: sink}
}

// decide runs the policy engine for one subject/resource/action tuple.
func (a *Aggregator) decide(subject *identity.Subject, resource, action string) policy.Decision {
	return a.engine.Evaluate(subject.ID, subject.Groups, resource, action)
}

// record sends an audit event; sink failures are logged, never fatal.
func (a *Aggregator) record(ctx context.Context, event *audit.Event) {
	event.RequestID = requestIDFromContext(ctx)
	if err := a.sink.Record(ctx, event); err != nil {
		loggerFromContext(ctx).Error("audit write failed", "error", err)
	}
}

// recordViolation emits the policy_violation event for a denied call.
func (a *Aggregator) recordViolation(ctx context.Context, subject *identity.Subject, action, server, tool, reason string) {
	ev := audit.NewEvent(audit.EventPolicyViolation, subject.ID, action)
	ev.Server = server
	ev.Tool = tool
	ev.Status = audit.StatusDenied
	ev.PolicyDecision = reason
	a.record(ctx, ev)
}

// splitVirtual breaks a virtual name on the FIRST double underscore.
// Tools whose upstream name itself contains "__" survive because only
// the first occurrence splits.
func splitVirtual(name string) (server, rest string, ok bool) {
	idx := strings.Index(name, nameSep)
	if idx <= 0 || idx+len(nameSep) >= len(name) {
		return "", "", false
	}
	return name[:idx], name[idx+len(nameSep):], true
}

// ListTools merges every enabled upstream's tools under namespaced
// virtual names and synthesises the broadcast tools. Per-upstream
// listing failures are logged and skipped, never fatal. Upstreams the
// subject may not list are filtered out.
func (a *Aggregator) ListTools(ctx context.Context, subject *identity.Subject) ([]mcpwire.ToolDescriptor, error) {
	ctx = withSubject(ctx, subject)
	logger := loggerFromContext(ctx)
	snap := a.proxy.Registry().Snapshot()

	type originTool struct {
		server string
		tool   mcpwire.ToolDescriptor
	}
	var collected []originTool

	for _, desc := range snap.Enabled() {
		resource := fmt.Sprintf("mcp:%s:*", desc.Name)
		if d := a.decide(subject, resource, ActionListTools); !d.Allow {
			logger.Debug("tools listing filtered by policy", "server", desc.Name, "reason", d.Reason)
			continue
		}
		tools, err := a.proxy.ListTools(ctx, desc.Name)
		if err != nil {
			logger.Warn("upstream tools listing failed, skipping", "server", desc.Name, "error", err)
			continue
		}
		for _, tool := range tools {
			collected = append(collected, originTool{server: desc.Name, tool: tool})
		}
	}

	var out []mcpwire.ToolDescriptor
	for _, ot := range collected {
		out = append(out, mcpwire.ToolDescriptor{
			Name:        ot.server + nameSep + ot.tool.Name,
			Description: fmt.Sprintf("[%s] %s", ot.server, ot.tool.Description),
			InputSchema: ot.tool.InputSchema,
		})
	}

	// broadcast__{tool} for every tool two or more upstreams provide.
	providers := make(map[string][]string)
	for _, ot := range collected {
		providers[ot.tool.Name] = append(providers[ot.tool.Name], ot.server)
	}
	var broadcastNames []string
	for tool, servers := range providers {
		if len(servers) >= 2 {
			broadcastNames = append(broadcastNames, tool)
		}
	}
	sort.Strings(broadcastNames)
	for _, tool := range broadcastNames {
		sort.Strings(providers[tool])
		out = append(out, mcpwire.ToolDescriptor{
			Name: broadcastPrefix + tool,
			Description: fmt.Sprintf("[BROADCAST] Invoke %q on multiple servers at once (%s)",
				tool, strings.Join(providers[tool], ", ")),
			InputSchema: broadcastToolSchema,
		})
	}

	// broadcast__by_tag__{tag} for every tag shared by two or more
	// enabled upstreams.
	tagged := make(map[string][]string)
	for _, desc := range snap.Enabled() {
		for _, tag := range desc.Tags {
			tagged[tag] = append(tagged[tag], desc.Name)
		}
	}
	var tagNames []string
	for tag, servers := range tagged {
		if len(servers) >= 2 {
			tagNames = append(tagNames, tag)
		}
	}
	sort.Strings(tagNames)
	for _, tag := range tagNames {
		sort.Strings(tagged[tag])
		out = append(out, mcpwire.ToolDescriptor{
			Name: broadcastTagPrefix + tag,
			Description: fmt.Sprintf("[BROADCAST BY TAG] Invoke a named tool on every server tagged %q (%s)",
				tag, strings.Join(tagged[tag], ", ")),
			InputSchema: broadcastTagSchema,
		})
	}

	ev := audit.NewEvent(audit.EventMCPRequest, subject.ID, ActionListTools)
	ev.Status = audit.StatusSuccess
	a.record(ctx, ev)
	return out, nil
}

// CallTool dispatches a virtual tool call: broadcast-by-tag, broadcast,
// or a prefixed single-upstream call. Malformed names come back as a
// textual tool error rather than a protocol failure.
func (a *Aggregator) CallTool(ctx context.Context, subject *identity.Subject, virtualName string, args map[string]any) (*mcpwire.CallResult, error) {
	ctx = withSubject(ctx, subject)
	switch {
	case strings.HasPrefix(virtualName, broadcastTagPrefix):
		tag := strings.TrimPrefix(virtualName, broadcastTagPrefix)
		return a.callBroadcastByTag(ctx, subject, tag, args)
	case strings.HasPrefix(virtualName, broadcastPrefix):
		tool := strings.TrimPrefix(virtualName, broadcastPrefix)
		return a.callBroadcast(ctx, subject, tool, broadcastServers(args), nil, broadcastArguments(args))
	default:
		server, tool, ok := splitVirtual(virtualName)
		if !ok {
			return textError(fmt.Sprintf("malformed tool name %q: expected {server}__{tool}", virtualName)), nil
		}
		return a.callSingle(ctx, subject, server, tool, args)
	}
}

func (a *Aggregator) callSingle(ctx context.Context, subject *identity.Subject, server, tool string, args map[string]any) (*mcpwire.CallResult, error) {
	resource := fmt.Sprintf("mcp:%s:%s", server, tool)
	if d := a.decide(subject, resource, ActionInvokeTool); !d.Allow {
		a.recordViolation(ctx, subject, ActionInvokeTool, server, tool, d.Reason)
		return nil, &PolicyDenied{Reason: d.Reason}
	}

	start := time.Now()
	result, err := a.proxy.CallTool(ctx, server, tool, args)

	ev := audit.NewEvent(audit.EventToolInvocation, subject.ID, ActionInvokeTool)
	ev.Server = server
	ev.Tool = tool
	ev.Parameters = audit.RedactParameters(args)
	ev.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		ev.Status = audit.StatusError
		ev.Error = audit.Truncate(err.Error())
		if pe, ok := upstream.AsProxyError(err); ok {
			ev.UpstreamStatus = string(pe.Kind)
		}
		a.record(ctx, ev)
		// Upstream failures surface as a tool error so the client
		// still receives a protocol-conforming reply.
		return textError(err.Error()), nil
	}
	ev.Status = audit.StatusSuccess
	ev.UpstreamStatus = "ok"
	a.record(ctx, ev)
	return result, nil
}

func (a *Aggregator) callBroadcastByTag(ctx context.Context, subject *identity.Subject, tag string, args map[string]any) (*mcpwire.CallResult, error) {
	toolName, _ := args["tool_name"].(string)
	if toolName == "" {
		return textError("broadcast by tag requires a tool_name argument"), nil
	}
	return a.callBroadcast(ctx, subject, toolName, nil, []string{tag}, broadcastArguments(args))
}

// Broadcast runs a policy-gated fan-out with the explicit target
// constraints the REST surface supplies: any mix of server names and
// tags, instead of a single-tag virtual name.
func (a *Aggregator) Broadcast(ctx context.Context, subject *identity.Subject, tool string, servers, tags []string, args map[string]any) (*mcpwire.CallResult, error) {
	ctx = withSubject(ctx, subject)
	if args == nil {
		args = map[string]any{}
	}
	return a.callBroadcast(ctx, subject, tool, servers, tags, args)
}

func (a *Aggregator) callBroadcast(ctx context.Context, subject *identity.Subject, tool string, servers, tags []string, args map[string]any) (*mcpwire.CallResult, error) {
	resource := fmt.Sprintf("mcp:*:%s", tool)
	if d := a.decide(subject, resource, ActionInvokeTool); !d.Allow {
		a.recordViolation(ctx, subject, ActionInvokeTool, "*", tool, d.Reason)
		return nil, &PolicyDenied{Reason: d.Reason}
	}

	result, err := a.broadcaster.Broadcast(ctx, BroadcastRequest{
		Tool:    tool,
		Args:    args,
		Servers: servers,
		Tags:    tags,
	})

	ev := audit.NewEvent(audit.EventToolInvocation, subject.ID, ActionInvokeTool)
	ev.Server = "*"
	ev.Tool = tool
	ev.Parameters = audit.RedactParameters(args)
	if err != nil {
		ev.Status = audit.StatusError
		ev.Error = audit.Truncate(err.Error())
		a.record(ctx, ev)
		return nil, err
	}
	ev.Status = audit.StatusSuccess
	ev.DurationMS = result.DurationMS
	ev.UpstreamStatus = fmt.Sprintf("%d/%d succeeded", len(result.Successes), result.Total)
	a.record(ctx, ev)

	return FormatBroadcastResult(result), nil
}

// ListResources merges namespaced resources from every listable
// upstream; failures are per-upstream non-fatal.
func (a *Aggregator) ListResources(ctx context.Context, subject *identity.Subject) ([]mcpwire.ResourceDescriptor, error) {
	ctx = withSubject(ctx, subject)
	logger := loggerFromContext(ctx)
	var out []mcpwire.ResourceDescriptor
	for _, desc := range a.proxy.Registry().Snapshot().Enabled() {
		resource := fmt.Sprintf("mcp:%s:*", desc.Name)
		if d := a.decide(subject, resource, ActionListResources); !d.Allow {
			continue
		}
		resources, err := a.proxy.ListResources(ctx, desc.Name)
		if err != nil {
			logger.Warn("upstream resources listing failed, skipping", "server", desc.Name, "error", err)
			continue
		}
		for _, res := range resources {
			res.URI = desc.Name + nameSep + res.URI
			if res.Name != "" {
				res.Name = fmt.Sprintf("[%s] %s", desc.Name, res.Name)
			}
			out = append(out, res)
		}
	}
	ev := audit.NewEvent(audit.EventMCPRequest, subject.ID, ActionListResources)
	ev.Status = audit.StatusSuccess
	a.record(ctx, ev)
	return out, nil
}

// ReadResource routes {server}__{uri} to the right upstream with the
// namespace stripped.
func (a *Aggregator) ReadResource(ctx context.Context, subject *identity.Subject, virtualURI string) (*mcpwire.ResourceContents, error) {
	ctx = withSubject(ctx, subject)
	server, uri, ok := splitVirtual(virtualURI)
	if !ok {
		return nil, fmt.Errorf("malformed resource uri %q: expected {server}__{uri}", virtualURI)
	}
	resource := fmt.Sprintf("mcp:%s:%s", server, uri)
	if d := a.decide(subject, resource, ActionReadResource); !d.Allow {
		a.recordViolation(ctx, subject, ActionReadResource, server, "", d.Reason)
		return nil, &PolicyDenied{Reason: d.Reason}
	}
	return a.proxy.ReadResource(ctx, server, uri)
}

// ListPrompts merges namespaced prompts from every listable upstream.
func (a *Aggregator) ListPrompts(ctx context.Context, subject *identity.Subject) ([]mcpwire.PromptDescriptor, error) {
	ctx = withSubject(ctx, subject)
	logger := loggerFromContext(ctx)
	var out []mcpwire.PromptDescriptor
	for _, desc := range a.proxy.Registry().Snapshot().Enabled() {
		resource := fmt.Sprintf("mcp:%s:*", desc.Name)
		if d := a.decide(subject, resource, ActionListPrompts); !d.Allow {
			continue
		}
		prompts, err := a.proxy.ListPrompts(ctx, desc.Name)
		if err != nil {
			logger.Warn("upstream prompts listing failed, skipping", "server", desc.Name, "error", err)
			continue
		}
		for _, prompt := range prompts {
			prompt.Name = desc.Name + nameSep + prompt.Name
			prompt.Description = fmt.Sprintf("[%s] %s", desc.Name, prompt.Description)
			out = append(out, prompt)
		}
	}
	ev := audit.NewEvent(audit.EventMCPRequest, subject.ID, ActionListPrompts)
	ev.Status = audit.StatusSuccess
	a.record(ctx, ev)
	return out, nil
}

// GetPrompt routes {server}__{prompt}, forwarding arguments verbatim.
func (a *Aggregator) GetPrompt(ctx context.Context, subject *identity.Subject, virtualName string, args map[string]string) (*mcpwire.PromptResult, error) {
	ctx = withSubject(ctx, subject)
	server, name, ok := splitVirtual(virtualName)
	if !ok {
		return nil, fmt.Errorf("malformed prompt name %q: expected {server}__{prompt}", virtualName)
	}
	resource := fmt.Sprintf("mcp:%s:%s", server, name)
	if d := a.decide(subject, resource, ActionGetPrompt); !d.Allow {
		a.recordViolation(ctx, subject, ActionGetPrompt, server, "", d.Reason)
		return nil, &PolicyDenied{Reason: d.Reason}
	}
	return a.proxy.GetPrompt(ctx, server, name, args)
}

// broadcastArguments extracts the nested arguments object from a
// broadcast call's parameters.
func broadcastArguments(args map[string]any) map[string]any {
	if nested, ok := args["arguments"].(map[string]any); ok {
		return nested
	}
	return map[string]any{}
}

// broadcastServers extracts the optional explicit server list.
func broadcastServers(args map[string]any) []string {
	items, ok := args["servers"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// textError wraps a message as a tool error result.
func textError(msg string) *mcpwire.CallResult {
	return &mcpwire.CallResult{
		Content: []mcpwire.ContentPart{mcpwire.TextPart(msg)},
		IsError: true,
	}
}

// resultText flattens a call result's text parts for broadcast
// summaries.
func resultText(result *mcpwire.CallResult) string {
	var parts []string
	for _, part := range result.Content {
		switch part.Type {
		case "text":
			parts = append(parts, part.Text)
		case "resource":
			if part.Resource != nil {
				parts = append(parts, part.Resource.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// FormatBroadcastResult renders a broadcast outcome as one logical tool
// answer: a text part holding the {results, errors, ...} JSON block and
// an embedded resource part with the same document for structured
// consumers. The result is an error only when every child failed.
func FormatBroadcastResult(result *BroadcastResult) *mcpwire.CallResult {
	results := make(map[string]string, len(result.Successes))
	for server, res := range result.Successes {
		results[server] = resultText(res)
	}

	document := map[string]any{
		"tool":        result.Tool,
		"total":       result.Total,
		"results":     results,
		"errors":      result.Failures,
		"duration_ms": result.DurationMS,
	}
	raw, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"tool":%q,"error":"encode failed"}`, result.Tool))
	}

	return &mcpwire.CallResult{
		Content: []mcpwire.ContentPart{
			mcpwire.TextPart(string(raw)),
			mcpwire.ResourcePart("gateway://results/"+result.Tool, "application/json", string(raw)),
		},
		IsError: len(result.Successes) == 0,
	}
}
