package service

import (
	"context"
	"sync"
	"time"

	"github.com/datacline/mcp-gateway/internal/domain/upstream"
	"github.com/datacline/mcp-gateway/pkg/mcpwire"
)

// BroadcastRequest names the tool and optional target constraints.
// Selection precedence: explicit Servers, then Tags, then upstreams
// declaring the tool, then every enabled upstream.
type BroadcastRequest struct {
	Tool    string
	Args    map[string]any
	Servers []string
	Tags    []string
}

// BroadcastResult is the joined outcome of a fan-out. Successes and
// Failures are disjoint and together cover every target.
type BroadcastResult struct {
	Tool       string
	Total      int
	Successes  map[string]*mcpwire.CallResult
	Failures   map[string]string
	DurationMS int64
}

// Broadcaster fans one tool call out to a set of upstreams.
type Broadcaster struct {
	registry *upstream.Registry
	proxy    *Proxy
}

// NewBroadcaster creates the broadcast engine.
func NewBroadcaster(registry *upstream.Registry, proxy *Proxy) *Broadcaster {
	return &Broadcaster{registry: registry, proxy: proxy}
}

// selectTargets resolves the target server names for a request against
// one registry snapshot. Explicit server names are kept even when they
// turn out unknown or disabled; those fail per-server instead of being
// silently dropped.
func (b *Broadcaster) selectTargets(req BroadcastRequest) []string {
	snap := b.registry.Snapshot()

	if len(req.Servers) > 0 {
		return req.Servers
	}

	if len(req.Tags) > 0 {
		var targets []string
		for _, desc := range snap.Enabled() {
			for _, tag := range req.Tags {
				if desc.HasTag(tag) {
					targets = append(targets, desc.Name)
					break
				}
			}
		}
		return targets
	}

	var declaring []string
	for _, desc := range snap.Enabled() {
		if desc.DeclaresTool(req.Tool) {
			declaring = append(declaring, desc.Name)
		}
	}
	if len(declaring) > 0 {
		return declaring
	}

	var all []string
	for _, desc := range snap.Enabled() {
		all = append(all, desc.Name)
	}
	return all
}

// Broadcast runs the fan-out. One goroutine per target; each child is
// bounded by its upstream's own timeout and child failures never cancel
// siblings. The call returns once every child has terminated. An empty
// target set is the only broadcast-level failure.
func (b *Broadcaster) Broadcast(ctx context.Context, req BroadcastRequest) (*BroadcastResult, error) {
	targets := b.selectTargets(req)
	if len(targets) == 0 {
		return nil, upstream.NewProxyError(upstream.KindNoTargets, "",
			"no enabled upstream matches the broadcast target selection", nil)
	}

	start := time.Now()
	type childOutcome struct {
		server string
		result *mcpwire.CallResult
		err    error
	}
	outcomes := make(chan childOutcome, len(targets))

	var wg sync.WaitGroup
	for _, server := range targets {
		wg.Add(1)
		go func(server string) {
			defer wg.Done()
			result, err := b.proxy.CallTool(ctx, server, req.Tool, req.Args)
			outcomes <- childOutcome{server: server, result: result, err: err}
		}(server)
	}
	wg.Wait()
	close(outcomes)

	result := &BroadcastResult{
		Tool:      req.Tool,
		Total:     len(targets),
		Successes: make(map[string]*mcpwire.CallResult),
		Failures:  make(map[string]string),
	}
	for outcome := range outcomes {
		if outcome.err != nil {
			result.Failures[outcome.server] = outcome.err.Error()
			continue
		}
		result.Successes[outcome.server] = outcome.result
	}
	result.DurationMS = time.Since(start).Milliseconds()

	loggerFromContext(ctx).Info("broadcast complete",
		"tool", req.Tool,
		"targets", result.Total,
		"succeeded", len(result.Successes),
		"failed", len(result.Failures),
		"duration_ms", result.DurationMS)
	return result, nil
}
