// Package audit contains the audit event model and the sink port.
package audit

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes audit events. The set is closed; sinks may
// reject anything else.
type EventType string

const (
	EventMCPRequest       EventType = "mcp_request"
	EventToolInvocation   EventType = "tool_invocation"
	EventPolicyViolation  EventType = "policy_violation"
	EventAuthentication   EventType = "authentication"
	EventToolRegistration EventType = "tool_registration"
	EventToolDeletion     EventType = "tool_deletion"
)

// KnownEventType reports whether t is one of the closed event types.
func KnownEventType(t EventType) bool {
	switch t {
	case EventMCPRequest, EventToolInvocation, EventPolicyViolation,
		EventAuthentication, EventToolRegistration, EventToolDeletion:
		return true
	}
	return false
}

// Status is the outcome recorded on an event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusDenied  Status = "denied"
	StatusError   Status = "error"
)

// TruncationLimit caps serialized payload fields in audit events.
const TruncationLimit = 4096

// TruncationMarker is appended to truncated payloads.
const TruncationMarker = "...[truncated]"

// Event is one audit record. Optional fields are omitted from the JSON
// line when empty. Timestamps are always UTC.
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	EventType      EventType      `json:"event_type"`
	RequestID      string         `json:"request_id,omitempty"`
	Subject        string         `json:"subject"`
	Action         string         `json:"action"`
	Server         string         `json:"server,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Status         Status         `json:"status"`
	PolicyDecision string         `json:"policy_decision,omitempty"`
	DurationMS     int64          `json:"duration_ms,omitempty"`
	UpstreamStatus string         `json:"upstream_status,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(eventType EventType, subject, action string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Subject:   subject,
		Action:    action,
	}
}

// sensitiveKeywords lists substrings that mark a parameter key as
// sensitive. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactParameters returns a copy of params with sensitive values
// replaced by "***REDACTED***" and oversized values truncated.
func RedactParameters(params map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = truncateValue(v)
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Truncate caps a payload string at TruncationLimit, appending the
// truncation marker when anything was cut.
func Truncate(s string) string {
	if len(s) <= TruncationLimit {
		return s
	}
	return s[:TruncationLimit] + TruncationMarker
}

// truncateValue truncates a parameter value by its serialized size.
// Values that fit are returned unchanged.
func truncateValue(v any) any {
	if s, ok := v.(string); ok {
		return Truncate(s)
	}
	raw, err := json.Marshal(v)
	if err != nil || len(raw) <= TruncationLimit {
		return v
	}
	return Truncate(string(raw))
}
