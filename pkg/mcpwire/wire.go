// Package mcpwire provides the JSON-RPC 2.0 envelope and MCP content
// types used on the gateway's client-facing wire.
//
// The gateway dispatches MCP methods by hand rather than through an SDK
// server, so request IDs are carried as raw JSON and echoed back
// untouched, whatever their type.
package mcpwire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the MCP protocol revision the gateway speaks.
const ProtocolVersion = "2024-11-05"

// ServerName identifies the gateway in initialize responses.
const ServerName = "secure-mcp-gateway"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an incoming JSON-RPC 2.0 request or notification.
// ID is nil for notifications.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID and
// therefore expects no response body.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is an outgoing JSON-RPC 2.0 response. Exactly one of Result
// and Err is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
}

// NewResult builds a success response echoing the request ID.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

// NewError builds an error response echoing the request ID.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Err: &Error{Code: code, Message: message}}
}

// NewErrorResponse wraps an existing Error in a response envelope.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Err: err}
}

// normalizeID maps an absent ID to explicit null so the "id" member is
// always present in responses.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// DecodeRequest parses a single JSON-RPC request from raw bytes.
// A *Error with CodeParseError or CodeInvalidRequest is returned for
// malformed input.
func DecodeRequest(raw []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if req.JSONRPC != "2.0" {
		return nil, &Error{Code: CodeInvalidRequest, Message: `invalid request: jsonrpc must be "2.0"`}
	}
	if strings.TrimSpace(req.Method) == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "invalid request: missing method"}
	}
	return &req, nil
}
